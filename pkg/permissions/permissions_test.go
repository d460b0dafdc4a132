package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeLookup map[string]string

func (f fakeLookup) get(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

func TestInterpretPermissionFlag(t *testing.T) {
	cases := map[string]struct {
		value    string
		expected Status
	}{
		"granted":     {"granted", StatusGranted},
		"denied":      {"denied", StatusDenied},
		"prompt":      {"prompt", StatusPromptRequired},
		"unsupported": {"unsupported", StatusUnavailable},
		"unknown":     {"", StatusUnknown},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res := interpretPermissionFlag("test", tc.value)
			assert.Equal(t, tc.expected, res.Status)
		})
	}
}

func TestProbeScreenRecordingHonoursEnv(t *testing.T) {
	lookup := fakeLookup{ScreenRecordingEnv: "denied"}
	res := ProbeScreenRecording(lookup.get)
	assert.Equal(t, StatusDenied, res.Status)
	assert.NotEmpty(t, res.Guidance)
}

func TestProbeScreenRecordingDefaults(t *testing.T) {
	res := ProbeScreenRecording(fakeLookup{}.get)
	assert.NotEqual(t, StatusUnknown, res.Status)
	assert.NotEmpty(t, res.StatusString())
}
