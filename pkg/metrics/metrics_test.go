package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offlinefirst/screenwatch/pkg/events"
)

func TestRecorderTracksEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder("", reg)
	require.NoError(t, err)

	now := time.Now()
	r.Publish(events.FrameAdmitted(now, 1, "/tmp/a.png"))
	r.Publish(events.FrameAdmitted(now, 2, "/tmp/b.png"))
	r.Publish(events.Purged(now, 2))
	r.Publish(events.FrameCount(now, 0))
	r.Publish(events.CaptureFailed(now, "/tmp/c.png", errors.New("boom")))
	r.Publish(events.StateChanged(now, "idle", "startup"))
	r.Publish(events.StateChanged(now, "authorized", "unlock"))
	r.Publish(events.CompileFinished(now, "id", "/tmp/t.mp4", 1, "ok", nil))
	r.Publish(events.CompileFinished(now, "id2", "", 0, "empty_input", errors.New("empty")))
	r.ObserveCompile(3 * time.Second)

	assert.Equal(t, float64(0), testutil.ToFloat64(r.frames))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.captures))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.captureFailures))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.purges))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.purgedFrames))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.state.WithLabelValues("authorized")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.state))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.compiles.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.compiles.WithLabelValues("empty_input")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.compileSkipped))
	assert.Equal(t, 1, testutil.CollectAndCount(r.compileDuration))
}

func TestNewRecorderToleratesReRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRecorder("sw", reg)
	require.NoError(t, err)
	_, err = NewRecorder("sw", reg)
	assert.NoError(t, err)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.Publish(events.Purged(time.Now(), 1))
	r.ObserveCompile(time.Second)
	r.SetFrames(3)
}
