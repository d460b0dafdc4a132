// Package buildinfo reports the screenwatch build stamp.
package buildinfo

import (
	"runtime/debug"
	"strings"
)

const develVersion = "dev"

// Set with -ldflags "-X github.com/offlinefirst/screenwatch/internal/buildinfo.version=v1.2.3".
var version = develVersion

var readBuildInfo = debug.ReadBuildInfo

// Version returns the stamped release, the module version, or dev with the
// short VCS revision when built from a checkout.
func Version() string {
	if version != develVersion {
		return version
	}
	info, ok := readBuildInfo()
	if !ok {
		return develVersion
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	rev, dirty := "", false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return develVersion
	}
	if len(rev) > 7 {
		rev = rev[:7]
	}
	var b strings.Builder
	b.WriteString(develVersion + "+" + rev)
	if dirty {
		b.WriteString(".dirty")
	}
	return b.String()
}
