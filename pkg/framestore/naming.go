package framestore

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// FilePrefix starts every frame file name.
	FilePrefix = "screenshot_"
	// FileExt ends every frame file name.
	FileExt = ".png"

	// TimestampLayout is the wall-clock portion of a frame name, in local time.
	TimestampLayout = "2006-01-02_15-04-05"
)

var frameNamePattern = regexp.MustCompile(`^screenshot_(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})_(\d+)\.png$`)

// FileName renders screenshot_<YYYY-MM-DD>_<HH-mm-ss>_<seq4>.png.
func FileName(at time.Time, seq int) string {
	return fmt.Sprintf("%s%s_%04d%s", FilePrefix, at.Format(TimestampLayout), seq, FileExt)
}

// ParseFileName extracts the capture time and sequence from a frame name.
// The timestamp is interpreted in loc (time.Local when nil).
func ParseFileName(name string, loc *time.Location) (time.Time, int, bool) {
	m := frameNamePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, 0, false
	}
	if loc == nil {
		loc = time.Local
	}
	at, err := time.ParseInLocation(TimestampLayout, m[1], loc)
	if err != nil {
		return time.Time{}, 0, false
	}
	seq, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, 0, false
	}
	return at, seq, true
}

// IsFrameName reports whether name belongs to the frame set. Hidden temp
// files written by capturers are excluded.
func IsFrameName(name string) bool {
	if len(name) <= len(FilePrefix)+len(FileExt) {
		return false
	}
	return strings.HasPrefix(name, FilePrefix) && strings.EqualFold(name[len(name)-len(FileExt):], FileExt)
}
