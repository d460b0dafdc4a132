package video

import (
	"path/filepath"
	"time"

	"github.com/offlinefirst/screenwatch/pkg/framestore"
)

// LabelLayout is the overlay text format.
const LabelLayout = "2006-01-02 15:04:05"

// FrameTime picks the overlay time for a frame: the name-embedded timestamp,
// else the file modification time, else now.
func FrameTime(frame framestore.Frame, loc *time.Location, now func() time.Time) time.Time {
	if at, _, ok := framestore.ParseFileName(filepath.Base(frame.Path), loc); ok {
		return at
	}
	if !frame.ModTime.IsZero() {
		return frame.ModTime
	}
	if now == nil {
		now = time.Now
	}
	return now()
}

// Label renders the overlay text for a frame in loc.
func Label(frame framestore.Frame, loc *time.Location, now func() time.Time) string {
	if loc == nil {
		loc = time.Local
	}
	return FrameTime(frame, loc, now).In(loc).Format(LabelLayout)
}
