package events

import "time"

// Kind identifies the type of a pipeline event.
type Kind string

const (
	KindStateChanged    Kind = "state_changed"
	KindFrameCount      Kind = "frame_count"
	KindPurged          Kind = "purged"
	KindCaptureFailed   Kind = "capture_failed"
	KindCompileStarted  Kind = "compile_started"
	KindCompileProgress Kind = "compile_progress"
	KindCompileFinished Kind = "compile_finished"
)

// Event is the single envelope pushed to subscribers. Only the fields relevant
// to Kind are populated.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	State  string `json:"state,omitempty"`
	Reason string `json:"reason,omitempty"`

	Count  int    `json:"count"`
	Path   string `json:"path,omitempty"`
	Purged int    `json:"purged,omitempty"`

	CompileID string  `json:"compile_id,omitempty"`
	Completed int     `json:"completed,omitempty"`
	Total     int     `json:"total,omitempty"`
	Progress  float64 `json:"progress,omitempty"`
	Asset     string  `json:"asset,omitempty"`
	Skipped   int     `json:"skipped,omitempty"`
	ErrorKind string  `json:"error_kind,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Publisher receives pipeline events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function literal to the Publisher interface.
type PublisherFunc func(Event)

// Publish calls the underlying function.
func (f PublisherFunc) Publish(ev Event) {
	f(ev)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})

// OrDiscard returns p when non-nil, otherwise Discard.
func OrDiscard(p Publisher) Publisher {
	if p == nil {
		return Discard
	}
	return p
}

// StateChanged reports a lifecycle transition.
func StateChanged(at time.Time, state, reason string) Event {
	return Event{Kind: KindStateChanged, At: at, State: state, Reason: reason}
}

// FrameCount reports the number of frames currently on disk.
func FrameCount(at time.Time, count int) Event {
	return Event{Kind: KindFrameCount, At: at, Count: count}
}

// Purged reports a capacity purge that removed n frames.
func Purged(at time.Time, n int) Event {
	return Event{Kind: KindPurged, At: at, Purged: n}
}

// CaptureFailed reports a dropped capture attempt.
func CaptureFailed(at time.Time, path string, err error) Event {
	ev := Event{Kind: KindCaptureFailed, At: at, Path: path}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// FrameAdmitted is a FrameCount event that also names the frame just written.
func FrameAdmitted(at time.Time, count int, path string) Event {
	return Event{Kind: KindFrameCount, At: at, Count: count, Path: path}
}

// CompileStarted reports that a compile run accepted a snapshot of total frames.
func CompileStarted(at time.Time, id string, total int) Event {
	return Event{Kind: KindCompileStarted, At: at, CompileID: id, Total: total}
}

// CompileProgress reports completed/total after each frame.
func CompileProgress(at time.Time, id string, completed, total int) Event {
	ev := Event{Kind: KindCompileProgress, At: at, CompileID: id, Completed: completed, Total: total}
	if total > 0 {
		ev.Progress = float64(completed) / float64(total)
	}
	return ev
}

// CompileFinished reports the single terminal outcome of a compile run.
func CompileFinished(at time.Time, id, asset string, skipped int, errKind string, err error) Event {
	ev := Event{Kind: KindCompileFinished, At: at, CompileID: id, Asset: asset, Skipped: skipped, ErrorKind: errKind}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}
