package lifecycle

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/offlinefirst/screenwatch/pkg/events"
	"github.com/offlinefirst/screenwatch/pkg/logging"
)

// State is the process-wide capture gate.
type State int32

const (
	// Idle means capture and retention are active.
	Idle State = iota
	// Authorized means a credential was accepted and capture is suspended.
	Authorized
	// ShuttingDown is terminal; nothing resumes from it.
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Authorized:
		return "authorized"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// ErrShuttingDown is returned by transitions requested after Shutdown.
var ErrShuttingDown = errors.New("lifecycle is shutting down")

// Verifier checks an unlock secret against the configured credential.
type Verifier interface {
	Verify(secret string) bool
}

// VerifierFunc adapts a function literal to the Verifier interface.
type VerifierFunc func(string) bool

// Verify calls the underlying function.
func (f VerifierFunc) Verify(secret string) bool {
	return f(secret)
}

// TimelineEntry records a state transition for diagnostics.
type TimelineEntry struct {
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Options configure a Controller.
type Options struct {
	Verifier  Verifier
	Clock     func() time.Time
	Publisher events.Publisher
	Logger    *slog.Logger
}

// Controller owns the lifecycle state machine. All methods are safe for
// concurrent use; Snapshot returns one consistent value per call.
type Controller struct {
	mu       sync.Mutex
	state    State
	timeline []TimelineEntry
	done     chan struct{}

	verifier  Verifier
	clock     func() time.Time
	publisher events.Publisher
	logger    *slog.Logger
}

// NewController constructs a controller in the Idle state.
func NewController(opts Options) (*Controller, error) {
	if opts.Verifier == nil {
		return nil, errors.New("verifier must be provided")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	c := &Controller{
		state:     Idle,
		done:      make(chan struct{}),
		verifier:  opts.Verifier,
		clock:     clock,
		publisher: events.OrDiscard(opts.Publisher),
		logger:    logging.Component(opts.Logger, "lifecycle"),
	}
	c.timeline = append(c.timeline, TimelineEntry{State: Idle.String(), Reason: "startup", Timestamp: clock().UTC()})
	return c, nil
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CaptureAllowed reports whether capture and retention may run right now.
func (c *Controller) CaptureAllowed() bool {
	return c.Snapshot() == Idle
}

// CompileAllowed reports whether a compile may be started.
func (c *Controller) CompileAllowed() bool {
	return c.Snapshot() != ShuttingDown
}

// Unlock suspends capture when secret matches the configured credential.
// A wrong secret leaves the state untouched and returns false.
func (c *Controller) Unlock(secret string) (bool, error) {
	c.mu.Lock()
	if c.state == ShuttingDown {
		c.mu.Unlock()
		return false, ErrShuttingDown
	}
	c.mu.Unlock()

	if !c.verifier.Verify(secret) {
		c.logger.Warn("unlock rejected")
		return false, nil
	}

	c.mu.Lock()
	switch c.state {
	case ShuttingDown:
		c.mu.Unlock()
		return false, ErrShuttingDown
	case Authorized:
		c.mu.Unlock()
		return true, nil
	}
	entry := c.transitionLocked(Authorized, "unlock")
	c.mu.Unlock()

	c.announce(entry)
	return true, nil
}

// Relock resumes capture after an Unlock. Relocking while Idle is a no-op.
func (c *Controller) Relock() error {
	c.mu.Lock()
	switch c.state {
	case ShuttingDown:
		c.mu.Unlock()
		return ErrShuttingDown
	case Idle:
		c.mu.Unlock()
		return nil
	}
	entry := c.transitionLocked(Idle, "relock")
	c.mu.Unlock()

	c.announce(entry)
	return nil
}

// Shutdown moves to the terminal state. It reports true for the call that
// performed the transition and false for every later call.
func (c *Controller) Shutdown(reason string) bool {
	if reason == "" {
		reason = "shutdown"
	}
	c.mu.Lock()
	if c.state == ShuttingDown {
		c.mu.Unlock()
		return false
	}
	entry := c.transitionLocked(ShuttingDown, reason)
	close(c.done)
	c.mu.Unlock()

	c.announce(entry)
	return true
}

// Done is closed once Shutdown has been called.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Timeline returns a copy of every recorded transition.
func (c *Controller) Timeline() []TimelineEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TimelineEntry(nil), c.timeline...)
}

func (c *Controller) transitionLocked(next State, reason string) TimelineEntry {
	c.state = next
	entry := TimelineEntry{State: next.String(), Reason: reason, Timestamp: c.clock().UTC()}
	c.timeline = append(c.timeline, entry)
	return entry
}

func (c *Controller) announce(entry TimelineEntry) {
	c.logger.Info("lifecycle transition", "state", entry.State, "reason", entry.Reason)
	c.publisher.Publish(events.StateChanged(entry.Timestamp, entry.State, entry.Reason))
}
