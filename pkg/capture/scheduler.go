package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/offlinefirst/screenwatch/pkg/events"
	"github.com/offlinefirst/screenwatch/pkg/framestore"
	"github.com/offlinefirst/screenwatch/pkg/lifecycle"
	"github.com/offlinefirst/screenwatch/pkg/logging"
)

// Gate exposes the lifecycle state read once per tick.
type Gate interface {
	Snapshot() lifecycle.State
}

// Admitter writes one frame while enforcing retention.
type Admitter interface {
	Admit(ctx context.Context) (framestore.AdmitResult, error)
}

// Ticker is the subset of time.Ticker the scheduler relies on.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func defaultTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// Options configure the scheduler.
type Options struct {
	Interval  time.Duration
	Gate      Gate
	Store     Admitter
	NewTicker func(time.Duration) Ticker
	Clock     func() time.Time
	Publisher events.Publisher
	Logger    *slog.Logger
}

// Stats summarises scheduler activity since construction.
type Stats struct {
	Ticks      uint64 `json:"ticks"`
	Skipped    uint64 `json:"skipped"`
	Dispatched uint64 `json:"dispatched"`
	Admitted   uint64 `json:"admitted"`
	Failed     uint64 `json:"failed"`
	Purged     uint64 `json:"purged"`
}

// Scheduler fires capture ticks at a fixed interval. Each permitted tick runs
// its capture on a separate goroutine so slow captures never delay the next tick.
type Scheduler struct {
	interval  time.Duration
	gate      Gate
	store     Admitter
	newTicker func(time.Duration) Ticker
	clock     func() time.Time
	publisher events.Publisher
	logger    *slog.Logger

	inflight sync.WaitGroup

	ticks      atomic.Uint64
	skipped    atomic.Uint64
	dispatched atomic.Uint64
	admitted   atomic.Uint64
	failed     atomic.Uint64
	purged     atomic.Uint64
}

// NewScheduler validates options and returns a scheduler instance.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	if opts.Gate == nil {
		return nil, errors.New("lifecycle gate must be provided")
	}
	if opts.Store == nil {
		return nil, errors.New("frame store must be provided")
	}
	newTicker := opts.NewTicker
	if newTicker == nil {
		newTicker = defaultTicker
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		interval:  opts.Interval,
		gate:      opts.Gate,
		store:     opts.Store,
		newTicker: newTicker,
		clock:     clock,
		publisher: events.OrDiscard(opts.Publisher),
		logger:    logging.Component(opts.Logger, "scheduler"),
	}, nil
}

// Run ticks once immediately and then every interval until ctx is cancelled.
// It waits for in-flight captures before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.newTicker(s.interval)
	defer ticker.Stop()
	defer s.inflight.Wait()

	s.logger.Info("capture scheduler started", "interval", s.interval.String())
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("capture scheduler stopped", "ticks", s.ticks.Load(), "admitted", s.admitted.Load(), "failed", s.failed.Load())
			return ctx.Err()
		case <-ticker.C():
			s.Tick(ctx)
		}
	}
}

// Tick evaluates one tick and reports whether a capture was dispatched.
func (s *Scheduler) Tick(ctx context.Context) bool {
	s.ticks.Add(1)
	if state := s.gate.Snapshot(); state != lifecycle.Idle {
		s.skipped.Add(1)
		s.logger.Debug("tick skipped", "state", state.String())
		return false
	}
	if ctx.Err() != nil {
		s.skipped.Add(1)
		return false
	}
	s.dispatched.Add(1)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.capture(ctx)
	}()
	return true
}

// Wait blocks until every dispatched capture has finished.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

func (s *Scheduler) capture(ctx context.Context) {
	res, err := s.store.Admit(ctx)
	if res.Purged > 0 {
		s.purged.Add(1)
	}
	if err != nil {
		s.failed.Add(1)
		path := ""
		var tio *framestore.TransientIOError
		if errors.As(err, &tio) {
			path = tio.Path
		}
		s.logger.Warn("capture failed", "error", err)
		s.publisher.Publish(events.CaptureFailed(s.clock(), path, err))
		return
	}
	s.admitted.Add(1)
}

// Stats returns a point-in-time copy of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:      s.ticks.Load(),
		Skipped:    s.skipped.Load(),
		Dispatched: s.dispatched.Load(),
		Admitted:   s.admitted.Load(),
		Failed:     s.failed.Load(),
		Purged:     s.purged.Load(),
	}
}
