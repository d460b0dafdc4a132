package framestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/offlinefirst/screenwatch/pkg/events"
	"github.com/offlinefirst/screenwatch/pkg/logging"
	"github.com/offlinefirst/screenwatch/pkg/screenshots"
)

// DefaultCapacity is the frame count that triggers a purge.
const DefaultCapacity = 1024

// Frame is one captured screenshot on disk.
type Frame struct {
	Sequence   int
	CapturedAt time.Time
	Path       string
	ModTime    time.Time
}

// Options configure a Store.
type Options struct {
	Dir       string
	Capacity  int
	AssetName string
	Capturer  screenshots.Capturer
	// Reset wipes every frame and the asset when the store opens.
	Reset     bool
	Clock     func() time.Time
	Location  *time.Location
	Publisher events.Publisher
	Logger    *slog.Logger
}

// AdmitResult describes the outcome of one Admit call.
type AdmitResult struct {
	Frame  Frame
	Purged int
	Count  int
}

// Store owns the frame directory. The set of frames is always re-derived from
// disk; only the sequence counter lives in memory.
type Store struct {
	dir       string
	capacity  int
	assetPath string
	capturer  screenshots.Capturer
	clock     func() time.Time
	loc       *time.Location
	publisher events.Publisher
	logger    *slog.Logger
	remove    func(string) error

	mu     sync.Mutex
	seq    int
	purges int
	// inflight holds frame paths whose capture has not returned yet.
	inflight map[string]struct{}
}

// Open prepares the frame directory and seeds the sequence counter.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("frame directory must be provided")
	}
	if opts.Capturer == nil {
		return nil, errors.New("capturer must be provided")
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create frame directory: %w", err)
	}

	s := &Store{
		dir:       opts.Dir,
		capacity:  capacity,
		capturer:  opts.Capturer,
		clock:     clock,
		loc:       loc,
		publisher: events.OrDiscard(opts.Publisher),
		logger:    logging.Component(opts.Logger, "framestore"),
		remove:    os.Remove,
		inflight:  make(map[string]struct{}),
	}
	if opts.AssetName != "" {
		s.assetPath = filepath.Join(opts.Dir, opts.AssetName)
	}

	frames, err := s.Scan()
	if err != nil {
		return nil, err
	}
	if opts.Reset {
		removed := s.removeAll(frames)
		s.logger.Info("frame directory reset", "removed", removed)
		return s, nil
	}
	for _, f := range frames {
		if f.Sequence > s.seq {
			s.seq = f.Sequence
		}
	}
	s.logger.Info("frame directory opened", "frames", len(frames), "sequence", s.seq)
	return s, nil
}

// Dir returns the frame directory.
func (s *Store) Dir() string { return s.dir }

// Capacity returns the purge threshold.
func (s *Store) Capacity() int { return s.capacity }

// AssetPath returns the compiled video path deleted alongside a purge.
func (s *Store) AssetPath() string { return s.assetPath }

// Sequence returns the last sequence number handed out.
func (s *Store) Sequence() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Purges reports how many capacity purges ran since Open.
func (s *Store) Purges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purges
}

// Scan lists every frame currently on disk, unordered.
func (s *Store) Scan() ([]Frame, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, transient("scan", s.dir, err)
	}
	frames := make([]Frame, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !IsFrameName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Deleted between ReadDir and Info.
			continue
		}
		frame := Frame{Path: filepath.Join(s.dir, entry.Name()), ModTime: info.ModTime()}
		if at, seq, ok := ParseFileName(entry.Name(), s.loc); ok {
			frame.CapturedAt = at
			frame.Sequence = seq
		} else {
			frame.CapturedAt = info.ModTime()
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// Snapshot returns the frames on disk in presentation order.
func (s *Store) Snapshot() ([]Frame, error) {
	frames, err := s.Scan()
	if err != nil {
		return nil, err
	}
	Order(frames)
	return frames, nil
}

// Count returns the number of frames on disk.
func (s *Store) Count() (int, error) {
	frames, err := s.Scan()
	if err != nil {
		return 0, err
	}
	return len(frames), nil
}

// Admit enforces capacity and then writes one new frame through the capturer.
// Captures still in flight count toward capacity, so overlapping admits cannot
// push the directory past it. A failed capture consumes its sequence number
// and returns a TransientIOError.
func (s *Store) Admit(ctx context.Context) (AdmitResult, error) {
	var res AdmitResult

	s.mu.Lock()
	frames, err := s.Scan()
	if err != nil {
		s.mu.Unlock()
		return res, err
	}
	frames = s.settledLocked(frames)
	if len(frames)+len(s.inflight) >= s.capacity {
		res.Purged = s.purgeLocked(frames)
	}
	s.seq++
	now := s.clock().In(s.loc)
	frame := Frame{
		Sequence:   s.seq,
		CapturedAt: now.Truncate(time.Second),
		Path:       filepath.Join(s.dir, FileName(now, s.seq)),
	}
	s.inflight[frame.Path] = struct{}{}
	s.mu.Unlock()

	err = s.capturer.Capture(ctx, frame.Path)

	s.mu.Lock()
	delete(s.inflight, frame.Path)
	s.mu.Unlock()

	if err != nil {
		_ = os.Remove(frame.Path)
		return res, transient("capture", frame.Path, err)
	}
	if info, err := os.Stat(frame.Path); err == nil {
		frame.ModTime = info.ModTime()
	}
	res.Frame = frame

	count, err := s.Count()
	if err != nil {
		return res, err
	}
	res.Count = count
	s.publisher.Publish(events.FrameAdmitted(s.clock(), count, frame.Path))
	s.logger.Debug("frame admitted", "path", frame.Path, "sequence", frame.Sequence, "count", count)
	return res, nil
}

// settledLocked drops frames whose capture is still writing.
func (s *Store) settledLocked(frames []Frame) []Frame {
	if len(s.inflight) == 0 {
		return frames
	}
	out := frames[:0]
	for _, f := range frames {
		if _, busy := s.inflight[f.Path]; !busy {
			out = append(out, f)
		}
	}
	return out
}

// Purge deletes every frame and the compiled asset and resets the sequence.
func (s *Store) Purge() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames, err := s.Scan()
	if err != nil {
		return 0, err
	}
	return s.purgeLocked(s.settledLocked(frames)), nil
}

func (s *Store) purgeLocked(frames []Frame) int {
	removed := s.removeAll(frames)
	s.purges++
	now := s.clock()
	s.logger.Info("capacity reached, frames purged", "capacity", s.capacity, "removed", removed, "found", len(frames))
	s.publisher.Publish(events.Purged(now, removed))
	s.publisher.Publish(events.FrameCount(now, len(frames)-removed))
	return removed
}

// removeAll deletes frames and the asset best-effort and resets the sequence.
func (s *Store) removeAll(frames []Frame) int {
	removed := 0
	for _, f := range frames {
		if err := s.remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove frame", "path", f.Path, "error", err)
			continue
		}
		removed++
	}
	if s.assetPath != "" {
		if err := s.remove(s.assetPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove compiled asset", "path", s.assetPath, "error", err)
		}
	}
	s.seq = 0
	return removed
}

// Order sorts frames by capture time, then embedded sequence, then
// modification time.
func Order(frames []Frame) {
	sort.SliceStable(frames, func(i, j int) bool {
		a, b := frames[i], frames[j]
		if !a.CapturedAt.Equal(b.CapturedAt) {
			return a.CapturedAt.Before(b.CapturedAt)
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		if !a.ModTime.Equal(b.ModTime) {
			return a.ModTime.Before(b.ModTime)
		}
		return a.Path < b.Path
	})
}
