package editor

import (
	"sync"
	"time"
)

// DefaultSyncInterval is the quiet period before edits are written upward.
const DefaultSyncInterval = 300 * time.Millisecond

// Syncer coalesces bursts of edits into one write. Every Touch restarts the
// quiet window; when it elapses the current content from source is handed to
// write. After Close nothing fires.
type Syncer struct {
	mu       sync.Mutex
	interval time.Duration
	source   func() string
	write    func(string)
	timer    *time.Timer
	gen      uint64
	pending  bool
	closed   bool
}

func NewSyncer(interval time.Duration, source func() string, write func(string)) *Syncer {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Syncer{interval: interval, source: source, write: write}
}

func (s *Syncer) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.pending = true
	s.timer = time.AfterFunc(s.interval, func() { s.fire(gen) })
}

func (s *Syncer) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen || !s.pending {
		s.mu.Unlock()
		return
	}
	s.pending = false
	s.mu.Unlock()
	s.write(s.source())
}

// Flush writes immediately if an edit is waiting. It reports whether a write
// happened.
func (s *Syncer) Flush() bool {
	s.mu.Lock()
	if s.closed || !s.pending {
		s.mu.Unlock()
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	s.pending = false
	s.mu.Unlock()
	s.write(s.source())
	return true
}

func (s *Syncer) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Close cancels any scheduled write.
func (s *Syncer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = false
	if s.timer != nil {
		s.timer.Stop()
	}
}
