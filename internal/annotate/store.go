package annotate

import (
	"sort"
	"strings"
	"sync"
	"time"

	"tenderdesk/api/internal/richtext"
)

type State int

const (
	StatePending State = iota
	StateActive
	StateResolved
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateResolved:
		return "resolved"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == StateResolved || s == StateCancelled
}

const pendingPrefix = "pending-"

// Marker is one annotated region. Key is stable for the marker's whole life;
// the public id changes from pending-<key> to <kind>-<key> on promotion.
type Marker struct {
	Key          string
	Kind         Kind
	State        State
	Range        richtext.Range
	OriginalText string
	Instructions string
	Feedback     string
	Reasoning    string
	Highlighted  bool
	CreatedAt    time.Time
}

func (m Marker) ID() string {
	if m.State == StatePending {
		return pendingPrefix + m.Key
	}
	return string(m.Kind) + "-" + m.Key
}

// KeyFromID strips the pending or kind prefix from a marker id.
func KeyFromID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if key, ok := strings.CutPrefix(id, pendingPrefix); ok && key != "" {
		return key, true
	}
	for kind := range kinds {
		if key, ok := strings.CutPrefix(id, string(kind)+"-"); ok && key != "" {
			return key, true
		}
	}
	return "", false
}

// Store maps marker keys to markers. Rendering reads it; nothing else is the
// source of truth for which regions are marked.
type Store interface {
	Put(m Marker)
	Get(key string) (Marker, bool)
	Delete(key string)
	List() []Marker
}

type MemoryStore struct {
	mu      sync.RWMutex
	markers map[string]Marker
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{markers: make(map[string]Marker)}
}

func (s *MemoryStore) Put(m Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[m.Key] = m
}

func (s *MemoryStore) Get(key string) (Marker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[key]
	return m, ok
}

func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, key)
}

// List returns markers in render order: by start, outer spans first.
func (s *MemoryStore) List() []Marker {
	s.mu.RLock()
	out := make([]Marker, 0, len(s.markers))
	for _, m := range s.markers {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sortMarkers(out)
	return out
}

func sortMarkers(markers []Marker) {
	sort.SliceStable(markers, func(i, j int) bool {
		a, b := markers[i], markers[j]
		if a.Range.Start != b.Range.Start {
			return a.Range.Start < b.Range.Start
		}
		if a.Range.End != b.Range.End {
			return a.Range.End > b.Range.End
		}
		return a.Key < b.Key
	})
}
