package editor

import (
	"errors"
	"sync"

	"tenderdesk/api/internal/outline"
)

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
)

type UndoSnapshot struct {
	SectionIndex int
	Section      outline.Section
}

// Slots is the outline access the rewrite history needs.
type Slots interface {
	Section(index int) (outline.Section, bool)
	ReplaceSection(index int, section outline.Section) error
}

// RewriteHistory keeps exactly one undo and one redo snapshot for whole
// section rewrites. Capturing overwrites the undo slot; it is not a stack.
type RewriteHistory struct {
	mu   sync.Mutex
	undo *UndoSnapshot
	redo *UndoSnapshot
}

func NewRewriteHistory() *RewriteHistory {
	return &RewriteHistory{}
}

// Capture stores the value a rewrite is about to replace.
func (h *RewriteHistory) Capture(index int, prior outline.Section) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.undo = &UndoSnapshot{SectionIndex: index, Section: prior.Clone()}
	h.redo = nil
}

func (h *RewriteHistory) Undo(slots Slots) (UndoSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.undo == nil {
		return UndoSnapshot{}, ErrNothingToUndo
	}
	swapped, err := swap(slots, *h.undo)
	if err != nil {
		return UndoSnapshot{}, err
	}
	restored := *h.undo
	h.redo = &swapped
	h.undo = nil
	return restored, nil
}

func (h *RewriteHistory) Redo(slots Slots) (UndoSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.redo == nil {
		return UndoSnapshot{}, ErrNothingToRedo
	}
	swapped, err := swap(slots, *h.redo)
	if err != nil {
		return UndoSnapshot{}, err
	}
	restored := *h.redo
	h.undo = &swapped
	h.redo = nil
	return restored, nil
}

func (h *RewriteHistory) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.undo != nil
}

func (h *RewriteHistory) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.redo != nil
}

// swap writes snap back into the outline and returns what it displaced.
func swap(slots Slots, snap UndoSnapshot) (UndoSnapshot, error) {
	current, ok := slots.Section(snap.SectionIndex)
	if !ok {
		return UndoSnapshot{}, outline.ErrSectionNotFound
	}
	if err := slots.ReplaceSection(snap.SectionIndex, snap.Section); err != nil {
		return UndoSnapshot{}, err
	}
	return UndoSnapshot{SectionIndex: snap.SectionIndex, Section: current}, nil
}
