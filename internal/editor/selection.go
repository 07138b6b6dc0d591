package editor

import (
	"strings"
	"sync"

	"tenderdesk/api/internal/richtext"
)

// MenuHeight is the fixed height of the floating selection menu.
const MenuHeight = 215.0

type Rect struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Selection struct {
	Range     richtext.Range `json:"range"`
	Text      string         `json:"text"`
	Bounds    Rect           `json:"bounds"`
	Container Rect           `json:"container"`
}

type MenuPosition struct {
	Visible bool    `json:"visible"`
	Top     float64 `json:"top"`
	Left    float64 `json:"left"`
}

// SelectionTracker keeps the last non-empty selection and where the floating
// menu should sit relative to the editor container.
type SelectionTracker struct {
	mu   sync.Mutex
	sel  *Selection
	menu MenuPosition
}

func NewSelectionTracker() *SelectionTracker {
	return &SelectionTracker{}
}

func (t *SelectionTracker) Update(sel Selection) MenuPosition {
	t.mu.Lock()
	defer t.mu.Unlock()
	if strings.TrimSpace(sel.Text) == "" || sel.Range.Collapsed() {
		t.sel = nil
		t.menu = MenuPosition{}
		return t.menu
	}
	stored := sel
	t.sel = &stored
	t.menu = MenuPosition{
		Visible: true,
		Top:     sel.Bounds.Top - sel.Container.Top + sel.Bounds.Height/2 - MenuHeight/2,
		Left:    sel.Bounds.Left - sel.Container.Left,
	}
	return t.menu
}

// Current returns a copy of the stored selection.
func (t *SelectionTracker) Current() (Selection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sel == nil {
		return Selection{}, false
	}
	return *t.sel, true
}

func (t *SelectionTracker) Menu() MenuPosition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.menu
}

func (t *SelectionTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sel = nil
	t.menu = MenuPosition{}
}
