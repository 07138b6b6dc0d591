// Package clipboard writes plain text to the system clipboard. Nothing in the
// editor reads it back.
package clipboard

import (
	"fmt"
	"strings"
	"sync"

	"github.com/atotto/clipboard"
)

type Writer interface {
	WriteText(text string) error
}

var systemWrite = clipboard.WriteAll

// System writes through the host clipboard (pbcopy, xclip, xsel or the
// Windows API, whichever the host has).
type System struct{}

func (System) WriteText(text string) error {
	if clipboard.Unsupported {
		return fmt.Errorf("write clipboard: no clipboard utility available")
	}
	if err := systemWrite(text); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	return nil
}

// Memory keeps the last text written. Servers without a desktop use it so the
// copy endpoint still records what was copied.
type Memory struct {
	mu   sync.Mutex
	last string
	n    int
}

func (m *Memory) WriteText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = text
	m.n++
	return nil
}

func (m *Memory) Last() (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.n
}

// PlainText collapses the blank runs left behind when markup is dropped.
func PlainText(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t ")
		if line == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
