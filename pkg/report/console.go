// Package report renders run progress and results for the terminal.
package report

import (
	"fmt"
	"io"
	"sync"

	"github.com/pario-ai/llmrace/pkg/models"
)

// Console prints one line per status transition of each result.
// It is safe for concurrent use.
type Console struct {
	mu   sync.Mutex
	w    io.Writer
	last map[string]models.Status
}

// NewConsole creates a Console writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w, last: make(map[string]models.Status)}
}

// Update implements orchestrator.Reporter. Progress updates that do not
// change the status are not printed.
func (c *Console) Update(r models.ModelResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	label := r.Label()
	if prev, ok := c.last[label]; ok && prev == r.Status {
		return
	}
	c.last[label] = r.Status

	switch r.Status {
	case models.StatusPending:
		return
	case models.StatusRunning:
		fmt.Fprintf(c.w, "%-32s running\n", label)
	case models.StatusCompleted:
		suffix := ""
		if r.Cached {
			suffix = " (cached)"
		}
		if r.TokensPerSecond > 0 {
			fmt.Fprintf(c.w, "%-32s completed in %s, %d tokens, %.1f tok/s%s\n",
				label, FormatDuration(r.Duration), r.TotalTokens, r.TokensPerSecond, suffix)
			return
		}
		fmt.Fprintf(c.w, "%-32s completed in %s, %d tokens%s\n",
			label, FormatDuration(r.Duration), r.TotalTokens, suffix)
	case models.StatusFailed:
		fmt.Fprintf(c.w, "%-32s failed after %s: %s\n", label, FormatDuration(r.Duration), r.Error)
	}
}
