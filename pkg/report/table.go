package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pario-ai/llmrace/pkg/models"
)

const (
	timeFormat   = "2006-01-02 15:04:05"
	previewWidth = 60
)

// FormatDuration renders d in milliseconds below a second and seconds above.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// PrintRun prints the per-result table followed by the summary.
func PrintRun(w io.Writer, run *models.Run) error {
	t := newTable(w)
	if run.Stream {
		fmt.Fprintln(t, "MODEL\tPROVIDER\tSTATUS\tDURATION\tTOKENS\tTOK/S\tRESPONSE")
	} else {
		fmt.Fprintln(t, "MODEL\tPROVIDER\tSTATUS\tDURATION\tINPUT\tOUTPUT\tTOTAL\tRESPONSE")
	}
	for _, r := range run.Results {
		detail := preview(r.Response)
		if r.Status == models.StatusFailed {
			detail = preview(r.Error)
		}
		status := string(r.Status)
		if r.Cached {
			status += " (cached)"
		}
		if run.Stream {
			fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%d\t%.1f\t%s\n",
				r.Label(), dash(r.Provider), status, FormatDuration(r.Duration), r.TotalTokens, r.TokensPerSecond, detail)
			continue
		}
		fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.Label(), dash(r.Provider), status, FormatDuration(r.Duration), r.InputTokens, r.OutputTokens, r.TotalTokens, detail)
	}
	if err := t.Flush(); err != nil {
		return err
	}

	s := run.Summary
	fmt.Fprintf(w, "\nRun %s (%s, %s)\n", run.ID, run.Mode, modeLabel(run.Stream))
	fmt.Fprintf(w, "  Succeeded:    %d\n", s.SuccessCount)
	fmt.Fprintf(w, "  Failed:       %d\n", s.FailureCount)
	fmt.Fprintf(w, "  Avg duration: %s\n", FormatDuration(s.AvgDuration))
	if run.Stream {
		fmt.Fprintf(w, "  Avg tok/s:    %.1f\n", s.AvgTokensPerSecond)
	} else {
		fmt.Fprintf(w, "  Tokens:       %d in / %d out / %d total\n", s.TotalInputTokens, s.TotalOutputTokens, s.TotalTokens)
	}
	if len(s.Slots) == 0 {
		return nil
	}

	t = newTable(w)
	fmt.Fprintln(w)
	fmt.Fprintln(t, "PROMPT\tOK\tFAILED\tAVG DURATION\tAVG TOK/S\tTOKENS")
	for _, ss := range s.Slots {
		fmt.Fprintf(t, "%s\t%d\t%d\t%s\t%.1f\t%d\n",
			ss.Slot, ss.SuccessCount, ss.FailureCount, FormatDuration(ss.AvgDuration), ss.AvgTokensPerSecond, ss.TotalTokens)
	}
	return t.Flush()
}

// PrintResponses prints the full response of every completed result.
func PrintResponses(w io.Writer, run *models.Run) {
	for _, r := range run.Results {
		if r.Status != models.StatusCompleted {
			continue
		}
		fmt.Fprintf(w, "\n=== %s ===\n%s\n", r.Label(), strings.TrimSpace(r.Response))
	}
}

// PrintRunRecords prints persisted run headers.
func PrintRunRecords(w io.Writer, runs []models.RunRecord) error {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	t := newTable(w)
	fmt.Fprintln(t, "RUN ID\tSTARTED\tMODE\tSTREAM\tOK\tFAILED\tAVG MS\tAVG TOK/S\tTOKENS")
	for _, r := range runs {
		fmt.Fprintf(t, "%s\t%s\t%s\t%t\t%d\t%d\t%d\t%.1f\t%d\n",
			r.ID, r.StartedAt.Local().Format(timeFormat), r.Mode, r.Stream,
			r.SuccessCount, r.FailureCount, r.AvgDurationMs, r.AvgTokensPerSecond, r.TotalTokens)
	}
	return t.Flush()
}

// PrintModelAggregates prints per-model history.
func PrintModelAggregates(w io.Writer, rows []models.ModelAggregate) error {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No results recorded.")
		return nil
	}
	t := newTable(w)
	fmt.Fprintln(t, "MODEL\tREQUESTS\tOK\tFAILED\tAVG MS\tAVG TOK/S\tTOKENS")
	for _, r := range rows {
		fmt.Fprintf(t, "%s\t%d\t%d\t%d\t%.0f\t%.1f\t%d\n",
			r.Model, r.Requests, r.Successes, r.Failures, r.AvgDurationMs, r.AvgTokensPerSecond, r.TotalTokens)
	}
	return t.Flush()
}

// FormatPoolStats formats pool stats as text.
func FormatPoolStats(stats models.PoolStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Connection Pool\n"+
		"  Connections: %d/%d\n"+
		"  Total usage: %d\n",
		stats.TotalConnections, stats.MaxPoolSize, stats.TotalUsage)
	for _, c := range stats.Connections {
		fmt.Fprintf(&b, "  %-16s %6d uses  last %s\n", c.Key, c.Usage, c.LastUsed.Local().Format(timeFormat))
	}
	return b.String()
}

// FormatCacheStats formats cache stats as text.
func FormatCacheStats(stats models.CacheStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cache Statistics\n"+
		"  Entries:  %d (%d valid, %d expired)\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n"+
		"  Avg Age:  %s\n"+
		"  Memory:   ~%d bytes\n",
		stats.TotalEntries, stats.ValidEntries, stats.ExpiredEntries,
		stats.Hits, stats.Misses, stats.HitRate*100,
		stats.AverageAge.Round(time.Millisecond), stats.MemoryUsageEstimate)
	for _, k := range stats.TopKeys {
		key := k.Key
		if len(key) > 16 {
			key = key[:16]
		}
		fmt.Fprintf(&b, "  %-16s %6d accesses\n", key, k.AccessCount)
	}
	return b.String()
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > previewWidth {
		return string(r[:previewWidth-3]) + "..."
	}
	return s
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func modeLabel(stream bool) string {
	if stream {
		return "streaming"
	}
	return "synchronous"
}
