package orchestrator

import (
	"time"

	"github.com/pario-ai/llmrace/pkg/models"
)

// Summarize aggregates terminal results. Streaming runs report average
// throughput; synchronous runs report token totals. Comparison results are
// also broken down per prompt slot.
func Summarize(results []models.ModelResult, stream bool) models.RunSummary {
	t := tallyOf(results, stream)
	s := models.RunSummary{
		SuccessCount:       t.ok,
		FailureCount:       t.failed,
		AvgDuration:        t.avgDuration,
		AvgTokensPerSecond: t.avgTPS,
	}
	if !stream {
		s.TotalInputTokens = t.input
		s.TotalOutputTokens = t.output
		s.TotalTokens = t.total
	}

	for _, slot := range []models.Slot{models.SlotA, models.SlotB} {
		var in []models.ModelResult
		for _, r := range results {
			if r.Slot == slot {
				in = append(in, r)
			}
		}
		if len(in) == 0 {
			continue
		}
		st := tallyOf(in, stream)
		s.Slots = append(s.Slots, models.SlotSummary{
			Slot:               slot,
			SuccessCount:       st.ok,
			FailureCount:       st.failed,
			AvgDuration:        st.avgDuration,
			AvgTokensPerSecond: st.avgTPS,
			TotalTokens:        st.total,
		})
	}
	return s
}

type tally struct {
	ok, failed           int
	avgDuration          time.Duration
	avgTPS               float64
	input, output, total int
}

// tallyOf counts terminal results. Averages and totals cover completed ones only.
func tallyOf(results []models.ModelResult, stream bool) tally {
	var t tally
	var dur time.Duration
	var tps float64
	for _, r := range results {
		switch r.Status {
		case models.StatusCompleted:
			t.ok++
			dur += r.Duration
			tps += r.TokensPerSecond
			t.input += r.InputTokens
			t.output += r.OutputTokens
			t.total += r.TotalTokens
		case models.StatusFailed:
			t.failed++
		}
	}
	if t.ok > 0 {
		t.avgDuration = dur / time.Duration(t.ok)
		if stream {
			t.avgTPS = tps / float64(t.ok)
		}
	}
	return t
}
