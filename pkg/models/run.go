package models

import "time"

// Mode selects how many prompts each model receives.
type Mode string

const (
	ModeSingle  Mode = "single"
	ModeCompare Mode = "compare"
)

// Run is a finished test or comparison session.
type Run struct {
	ID         string        `json:"id"`
	Mode       Mode          `json:"mode"`
	Stream     bool          `json:"stream"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Results    []ModelResult `json:"results"`
	Summary    RunSummary    `json:"summary"`
}

// RunSummary aggregates terminal results. It is derived, never stored as source of truth.
type RunSummary struct {
	SuccessCount       int           `json:"success_count"`
	FailureCount       int           `json:"failure_count"`
	AvgDuration        time.Duration `json:"avg_duration"`
	AvgTokensPerSecond float64       `json:"avg_tokens_per_second,omitempty"`
	TotalInputTokens   int           `json:"total_input_tokens,omitempty"`
	TotalOutputTokens  int           `json:"total_output_tokens,omitempty"`
	TotalTokens        int           `json:"total_tokens,omitempty"`
	Slots              []SlotSummary `json:"slots,omitempty"`
}

// SlotSummary aggregates the results of one prompt in a comparison run.
type SlotSummary struct {
	Slot               Slot          `json:"slot"`
	SuccessCount       int           `json:"success_count"`
	FailureCount       int           `json:"failure_count"`
	AvgDuration        time.Duration `json:"avg_duration"`
	AvgTokensPerSecond float64       `json:"avg_tokens_per_second,omitempty"`
	TotalTokens        int           `json:"total_tokens,omitempty"`
}

// RunRecord is a persisted run header.
type RunRecord struct {
	ID                 string    `json:"id"`
	Mode               Mode      `json:"mode"`
	Stream             bool      `json:"stream"`
	StartedAt          time.Time `json:"started_at"`
	DurationMs         int64     `json:"duration_ms"`
	SuccessCount       int       `json:"success_count"`
	FailureCount       int       `json:"failure_count"`
	AvgDurationMs      int64     `json:"avg_duration_ms"`
	AvgTokensPerSecond float64   `json:"avg_tokens_per_second"`
	TotalTokens        int       `json:"total_tokens"`
}

// ModelAggregate summarizes one model across all persisted runs.
type ModelAggregate struct {
	Model              string  `json:"model"`
	Requests           int     `json:"requests"`
	Successes          int     `json:"successes"`
	Failures           int     `json:"failures"`
	AvgDurationMs      float64 `json:"avg_duration_ms"`
	AvgTokensPerSecond float64 `json:"avg_tokens_per_second"`
	TotalTokens        int     `json:"total_tokens"`
}
