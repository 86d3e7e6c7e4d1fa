package models

import "time"

// Status is the lifecycle state of a single unit of work.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether s may move to next.
// Allowed: pending->running, running->running, running->completed|failed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusRunning || next.Terminal()
	}
	return false
}

// Slot identifies which prompt of a comparison a result belongs to.
type Slot string

const (
	SlotNone Slot = ""
	SlotA    Slot = "A"
	SlotB    Slot = "B"
)

// ModelResult is the record owned by exactly one unit of work.
// Only the unit mutates it, and only through Apply, until it is terminal.
type ModelResult struct {
	Model           string        `json:"model"`
	Provider        string        `json:"provider,omitempty"`
	Slot            Slot          `json:"slot,omitempty"`
	Status          Status        `json:"status"`
	RunID           string        `json:"run_id,omitempty"`
	StartedAt       time.Time     `json:"started_at,omitzero"`
	Duration        time.Duration `json:"duration,omitempty"`
	InputTokens     int           `json:"input_tokens,omitempty"`
	OutputTokens    int           `json:"output_tokens,omitempty"`
	TotalTokens     int           `json:"total_tokens,omitempty"`
	TokensPerSecond float64       `json:"tokens_per_second,omitempty"`
	Error           string        `json:"error,omitempty"`
	Response        string        `json:"response,omitempty"`
	Cached          bool          `json:"cached,omitempty"`
}

// Label returns the model name, suffixed with the prompt slot in comparison runs.
func (r ModelResult) Label() string {
	if r.Slot == SlotNone {
		return r.Model
	}
	return r.Model + " [" + string(r.Slot) + "]"
}

// Patch is a partial update of a ModelResult. Nil fields are left untouched.
type Patch struct {
	Status          *Status
	Provider        *string
	StartedAt       *time.Time
	Duration        *time.Duration
	InputTokens     *int
	OutputTokens    *int
	TotalTokens     *int
	TokensPerSecond *float64
	Error           *string
	Response        *string
	Cached          *bool
}

// Apply merges p into r and returns the new record.
// Terminal records and illegal status transitions are returned unchanged.
func Apply(r ModelResult, p Patch) ModelResult {
	if r.Status.Terminal() {
		return r
	}
	if p.Status != nil {
		if !r.Status.CanTransition(*p.Status) {
			return r
		}
		r.Status = *p.Status
	}
	if p.Provider != nil {
		r.Provider = *p.Provider
	}
	if p.StartedAt != nil {
		r.StartedAt = *p.StartedAt
	}
	if p.Duration != nil {
		r.Duration = *p.Duration
	}
	if p.InputTokens != nil {
		r.InputTokens = *p.InputTokens
	}
	if p.OutputTokens != nil {
		r.OutputTokens = *p.OutputTokens
	}
	if p.TotalTokens != nil {
		r.TotalTokens = *p.TotalTokens
	}
	if p.TokensPerSecond != nil {
		r.TokensPerSecond = *p.TokensPerSecond
	}
	if p.Error != nil {
		r.Error = *p.Error
	}
	if p.Response != nil {
		r.Response = *p.Response
	}
	if p.Cached != nil {
		r.Cached = *p.Cached
	}
	return r
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// RunningPatch marks a unit as started.
func RunningPatch(startedAt time.Time) Patch {
	return Patch{
		Status:    Ptr(StatusRunning),
		StartedAt: Ptr(startedAt),
	}
}

// ProgressPatch carries running stream statistics.
func ProgressPatch(tokensPerSecond float64, totalTokens int) Patch {
	return Patch{
		TokensPerSecond: Ptr(tokensPerSecond),
		TotalTokens:     Ptr(totalTokens),
		OutputTokens:    Ptr(totalTokens),
	}
}

// FailedPatch marks a unit as failed.
func FailedPatch(err error, duration time.Duration) Patch {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Patch{
		Status:   Ptr(StatusFailed),
		Error:    Ptr(msg),
		Duration: Ptr(duration),
	}
}
