// Package orchestrator fans a prompt out to many models at once and collects
// one result per (model, prompt) pair.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"

	"github.com/pario-ai/llmrace/pkg/cache"
	"github.com/pario-ai/llmrace/pkg/client"
	"github.com/pario-ai/llmrace/pkg/config"
	"github.com/pario-ai/llmrace/pkg/metrics"
	"github.com/pario-ai/llmrace/pkg/models"
	"github.com/pario-ai/llmrace/pkg/pool"
	"github.com/pario-ai/llmrace/pkg/router"
	"github.com/pario-ai/llmrace/pkg/sse"
)

var logger = xlog.NewPackageLogger("github.com/pario-ai/llmrace", "orchestrator")

var (
	// ErrNoModels is returned for a request without models.
	ErrNoModels = errors.New("at least one model is required")
	// ErrMissingPromptB is returned for a comparison without a second prompt.
	ErrMissingPromptB = errors.New("compare mode requires a second prompt")
)

// Resolver maps a requested model to a provider route.
type Resolver interface {
	Resolve(model string) (router.Route, error)
}

// Reporter receives every state a result passes through.
// Update is called concurrently from unit goroutines.
type Reporter interface {
	Update(r models.ModelResult)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(models.ModelResult)

// Update calls f(r).
func (f ReporterFunc) Update(r models.ModelResult) { f(r) }

// Request describes a run.
type Request struct {
	Models       []string
	Prompt       string
	PromptB      string
	Mode         models.Mode
	Stream       bool
	Params       models.CompletionParams
	SystemPrompt string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator runs units concurrently against a Session.
type Orchestrator struct {
	session  *Session
	resolver Resolver
	reporter Reporter
	now      func() time.Time
}

// New creates an Orchestrator. A nil reporter discards updates.
func New(session *Session, resolver Resolver, reporter Reporter, opts ...Option) *Orchestrator {
	if reporter == nil {
		reporter = ReporterFunc(func(models.ModelResult) {})
	}
	o := &Orchestrator{
		session:  session,
		resolver: resolver,
		reporter: reporter,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// unit is one (model, prompt) request. Its result is written only by the
// goroutine executing it.
type unit struct {
	prompt string
	result models.ModelResult
}

// Run executes req and returns once every unit is terminal. It only fails for
// an invalid request; unit failures are recorded in their results.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*models.Run, error) {
	if len(req.Models) == 0 {
		return nil, ErrNoModels
	}
	if req.Mode == "" {
		req.Mode = models.ModeSingle
	}
	if req.Mode == models.ModeCompare && req.PromptB == "" {
		return nil, ErrMissingPromptB
	}

	run := &models.Run{
		ID:        uuid.NewString(),
		Mode:      req.Mode,
		Stream:    req.Stream,
		StartedAt: o.now(),
	}

	units := make([]*unit, 0, 2*len(req.Models))
	for _, m := range req.Models {
		if req.Mode == models.ModeCompare {
			units = append(units,
				newUnit(run.ID, m, models.SlotA, req.Prompt),
				newUnit(run.ID, m, models.SlotB, req.PromptB))
			continue
		}
		units = append(units, newUnit(run.ID, m, models.SlotNone, req.Prompt))
	}
	for _, u := range units {
		o.reporter.Update(u.result)
	}

	logger.ContextKV(ctx, xlog.DEBUG, "status", "run_started", "run_id", run.ID, "units", len(units), "mode", req.Mode, "stream", req.Stream)

	// every goroutine is launched before any unit dispatches
	gate := make(chan struct{})
	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func(u *unit) {
			defer wg.Done()
			<-gate
			o.execute(ctx, u, req)
		}(u)
	}
	close(gate)
	wg.Wait()

	run.FinishedAt = o.now()
	run.Results = make([]models.ModelResult, len(units))
	for i, u := range units {
		run.Results[i] = u.result
	}
	run.Summary = Summarize(run.Results, req.Stream)

	logger.ContextKV(ctx, xlog.DEBUG, "status", "run_finished", "run_id", run.ID,
		"succeeded", run.Summary.SuccessCount, "failed", run.Summary.FailureCount)
	return run, nil
}

func newUnit(runID, model string, slot models.Slot, prompt string) *unit {
	return &unit{
		prompt: prompt,
		result: models.ModelResult{
			Model:  model,
			Slot:   slot,
			Status: models.StatusPending,
			RunID:  runID,
		},
	}
}

func (o *Orchestrator) apply(u *unit, p models.Patch) {
	u.result = models.Apply(u.result, p)
	o.reporter.Update(u.result)
}

func (o *Orchestrator) execute(ctx context.Context, u *unit, req Request) {
	start := o.now()
	o.apply(u, models.RunningPatch(start))
	metrics.UnitsInFlight.Inc()

	defer func() {
		if v := recover(); v != nil {
			o.apply(u, models.FailedPatch(errors.Newf("unit panic: %v", v), o.now().Sub(start)))
		}
		metrics.UnitsInFlight.Dec()
		r := u.result
		metrics.RecordUnit(r.Model, string(r.Status), string(req.Mode), r.Duration, r.TokensPerSecond)
		if r.Status == models.StatusFailed {
			logger.ContextKV(ctx, xlog.WARNING, "status", "unit_failed", "model", r.Label(), "err", r.Error)
		} else {
			logger.ContextKV(ctx, xlog.DEBUG, "status", "unit_completed", "model", r.Label(),
				"duration", r.Duration.String(), "tokens", r.TotalTokens, "cached", r.Cached)
		}
	}()

	route, err := o.resolver.Resolve(u.result.Model)
	if err != nil {
		o.apply(u, models.FailedPatch(errors.Wrapf(err, "resolve %s", u.result.Model), o.now().Sub(start)))
		return
	}
	o.apply(u, models.Patch{Provider: models.Ptr(route.Provider.Name)})

	c, err := o.acquire(route.Provider)
	if err != nil {
		o.apply(u, models.FailedPatch(errors.Wrapf(err, "provider %s", route.Provider.Name), o.now().Sub(start)))
		return
	}

	timeout := route.Provider.Timeout
	if timeout <= 0 {
		timeout = client.DefaultTimeout
	}
	creq := models.CompletionRequest{
		Model:    route.Model,
		Messages: models.Messages(req.SystemPrompt, u.prompt),
		Params:   req.Params,
	}

	logger.ContextKV(ctx, xlog.DEBUG, "status", "unit_dispatched", "model", u.result.Label(),
		"provider", route.Provider.Name, "target", route.Model)

	if req.Stream {
		o.stream(ctx, u, c, creq, start, timeout)
		return
	}
	o.complete(ctx, u, c, creq, route.Provider.Name, start, timeout)
}

func (o *Orchestrator) acquire(p config.ProviderConfig) (client.Client, error) {
	cfg := pool.EndpointConfig{
		BaseURL: p.URL,
		APIKey:  p.APIKey,
		Timeout: p.Timeout,
	}
	if len(p.Headers) > 0 {
		return o.session.Pool.AcquireSecure(cfg, p.Headers)
	}
	return o.session.Pool.Acquire(cfg)
}

func (o *Orchestrator) stream(ctx context.Context, u *unit, c client.Client, creq models.CompletionRequest, start time.Time, timeout time.Duration) {
	body, err := c.Stream(ctx, creq)
	if err != nil {
		o.fail(u, err, o.now().Sub(start), timeout)
		return
	}
	defer body.Close()

	rd := sse.NewReader(body, start, sse.WithClock(o.now))
	for p := range rd.All() {
		o.apply(u, models.ProgressPatch(p.TokensPerSecond, p.TotalTokens))
	}

	res := rd.Result()
	if !res.Success {
		o.fail(u, res.Err, res.Duration, timeout)
		return
	}
	o.apply(u, models.Patch{
		Status:          models.Ptr(models.StatusCompleted),
		Duration:        models.Ptr(res.Duration),
		OutputTokens:    models.Ptr(res.TotalTokens),
		TotalTokens:     models.Ptr(res.TotalTokens),
		TokensPerSecond: models.Ptr(res.TokensPerSecond),
		Response:        models.Ptr(res.FullResponse),
	})
}

func (o *Orchestrator) complete(ctx context.Context, u *unit, c client.Client, creq models.CompletionRequest, provider string, start time.Time, timeout time.Duration) {
	call := func(ctx context.Context) (models.Completion, error) {
		out, err := c.Complete(ctx, creq)
		if err != nil {
			return models.Completion{}, err
		}
		return *out, nil
	}

	var (
		out    models.Completion
		err    error
		cached bool
	)
	if o.session.Cache != nil {
		cached = true
		key := cache.HashPrompt(provider+"/"+creq.Model, creq.Messages, creq.Params)
		out, err = o.session.Cache.GetOrSet(ctx, key, func(ctx context.Context) (models.Completion, error) {
			cached = false
			return call(ctx)
		})
	} else {
		out, err = call(ctx)
	}

	d := o.now().Sub(start)
	if err != nil {
		o.fail(u, err, d, timeout)
		return
	}
	o.apply(u, models.Patch{
		Status:       models.Ptr(models.StatusCompleted),
		Duration:     models.Ptr(d),
		InputTokens:  models.Ptr(out.Usage.PromptTokens),
		OutputTokens: models.Ptr(out.Usage.CompletionTokens),
		TotalTokens:  models.Ptr(out.Usage.TotalTokens),
		Response:     models.Ptr(out.Content),
		Cached:       models.Ptr(cached),
	})
}

// fail records err. Timeouts report the configured timeout as their duration.
func (o *Orchestrator) fail(u *unit, err error, d, timeout time.Duration) {
	if client.IsTimeout(err) {
		err = errors.Wrapf(err, "timed out after %s", timeout)
		d = timeout
	}
	o.apply(u, models.FailedPatch(err, d))
}
