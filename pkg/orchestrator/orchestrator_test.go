package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/llmrace/pkg/client"
	"github.com/pario-ai/llmrace/pkg/config"
	"github.com/pario-ai/llmrace/pkg/models"
	"github.com/pario-ai/llmrace/pkg/pool"
	"github.com/pario-ai/llmrace/pkg/router"
)

// fakeClient behaves by upstream model name: fail-* errors, slow-* times out,
// panic-* panics, anything else echoes the prompt.
type fakeClient struct {
	calls atomic.Int32
	// when set, every call blocks until arrive reaches want
	want    int32
	arrived atomic.Int32
	allIn   chan struct{}
	// when set, fail-* calls block until it is closed
	release chan struct{}
}

func (f *fakeClient) wait(ctx context.Context) error {
	if f.want == 0 {
		return nil
	}
	if f.arrived.Add(1) == f.want {
		close(f.allIn)
	}
	select {
	case <-f.allIn:
		return nil
	case <-time.After(2 * time.Second):
		return errors.New("not every unit was dispatched concurrently")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeClient) behave(req models.CompletionRequest) error {
	switch {
	case strings.HasPrefix(req.Model, "fail-"):
		if f.release != nil {
			select {
			case <-f.release:
			case <-time.After(2 * time.Second):
				return errors.New("failing unit was never released")
			}
		}
		return &client.StatusError{Code: 500, Body: "upstream exploded"}
	case strings.HasPrefix(req.Model, "slow-"):
		return errors.Wrap(context.DeadlineExceeded, "stream request")
	case strings.HasPrefix(req.Model, "panic-"):
		panic("nil map write")
	}
	return nil
}

func prompt(req models.CompletionRequest) string {
	return req.Messages[len(req.Messages)-1].Content
}

func (f *fakeClient) Complete(ctx context.Context, req models.CompletionRequest) (*models.Completion, error) {
	f.calls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if err := f.behave(req); err != nil {
		return nil, err
	}
	return &models.Completion{
		Model:   req.Model,
		Content: "echo: " + prompt(req),
		Usage:   models.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
	}, nil
}

func (f *fakeClient) Stream(ctx context.Context, req models.CompletionRequest) (io.ReadCloser, error) {
	f.calls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if err := f.behave(req); err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, part := range []string{"echo", ": ", prompt(req)} {
		fmt.Fprintf(&b, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
	}
	b.WriteString("data: [DONE]\n\n")
	return io.NopCloser(strings.NewReader(b.String())), nil
}

func (f *fakeClient) Close() error { return nil }

type recorder struct {
	mu      sync.Mutex
	updates []models.ModelResult
}

func (r *recorder) Update(res models.ModelResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, res)
}

func (r *recorder) forLabel(label string) []models.ModelResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ModelResult
	for _, u := range r.updates {
		if u.Label() == label {
			out = append(out, u)
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{
		{Name: "fake", URL: "http://fake.local/v1", APIKey: "sk", Timeout: 2 * time.Second},
		{Name: "broken", URL: "http://broken.local/v1", Timeout: time.Second},
	}
	cfg.Router.Routes = []config.RouteConfig{
		{Model: "broken-model", Provider: "broken"},
	}
	cfg.Cache.SweepInterval = 0
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, fc *fakeClient) (*Orchestrator, *Session, *recorder) {
	t.Helper()
	factory := func(ep pool.EndpointConfig) (client.Client, error) {
		if strings.Contains(ep.BaseURL, "broken") {
			return nil, errors.New("dial refused")
		}
		return fc, nil
	}
	s := NewSession(cfg, factory)
	t.Cleanup(s.Close)
	rec := &recorder{}
	return New(s, router.New(cfg), rec), s, rec
}

func byLabel(results []models.ModelResult) map[string]models.ModelResult {
	out := make(map[string]models.ModelResult, len(results))
	for _, r := range results {
		out[r.Label()] = r
	}
	return out
}

func TestRunIsolatesFailures(t *testing.T) {
	fc := &fakeClient{}
	o, _, _ := newHarness(t, testConfig(), fc)

	run, err := o.Run(context.Background(), Request{
		Models: []string{"a", "fail-b", "c", "fail-d", "e"},
		Prompt: "hi",
	})
	require.NoError(t, err)
	require.Len(t, run.Results, 5)
	assert.Equal(t, 3, run.Summary.SuccessCount)
	assert.Equal(t, 2, run.Summary.FailureCount)
	assert.NotEmpty(t, run.ID)

	for _, r := range run.Results {
		assert.True(t, r.Status.Terminal(), r.Model)
		assert.Equal(t, run.ID, r.RunID)
		if strings.HasPrefix(r.Model, "fail-") {
			assert.Equal(t, models.StatusFailed, r.Status)
			assert.Contains(t, r.Error, "upstream exploded")
			continue
		}
		assert.Equal(t, models.StatusCompleted, r.Status)
		assert.Equal(t, "echo: hi", r.Response)
		assert.Equal(t, "fake", r.Provider)
	}
	// results keep request order
	assert.Equal(t, "a", run.Results[0].Model)
	assert.Equal(t, "e", run.Results[4].Model)
}

func TestRunFailuresDoNotDelaySuccesses(t *testing.T) {
	fc := &fakeClient{release: make(chan struct{})}
	cfg := testConfig()
	cfg.Cache.Enabled = false
	s := NewSession(cfg, func(pool.EndpointConfig) (client.Client, error) { return fc, nil })
	t.Cleanup(s.Close)

	var (
		mu        sync.Mutex
		terminal  []string
		completed int
	)
	// failing units are held until every success has been reported
	reporter := ReporterFunc(func(r models.ModelResult) {
		if !r.Status.Terminal() {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		terminal = append(terminal, r.Model)
		if r.Status == models.StatusCompleted {
			completed++
			if completed == 3 {
				close(fc.release)
			}
		}
	})

	o := New(s, router.New(cfg), reporter)
	run, err := o.Run(context.Background(), Request{
		Models: []string{"a", "fail-b", "c", "fail-d", "e"},
		Prompt: "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, run.Summary.SuccessCount)
	assert.Equal(t, 2, run.Summary.FailureCount)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, terminal, 5)
	assert.ElementsMatch(t, []string{"a", "c", "e"}, terminal[:3])
	assert.ElementsMatch(t, []string{"fail-b", "fail-d"}, terminal[3:])
	for _, r := range run.Results {
		if strings.HasPrefix(r.Model, "fail-") {
			assert.Contains(t, r.Error, "upstream exploded")
		}
	}
}

func TestRunCompareLaunchesAllUnits(t *testing.T) {
	fc := &fakeClient{want: 6, allIn: make(chan struct{})}
	cfg := testConfig()
	cfg.Cache.Enabled = false
	o, _, _ := newHarness(t, cfg, fc)

	run, err := o.Run(context.Background(), Request{
		Models:  []string{"m1", "m2", "m3"},
		Prompt:  "first",
		PromptB: "second",
		Mode:    models.ModeCompare,
	})
	require.NoError(t, err)
	require.Len(t, run.Results, 6)
	assert.EqualValues(t, 6, fc.calls.Load())
	assert.Equal(t, 6, run.Summary.SuccessCount, "units must run concurrently: %+v", run.Results)

	got := byLabel(run.Results)
	assert.Equal(t, "echo: first", got["m2 [A]"].Response)
	assert.Equal(t, "echo: second", got["m2 [B]"].Response)

	require.Len(t, run.Summary.Slots, 2)
	assert.Equal(t, models.SlotA, run.Summary.Slots[0].Slot)
	assert.Equal(t, 3, run.Summary.Slots[0].SuccessCount)
	assert.Equal(t, 3, run.Summary.Slots[1].SuccessCount)
}

func TestRunStreamingProgress(t *testing.T) {
	fc := &fakeClient{}
	o, _, rec := newHarness(t, testConfig(), fc)

	run, err := o.Run(context.Background(), Request{
		Models: []string{"m"},
		Prompt: "hello world",
		Stream: true,
	})
	require.NoError(t, err)

	r := run.Results[0]
	require.Equal(t, models.StatusCompleted, r.Status, r.Error)
	assert.Equal(t, "echo: hello world", r.Response)
	// ceil(4/4) + ceil(2/4) + ceil(11/4)
	assert.Equal(t, 5, r.TotalTokens)
	assert.False(t, r.Cached)

	updates := rec.forLabel("m")
	require.GreaterOrEqual(t, len(updates), 5)
	assert.Equal(t, models.StatusPending, updates[0].Status)
	assert.Equal(t, models.StatusCompleted, updates[len(updates)-1].Status)

	// statuses never move backwards and tokens never shrink
	rank := map[models.Status]int{models.StatusPending: 0, models.StatusRunning: 1, models.StatusCompleted: 2, models.StatusFailed: 2}
	progress := 0
	for i := 1; i < len(updates); i++ {
		assert.GreaterOrEqual(t, rank[updates[i].Status], rank[updates[i-1].Status])
		assert.GreaterOrEqual(t, updates[i].TotalTokens, updates[i-1].TotalTokens)
		if updates[i].Status == models.StatusRunning && updates[i].TotalTokens > 0 {
			progress++
		}
	}
	assert.Equal(t, 3, progress)
	assert.Positive(t, run.Summary.AvgTokensPerSecond)
	assert.Zero(t, run.Summary.TotalTokens)
}

func TestRunTimeoutUsesConfiguredDuration(t *testing.T) {
	fc := &fakeClient{}
	o, _, _ := newHarness(t, testConfig(), fc)

	run, err := o.Run(context.Background(), Request{Models: []string{"slow-model"}, Prompt: "hi", Stream: true})
	require.NoError(t, err)

	r := run.Results[0]
	assert.Equal(t, models.StatusFailed, r.Status)
	assert.Equal(t, 2*time.Second, r.Duration)
	assert.Contains(t, r.Error, "timed out after 2s")
}

func TestRunCachesSyncCompletions(t *testing.T) {
	fc := &fakeClient{}
	o, s, _ := newHarness(t, testConfig(), fc)
	req := Request{Models: []string{"m"}, Prompt: "hi"}

	first, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	second, err := o.Run(context.Background(), req)
	require.NoError(t, err)

	assert.EqualValues(t, 1, fc.calls.Load())
	assert.False(t, first.Results[0].Cached)
	assert.True(t, second.Results[0].Cached)
	assert.Equal(t, first.Results[0].Response, second.Results[0].Response)
	assert.Equal(t, 7, second.Summary.TotalTokens)
	assert.NotEqual(t, first.ID, second.ID)

	st, ok := s.CacheStats()
	require.True(t, ok)
	assert.EqualValues(t, 1, st.Hits)
}

func TestRunStreamingBypassesCache(t *testing.T) {
	fc := &fakeClient{}
	o, _, _ := newHarness(t, testConfig(), fc)
	req := Request{Models: []string{"m"}, Prompt: "hi", Stream: true}

	for i := 0; i < 2; i++ {
		_, err := o.Run(context.Background(), req)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, fc.calls.Load())
}

func TestRunResolutionAndAcquireFailures(t *testing.T) {
	fc := &fakeClient{}
	cfg := testConfig()
	s := NewSession(cfg, func(ep pool.EndpointConfig) (client.Client, error) {
		if strings.Contains(ep.BaseURL, "broken") {
			return nil, errors.New("dial refused")
		}
		return fc, nil
	})
	defer s.Close()

	resolver := resolverFunc(func(model string) (router.Route, error) {
		if model == "unknown" {
			return router.Route{}, errors.New("no such model")
		}
		return router.New(cfg).Resolve(model)
	})
	o := New(s, resolver, nil)

	run, err := o.Run(context.Background(), Request{Models: []string{"unknown", "broken-model", "ok"}, Prompt: "hi"})
	require.NoError(t, err)

	got := byLabel(run.Results)
	assert.Equal(t, models.StatusFailed, got["unknown"].Status)
	assert.Contains(t, got["unknown"].Error, "no such model")
	assert.Equal(t, models.StatusFailed, got["broken-model"].Status)
	assert.Contains(t, got["broken-model"].Error, "connection pool client creation")
	assert.Equal(t, "broken", got["broken-model"].Provider)
	assert.Equal(t, models.StatusCompleted, got["ok"].Status)
}

func TestRunRecoversPanics(t *testing.T) {
	fc := &fakeClient{}
	o, _, _ := newHarness(t, testConfig(), fc)

	run, err := o.Run(context.Background(), Request{Models: []string{"panic-model", "fine"}, Prompt: "hi"})
	require.NoError(t, err)

	got := byLabel(run.Results)
	assert.Equal(t, models.StatusFailed, got["panic-model"].Status)
	assert.Contains(t, got["panic-model"].Error, "unit panic: nil map write")
	assert.Equal(t, models.StatusCompleted, got["fine"].Status)
}

func TestRunInvalidRequests(t *testing.T) {
	o, _, _ := newHarness(t, testConfig(), &fakeClient{})

	_, err := o.Run(context.Background(), Request{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrNoModels)

	_, err = o.Run(context.Background(), Request{Models: []string{"m"}, Prompt: "hi", Mode: models.ModeCompare})
	assert.ErrorIs(t, err, ErrMissingPromptB)
}

func TestSessionPoolReuse(t *testing.T) {
	fc := &fakeClient{}
	o, s, _ := newHarness(t, testConfig(), fc)

	_, err := o.Run(context.Background(), Request{Models: []string{"a", "b", "c"}, Prompt: "hi", Stream: true})
	require.NoError(t, err)

	st := s.PoolStats()
	assert.Equal(t, 1, st.TotalConnections)
	assert.EqualValues(t, 3, st.TotalUsage)
}

type resolverFunc func(string) (router.Route, error)

func (f resolverFunc) Resolve(model string) (router.Route, error) { return f(model) }
