// Package client talks to OpenAI-compatible chat completion endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/sashabaranov/go-openai"

	"github.com/pario-ai/llmrace/pkg/models"
	"github.com/pario-ai/llmrace/pkg/pool"
)

var logger = xlog.NewPackageLogger("github.com/pario-ai/llmrace", "client")

// DefaultTimeout applies when the endpoint config has none.
const DefaultTimeout = 60 * time.Second

const maxErrorBody = 512

// Client is an inference endpoint.
type Client interface {
	// Complete performs a synchronous chat completion.
	Complete(ctx context.Context, req models.CompletionRequest) (*models.Completion, error)
	// Stream starts a streaming chat completion and returns the raw SSE body.
	// The caller must close it.
	Stream(ctx context.Context, req models.CompletionRequest) (io.ReadCloser, error)
	Close() error
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.Code)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Code, e.Body)
}

// OpenAI is a Client for one endpoint. It owns its transport, so pooled
// instances keep their connections warm.
type OpenAI struct {
	api       *openai.Client
	http      *http.Client
	transport *http.Transport
	baseURL   string
	apiKey    string
	timeout   time.Duration
}

// New creates an OpenAI client for cfg.
func New(cfg pool.EndpointConfig) (*OpenAI, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid base url %q", cfg.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, errors.Newf("invalid base url %q: expected http(s)://host", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	hc := &http.Client{
		Timeout:   timeout,
		Transport: newHeaderTransport(transport, cfg.Headers),
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = baseURL
	oc.HTTPClient = hc

	return &OpenAI{
		api:       openai.NewClientWithConfig(oc),
		http:      hc,
		transport: transport,
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		timeout:   timeout,
	}, nil
}

// Factory adapts New to pool.Factory.
func Factory(cfg pool.EndpointConfig) (Client, error) {
	return New(cfg)
}

// Timeout returns the per-request timeout.
func (c *OpenAI) Timeout() time.Duration {
	return c.timeout
}

// Complete performs a synchronous chat completion.
func (c *OpenAI) Complete(ctx context.Context, req models.CompletionRequest) (*models.Completion, error) {
	logger.ContextKV(ctx, xlog.DEBUG, "status", "request", "model", req.Model, "stream", false)

	resp, err := c.api.CreateChatCompletion(ctx, toOpenAI(req, false))
	if err != nil {
		return nil, errors.Wrap(convertError(err), "chat completion")
	}

	out := &models.Completion{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
	}
	return out, nil
}

// Stream posts a streaming chat completion and returns the SSE body.
func (c *OpenAI) Stream(ctx context.Context, req models.CompletionRequest) (io.ReadCloser, error) {
	logger.ContextKV(ctx, xlog.DEBUG, "status", "request", "model", req.Model, "stream", true)

	body, err := json.Marshal(toOpenAI(req, true))
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, errors.Wrap(err, "stream request")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return resp.Body, nil
}

// Close releases idle connections.
func (c *OpenAI) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

func toOpenAI(req models.CompletionRequest, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
		Stream:      stream,
	}
}

func convertError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &StatusError{Code: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &StatusError{Code: reqErr.HTTPStatusCode, Body: body}
	}
	return err
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// headerTransport adds fixed headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func newHeaderTransport(base http.RoundTripper, headers map[string]string) http.RoundTripper {
	if len(headers) == 0 {
		return base
	}
	return &headerTransport{base: base, headers: headers}
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
