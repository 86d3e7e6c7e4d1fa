package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/spf13/cobra"

	"github.com/pario-ai/llmrace/pkg/client"
	"github.com/pario-ai/llmrace/pkg/config"
	"github.com/pario-ai/llmrace/pkg/diag"
	"github.com/pario-ai/llmrace/pkg/history"
	"github.com/pario-ai/llmrace/pkg/models"
	"github.com/pario-ai/llmrace/pkg/orchestrator"
	"github.com/pario-ai/llmrace/pkg/report"
	"github.com/pario-ai/llmrace/pkg/router"
)

var logger = xlog.NewPackageLogger("github.com/pario-ai/llmrace", "cmd")

const recordTimeout = 10 * time.Second

// runOptions are the flags shared by run and compare.
type runOptions struct {
	models       []string
	stream       bool
	maxTokens    int
	temperature  float32
	systemPrompt string
	noHistory    bool
	responses    bool
	stats        bool
}

func (o *runOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArrayVarP(&o.models, "model", "m", nil, "model to test (repeatable)")
	f.BoolVar(&o.stream, "stream", false, "stream responses and measure throughput")
	f.IntVar(&o.maxTokens, "max-tokens", 0, "max tokens per response (overrides config)")
	f.Float32Var(&o.temperature, "temperature", 0, "sampling temperature (overrides config)")
	f.StringVar(&o.systemPrompt, "system", "", "system prompt (overrides config)")
	f.BoolVar(&o.noHistory, "no-history", false, "do not record the run")
	f.BoolVar(&o.responses, "responses", false, "print full responses")
	f.BoolVar(&o.stats, "stats", false, "print pool and cache statistics after the run")
	_ = cmd.MarkFlagRequired("model")
}

// request builds the orchestrator request, letting changed flags override config.
func (o *runOptions) request(cmd *cobra.Command, cfg *config.Config) orchestrator.Request {
	req := orchestrator.Request{
		Models:       o.models,
		Stream:       cfg.Request.Stream,
		Params:       cfg.Request.Params(),
		SystemPrompt: cfg.Request.SystemPrompt,
	}
	f := cmd.Flags()
	if f.Changed("stream") {
		req.Stream = o.stream
	}
	if f.Changed("max-tokens") {
		req.Params.MaxTokens = o.maxTokens
	}
	if f.Changed("temperature") {
		req.Params.Temperature = o.temperature
	}
	if f.Changed("system") {
		req.SystemPrompt = o.systemPrompt
	}
	return req
}

func newRunCmd(g *globalOptions) *cobra.Command {
	var (
		opts       runOptions
		prompt     string
		promptFile string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Send one prompt to every model at once",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readPrompt(prompt, promptFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}

			req := opts.request(cmd, cfg)
			req.Mode = models.ModeSingle
			req.Prompt = text
			return execute(cmd, cfg, req, &opts)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt text")
	cmd.Flags().StringVar(&promptFile, "prompt-file", "", "read the prompt from a file (- for stdin)")
	cmd.MarkFlagsMutuallyExclusive("prompt", "prompt-file")
	return cmd
}

func newCompareCmd(g *globalOptions) *cobra.Command {
	var (
		opts    runOptions
		promptA string
		promptB string
	)

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Send two prompts to every model at once and compare them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}

			req := opts.request(cmd, cfg)
			req.Mode = models.ModeCompare
			req.Prompt = promptA
			req.PromptB = promptB
			return execute(cmd, cfg, req, &opts)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&promptA, "prompt-a", "", "first prompt")
	cmd.Flags().StringVar(&promptB, "prompt-b", "", "second prompt")
	_ = cmd.MarkFlagRequired("prompt-a")
	_ = cmd.MarkFlagRequired("prompt-b")
	return cmd
}

func readPrompt(prompt, file string, stdin io.Reader) (string, error) {
	switch {
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", errors.Wrap(err, "read prompt from stdin")
		}
		prompt = string(data)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", errors.Wrap(err, "read prompt file")
		}
		prompt = string(data)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("a prompt is required: use --prompt or --prompt-file")
	}
	return prompt, nil
}

func execute(cmd *cobra.Command, cfg *config.Config, req orchestrator.Request, opts *runOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := orchestrator.NewSession(cfg, client.Factory)
	defer session.Close()

	if cfg.DiagListen != "" {
		diagCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		srv := diag.New(cfg.DiagListen, session)
		go func() {
			if err := srv.ListenAndServe(diagCtx); err != nil {
				logger.KV(xlog.ERROR, "status", "diag_failed", "err", err.Error())
			}
		}()
	}

	o := orchestrator.New(session, router.New(cfg), report.NewConsole(cmd.ErrOrStderr()))
	run, err := o.Run(ctx, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	if err := report.PrintRun(out, run); err != nil {
		return err
	}
	if opts.responses {
		report.PrintResponses(out, run)
	}
	if opts.stats {
		fmt.Fprintln(out)
		fmt.Fprint(out, report.FormatPoolStats(session.PoolStats()))
		if st, ok := session.CacheStats(); ok {
			fmt.Fprint(out, report.FormatCacheStats(st))
		}
	}

	if !opts.noHistory && cfg.DBPath != "" {
		if err := record(ctx, cfg.DBPath, run); err != nil {
			logger.KV(xlog.WARNING, "status", "history_failed", "err", err.Error())
		}
	}

	if run.Summary.SuccessCount == 0 {
		return errors.Newf("all %d requests failed", run.Summary.FailureCount)
	}
	return nil
}

// record persists run even when ctx was cancelled by a signal.
func record(ctx context.Context, dbPath string, run *models.Run) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	store, err := history.New(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return store.Record(ctx, run)
}
