package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/spf13/cobra"

	"github.com/pario-ai/llmrace/pkg/config"
)

var version = "dev"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:          "llmrace",
		Short:        "llmrace: race LLM endpoints for latency, throughput and token usage",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadEnvFile(g.envFile)
		},
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "llmrace.yaml", "path to config file")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "dotenv file with API keys")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	root.AddCommand(
		newRunCmd(g),
		newCompareCmd(g),
		newHistoryCmd(g),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// load reads the config and configures logging. An explicit --config must
// exist; the default path may be absent.
func (g *globalOptions) load(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f := cmd.Flag("config"); f != nil && f.Changed {
		cfg, err = config.Load(g.configPath)
	} else {
		cfg, err = config.LoadOrDefault(g.configPath)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}

	level := g.logLevel
	if level == "" {
		level = cfg.LogLevel
	}
	setupLogging(level)
	return cfg, nil
}

func setupLogging(level string) {
	xlog.SetFormatter(xlog.NewStringFormatter(os.Stderr))
	switch strings.ToLower(level) {
	case "debug":
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	case "warn", "warning":
		xlog.SetGlobalLogLevel(xlog.WARNING)
	case "error":
		xlog.SetGlobalLogLevel(xlog.ERROR)
	default:
		xlog.SetGlobalLogLevel(xlog.INFO)
	}
}
