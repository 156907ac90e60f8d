package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/intentrail/internal/cache"
	"github.com/ggonzalez94/intentrail/internal/config"
	clierr "github.com/ggonzalez94/intentrail/internal/errors"
	"github.com/ggonzalez94/intentrail/internal/execution"
	"github.com/ggonzalez94/intentrail/internal/logging"
	"github.com/ggonzalez94/intentrail/internal/metrics"
	"github.com/ggonzalez94/intentrail/internal/model"
	"github.com/ggonzalez94/intentrail/internal/out"
	"github.com/ggonzalez94/intentrail/internal/policy"
	"github.com/ggonzalez94/intentrail/internal/registry"
	"github.com/ggonzalez94/intentrail/internal/schema"
	"github.com/ggonzalez94/intentrail/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner       *Runner
	flags        config.GlobalFlags
	settings     config.Settings
	root         *cobra.Command
	lastCommand  string
	lastWarnings []string

	loggers *logging.Loggers
	metrics *metrics.Registry
	chains  *registry.Registry
	cache   *cache.Store
	store   *execution.Store
	closers []io.Closer
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err != nil {
		state.renderError("", err, state.lastWarnings)
	}
	state.close()
	if err == nil {
		return 0
	}
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Intent pipeline and cross-chain rebalancing CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}
			if err := policy.CheckBroadcast(settings.ReadOnly, isMutating(cmd), settings.DryRun); err != nil {
				return err
			}

			loggers, err := logging.New(logging.Config{
				Level:  settings.LogLevel,
				Format: settings.LogFormat,
				Output: settings.LogOutput,
				Audit:  logging.AuditConfig{Path: settings.AuditLogPath},
			}, s.runner.stderr)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "open logs", err)
			}
			s.loggers = loggers
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ReadOnly, "read-only", false, "Refuse commands that broadcast transactions")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "HTTP request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per HTTP request")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable quote cache reads and writes")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&s.flags.Simulated, "simulated", false, "Use simulated lending rates")
	cmd.PersistentFlags().BoolVar(&s.flags.DryRun, "dry-run", false, "Record transactions instead of broadcasting them")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newChainsCommand())
	cmd.AddCommand(s.newTokensCommand())
	cmd.AddCommand(s.newIntentCommand())
	cmd.AddCommand(s.newSwapCommand())
	cmd.AddCommand(s.newBridgeCommand())
	cmd.AddCommand(s.newMonitorCommand())
	cmd.AddCommand(s.newRebalanceCommand())
	cmd.AddCommand(s.newRunsCommand())
	cmd.AddCommand(s.newServeCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil)
		},
	}
	return cmd
}

func (s *runtimeState) log() *slog.Logger {
	if s.loggers == nil {
		return logging.OrDiscard(nil)
	}
	return s.loggers.App
}

func (s *runtimeState) audit() *slog.Logger {
	if s.loggers == nil {
		return logging.OrDiscard(nil)
	}
	return s.loggers.Audit
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string) error {
	return s.emit(commandPath, data, warnings, "")
}

func (s *runtimeState) emit(commandPath string, data any, warnings []string, source string) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Source:    source,
			DryRun:    s.settings.DryRun,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.CodeOf(err)
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    clierr.ExitCode(err),
			Type:    code.Type(),
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			DryRun:    s.settings.DryRun,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func (s *runtimeState) close() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
	if s.loggers != nil {
		_ = s.loggers.Close()
	}
}

// commandContext bounds one-shot commands. Long-running commands build their
// own context from signals instead.
func (s *runtimeState) commandContext(cmd *cobra.Command, budget time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if budget <= 0 {
		budget = s.settings.Timeout
	}
	return context.WithTimeout(ctx, budget)
}

func isMutating(cmd *cobra.Command) bool {
	return cmd.Annotations[schema.AnnotationMutating] == "true"
}

func mutating() map[string]string {
	return map[string]string{schema.AnnotationMutating: "true"}
}

func newRequestID() string {
	return uuid.NewString()
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
