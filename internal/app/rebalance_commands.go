package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ggonzalez94/intentrail/internal/cache"
	clierr "github.com/ggonzalez94/intentrail/internal/errors"
	"github.com/ggonzalez94/intentrail/internal/execution"
	"github.com/ggonzalez94/intentrail/internal/execution/signer"
	"github.com/ggonzalez94/intentrail/internal/httpx"
	"github.com/ggonzalez94/intentrail/internal/intent"
	"github.com/ggonzalez94/intentrail/internal/metrics"
	"github.com/ggonzalez94/intentrail/internal/model"
	"github.com/ggonzalez94/intentrail/internal/monitor"
	"github.com/ggonzalez94/intentrail/internal/paywall"
	"github.com/ggonzalez94/intentrail/internal/rebalance"
	"github.com/ggonzalez94/intentrail/internal/registry"
	"github.com/ggonzalez94/intentrail/internal/server"
	"github.com/ggonzalez94/intentrail/internal/version"
)

func (s *runtimeState) newMonitorCommand() *cobra.Command {
	root := &cobra.Command{Use: "monitor", Short: "Lending rate monitor"}
	poll := &cobra.Command{
		Use:   "poll",
		Short: "Read every market once and report the best rebalance opportunity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.commandContext(cmd, 0)
			defer cancel()
			src, err := s.rateSource()
			if err != nil {
				return err
			}
			rates, err := src.Rates(ctx)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "read lending rates", err)
			}
			mon := s.newMonitor(polledRates{name: src.Name(), rates: rates})
			ops, err := mon.Poll(ctx)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "poll opportunities", err)
			}
			if ops == nil {
				ops = []monitor.Opportunity{}
			}
			rows := make([]model.RateRow, 0, len(rates))
			for _, r := range rates {
				rows = append(rows, model.RateRow{
					Chain:     r.Chain,
					Protocol:  string(r.Protocol),
					APY:       r.APY,
					APYText:   monitor.FormatPercent(r.APY),
					Simulated: r.Simulated,
				})
			}
			data := model.MonitorPoll{
				Source:        src.Name(),
				Threshold:     mon.Threshold(),
				Rates:         rows,
				Opportunities: ops,
			}
			return s.emit(trimRootPath(cmd.CommandPath()), data, nil, src.Name())
		},
	}
	root.AddCommand(poll)
	return root
}

// polledRates replays one read so the reported rates and the opportunity
// derived from them agree.
type polledRates struct {
	name  string
	rates []monitor.Rate
}

func (p polledRates) Name() string { return p.name }

func (p polledRates) Rates(context.Context) ([]monitor.Rate, error) { return p.rates, nil }

type executeArgs struct {
	sourceChain    string
	sourceProtocol string
	targetChain    string
	targetProtocol string
	amount         string
	user           string
	keySource      string
}

func (s *runtimeState) newRebalanceCommand() *cobra.Command {
	root := &cobra.Command{Use: "rebalance", Short: "Cross-chain lending rebalances"}

	var exec executeArgs
	executeCmd := &cobra.Command{
		Use:         "execute",
		Short:       "Run one rebalance: the detected opportunity or an explicit route",
		Annotations: mutating(),
		RunE: func(cmd *cobra.Command, args []string) error {
			s.applyExecuteArgs(exec)
			ctx, cancel := s.commandContext(cmd, s.runBudget())
			defer cancel()

			src, err := s.rateSource()
			if err != nil {
				return err
			}
			mon := s.newMonitor(src)
			orch, err := s.newOrchestrator(ctx, mon, exec.keySource)
			if err != nil {
				return err
			}

			var op monitor.Opportunity
			if exec.sourceChain != "" || exec.targetChain != "" {
				op, err = manualOpportunity(exec, s.runner.now())
				if err != nil {
					return err
				}
			} else {
				ops, err := mon.Poll(ctx)
				if err != nil {
					return clierr.Wrap(clierr.CodeUnavailable, "poll opportunities", err)
				}
				if len(ops) == 0 {
					data := map[string]any{"executed": false, "reason": "no opportunity above threshold"}
					return s.emit(trimRootPath(cmd.CommandPath()), data, nil, mon.Source())
				}
				op = ops[0]
			}

			// an interrupt after the withdraw would strand funds; steps keep their own timeouts
			res := orch.ExecuteOpportunity(context.WithoutCancel(ctx), op)
			if !res.Success {
				if res.RunID != "" {
					s.lastWarnings = []string{fmt.Sprintf("run %s journaled; inspect with `%s runs show %s`", res.RunID, version.CLIName, res.RunID)}
				}
				return clierr.New(res.ErrorCode(), res.Error)
			}
			return s.emit(trimRootPath(cmd.CommandPath()), res, nil, mon.Source())
		},
	}
	executeCmd.Flags().StringVar(&exec.sourceChain, "source-chain", "", "Chain to withdraw from (skips rate polling)")
	executeCmd.Flags().StringVar(&exec.sourceProtocol, "source-protocol", string(registry.ProtocolAave), "Protocol to withdraw from (aave|compound)")
	executeCmd.Flags().StringVar(&exec.targetChain, "target-chain", "", "Chain to deposit on (skips rate polling)")
	executeCmd.Flags().StringVar(&exec.targetProtocol, "target-protocol", string(registry.ProtocolAave), "Protocol to deposit into (aave|compound)")
	addExecutorFlags(executeCmd, &exec)

	var loop executeArgs
	var interval time.Duration
	runCmd := &cobra.Command{
		Use:         "run",
		Short:       "Poll rates on an interval and rebalance whenever the spread clears the threshold",
		Annotations: mutating(),
		RunE: func(cmd *cobra.Command, args []string) error {
			s.applyExecuteArgs(loop)
			if interval <= 0 {
				interval = s.settings.PollInterval
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			s.metrics = metrics.New()
			src, err := s.rateSource()
			if err != nil {
				return err
			}
			orch, err := s.newOrchestrator(ctx, s.newMonitor(src), loop.keySource)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			if addr := s.settings.MetricsAddr; addr != "" {
				g.Go(func() error { return server.ServeMetrics(gctx, addr, s.metrics, s.log()) })
			}
			g.Go(func() error { return orch.RunAutonomous(gctx, interval) })
			if err := g.Wait(); err != nil {
				return err
			}

			status := model.RebalanceStatus{Guard: orch.GuardName(), DryRun: s.settings.DryRun}
			if last, ok := orch.LastResult(); ok {
				status.Last = last
			}
			return s.emit(trimRootPath(cmd.CommandPath()), status, nil, src.Name())
		},
	}
	runCmd.Flags().DurationVar(&interval, "interval", 0, "Poll interval (defaults to executor.poll_interval)")
	addExecutorFlags(runCmd, &loop)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether a rebalance is in progress and the latest journaled run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.commandContext(cmd, 0)
			defer cancel()
			guard, err := s.newGuard(ctx)
			if err != nil {
				return err
			}
			held, err := guard.Held(ctx)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "check guard", err)
			}
			store, err := s.openStore()
			if err != nil {
				return err
			}
			latest, err := store.List(ctx, "", 1)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list runs", err)
			}
			status := model.RebalanceStatus{Executing: held, Guard: guard.Name(), DryRun: s.settings.DryRun}
			if len(latest) > 0 {
				status.Last = latest[0]
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), status, nil)
		},
	}

	root.AddCommand(executeCmd)
	root.AddCommand(runCmd)
	root.AddCommand(statusCmd)
	return root
}

func addExecutorFlags(cmd *cobra.Command, args *executeArgs) {
	cmd.Flags().StringVar(&args.amount, "amount", "", "Decimal token amount per run (defaults to executor.amount)")
	cmd.Flags().StringVar(&args.user, "user", "", "Wallet whose positions are moved (defaults to the signer)")
	cmd.Flags().StringVar(&args.keySource, "key-source", signer.KeySourceAuto, "Key source (auto|env|file|keystore)")
}

func (s *runtimeState) applyExecuteArgs(args executeArgs) {
	if strings.TrimSpace(args.amount) != "" {
		s.settings.RebalanceAmount = strings.TrimSpace(args.amount)
	}
	if strings.TrimSpace(args.user) != "" {
		s.settings.UserAddress = strings.TrimSpace(args.user)
	}
}

// runBudget covers every step of one run plus the initial rate read.
func (s *runtimeState) runBudget() time.Duration {
	return 3*s.settings.StepTimeout + s.settings.Timeout
}

func manualOpportunity(args executeArgs, now time.Time) (monitor.Opportunity, error) {
	if args.sourceChain == "" || args.targetChain == "" {
		return monitor.Opportunity{}, clierr.New(clierr.CodeUsage, "--source-chain and --target-chain must be set together")
	}
	sourceProtocol, err := parseProtocol(args.sourceProtocol)
	if err != nil {
		return monitor.Opportunity{}, err
	}
	targetProtocol, err := parseProtocol(args.targetProtocol)
	if err != nil {
		return monitor.Opportunity{}, err
	}
	op := monitor.Opportunity{
		SourceChain:    strings.ToLower(strings.TrimSpace(args.sourceChain)),
		SourceProtocol: sourceProtocol,
		TargetChain:    strings.ToLower(strings.TrimSpace(args.targetChain)),
		TargetProtocol: targetProtocol,
		Token:          monitor.DefaultToken,
		DetectedAt:     now.UTC(),
	}
	op.Description = fmt.Sprintf("Move %s from %s on %s to %s on %s (explicit route)",
		op.Token, sourceProtocol.DisplayName(), op.SourceChain, targetProtocol.DisplayName(), op.TargetChain)
	return op, nil
}

func parseProtocol(v string) (registry.Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "aave", "aave-v3":
		return registry.ProtocolAave, nil
	case "compound", "compound-v3", "comet":
		return registry.ProtocolCompound, nil
	default:
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported protocol %q (expected aave|compound)", v))
	}
}

func (s *runtimeState) newRunsCommand() *cobra.Command {
	root := &cobra.Command{Use: "runs", Short: "Journaled rebalance runs"}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.commandContext(cmd, 0)
			defer cancel()
			store, err := s.openStore()
			if err != nil {
				return err
			}
			runs, err := store.List(ctx, strings.ToLower(strings.TrimSpace(status)), limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list runs", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), runs, nil)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status (planned|running|completed|failed)")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum runs to return")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.commandContext(cmd, 0)
			defer cancel()
			store, err := s.openStore()
			if err != nil {
				return err
			}
			run, err := store.Get(ctx, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), run, nil)
		},
	}

	root.AddCommand(list)
	root.AddCommand(show)
	return root
}

func (s *runtimeState) newServeCommand() *cobra.Command {
	var addr string
	var autonomous bool
	var keySource string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the intent and rebalance HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = s.settings.ServerAddr
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			s.metrics = metrics.New()
			p, quotes, err := s.newPipeline(256, intent.DefaultChain)
			if err != nil {
				return err
			}
			src, err := s.rateSource()
			if err != nil {
				return err
			}
			mon := s.newMonitor(src)

			var orch *rebalance.Orchestrator
			if s.settings.ReadOnly && !s.settings.DryRun {
				s.log().Info("rebalancing disabled in read-only mode")
			} else if orch, err = s.newOrchestrator(ctx, mon, keySource); err != nil {
				s.log().Warn("rebalancing disabled", "err", err)
				orch = nil
			}
			if autonomous && orch == nil {
				return clierr.New(clierr.CodeUsage, "--autonomous needs a working rebalance executor")
			}

			gate, err := s.newGate()
			if err != nil {
				return err
			}
			srv := server.New(server.Deps{
				Pipeline:     p,
				Quotes:       quotes,
				Monitor:      mon,
				Orchestrator: orch,
				Gate:         gate,
				Metrics:      s.metrics,
				Log:          s.log(),
				DefaultUser:  s.settings.UserAddress,
				DryRun:       s.settings.DryRun,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.ListenAndServe(gctx, addr) })
			if metricsAddr := s.settings.MetricsAddr; metricsAddr != "" && metricsAddr != addr {
				g.Go(func() error { return server.ServeMetrics(gctx, metricsAddr, s.metrics, s.log()) })
			}
			if autonomous {
				g.Go(func() error { return orch.RunAutonomous(gctx, s.settings.PollInterval) })
			}
			if err := g.Wait(); err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, "serve", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any{"addr": addr, "stopped": true}, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to server.addr)")
	cmd.Flags().BoolVar(&autonomous, "autonomous", false, "Also run the autonomous rebalance loop")
	cmd.Flags().StringVar(&keySource, "key-source", signer.KeySourceAuto, "Key source (auto|env|file|keystore)")
	return cmd
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func (s *runtimeState) httpClient() *httpx.Client {
	return httpx.New(s.settings.Timeout, s.settings.Retries, httpx.WithLogger(s.log()))
}

func (s *runtimeState) registry() (*registry.Registry, error) {
	if s.chains != nil {
		return s.chains, nil
	}
	overrides := make(map[string]registry.Override, len(s.settings.Chains))
	for label, o := range s.settings.Chains {
		overrides[label] = registry.Override{
			RPCURL:          o.RPCURL,
			AavePool:        o.AavePool,
			CometPool:       o.CometPool,
			SuperchainToken: o.SuperchainToken,
		}
	}
	reg, err := registry.Default().WithOverrides(overrides)
	if err != nil {
		return nil, err
	}
	s.chains = reg
	return reg, nil
}

// rateSource picks live or simulated rates once per invocation.
func (s *runtimeState) rateSource() (monitor.DataSource, error) {
	reg, err := s.registry()
	if err != nil {
		return nil, err
	}
	explicit := make(map[string]bool, len(s.settings.Chains))
	for label, o := range s.settings.Chains {
		if strings.TrimSpace(o.RPCURL) != "" {
			explicit[strings.ToLower(strings.TrimSpace(label))] = true
		}
	}
	return monitor.SelectSource(monitor.SourceConfig{
		Chains:         reg.List(),
		ExplicitRPC:    explicit,
		Seed:           s.settings.MonitorSeed,
		ForceSimulated: s.settings.ForceSimulated,
		Log:            s.log(),
	}), nil
}

func (s *runtimeState) newMonitor(src monitor.DataSource) *monitor.Monitor {
	return monitor.New(src, monitor.WithThreshold(s.settings.SpreadThreshold), monitor.WithLogger(s.log()))
}

func (s *runtimeState) openCache() (*cache.Store, error) {
	if s.cache != nil {
		return s.cache, nil
	}
	store, err := cache.Open(s.settings.CachePath, s.settings.CacheLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open cache", err)
	}
	s.cache = store
	return store, nil
}

func (s *runtimeState) openStore() (*execution.Store, error) {
	if s.store != nil {
		return s.store, nil
	}
	store, err := execution.OpenStore(s.settings.RunStorePath, s.settings.RunLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open run store", err)
	}
	s.store = store
	return store, nil
}

func (s *runtimeState) newGuard(ctx context.Context) (rebalance.Guard, error) {
	if s.settings.GuardBackend != "redis" {
		return rebalance.NewLocalGuard(), nil
	}
	g, err := rebalance.NewRedisGuard(ctx, rebalance.RedisGuardConfig{
		Address: s.settings.RedisAddr,
		Key:     s.settings.RedisKey,
		TTL:     s.settings.GuardTTL,
	})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect execution guard", err)
	}
	s.closers = append(s.closers, g)
	return g, nil
}

// newWriter records calls in dry-run mode and signs with a local key
// otherwise.
func (s *runtimeState) newWriter(keySource string) (execution.ChainWriter, error) {
	if s.settings.DryRun {
		return execution.NewDryRun(s.log()), nil
	}
	txSigner, err := signer.NewLocalSignerFromEnv(keySource)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "load signer (use --dry-run to plan without a key)", err)
	}
	return execution.NewBroadcaster(txSigner, execution.DefaultBroadcastOptions(), s.log()), nil
}

func (s *runtimeState) newOrchestrator(ctx context.Context, poller rebalance.Poller, keySource string) (*rebalance.Orchestrator, error) {
	reg, err := s.registry()
	if err != nil {
		return nil, err
	}
	writer, err := s.newWriter(keySource)
	if err != nil {
		return nil, err
	}
	guard, err := s.newGuard(ctx)
	if err != nil {
		return nil, err
	}
	store, err := s.openStore()
	if err != nil {
		return nil, err
	}
	return rebalance.New(reg, poller, writer, rebalance.Config{
		Amount:      s.settings.RebalanceAmount,
		User:        s.settings.UserAddress,
		StepTimeout: s.settings.StepTimeout,
		DryRun:      s.settings.DryRun,
	},
		rebalance.WithGuard(guard),
		rebalance.WithJournal(store),
		rebalance.WithMetrics(s.metrics),
		rebalance.WithLogger(s.log()),
		rebalance.WithAuditLogger(s.audit()),
	)
}

func (s *runtimeState) newGate() (paywall.Gate, error) {
	if !s.settings.PaywallEnabled {
		return paywall.OpenGate{}, nil
	}
	gate, err := paywall.NewFacilitatorGate(paywall.Config{
		FacilitatorURL: s.settings.PaywallFacilitatorURL,
		PayTo:          s.settings.PaywallPayTo,
		Network:        s.settings.PaywallNetwork,
		Price:          s.settings.PaywallPrice,
		Asset:          s.settings.PaywallAsset,
		Description:    "intentrail paid API",
		Timeout:        s.settings.Timeout,
		Retries:        s.settings.Retries,
	},
		paywall.WithLogger(s.log()),
		paywall.WithAuditLogger(s.audit()),
		paywall.WithClient(s.httpClient()),
	)
	if err != nil {
		return nil, err
	}
	return gate, nil
}
