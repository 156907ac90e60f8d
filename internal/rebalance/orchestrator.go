// Package rebalance moves the demo position from the lower-yielding lending
// market to the higher one: withdraw, bridge when the chains differ, then
// approve and supply. At most one run is in flight at a time.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/intentrail/internal/amount"
	clierr "github.com/ggonzalez94/intentrail/internal/errors"
	"github.com/ggonzalez94/intentrail/internal/execution"
	"github.com/ggonzalez94/intentrail/internal/logging"
	"github.com/ggonzalez94/intentrail/internal/metrics"
	"github.com/ggonzalez94/intentrail/internal/monitor"
	"github.com/ggonzalez94/intentrail/internal/registry"
)

type State string

const (
	StateIdle            State = "idle"
	StateWithdrawPending State = "withdraw_pending"
	StateBridgePending   State = "bridge_pending"
	StateDepositPending  State = "deposit_pending"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// ErrBusy is the result error of a trigger dropped by the guard.
const ErrBusy = "execution already in progress"

const (
	stepPlan     = "plan"
	stepWithdraw = "withdraw"
	stepBridge   = "bridge"
	stepDeposit  = "deposit"
)

// dryRunUser receives dry-run deposits when no wallet is configured.
const dryRunUser = "0x000000000000000000000000000000000000dEaD"

type StepResult struct {
	Step        string             `json:"step"`
	Type        execution.StepType `json:"type"`
	Chain       string             `json:"chain"`
	Description string             `json:"description"`
	TxHash      string             `json:"tx_hash,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// ExecutionResult explains one run. It is built once and not mutated after
// ExecuteOpportunity returns.
type ExecutionResult struct {
	RunID           string              `json:"run_id,omitempty"`
	Success         bool                `json:"success"`
	State           State               `json:"state"`
	TxHash          string              `json:"tx_hash,omitempty"`
	Error           string              `json:"error,omitempty"`
	FailedStep      string              `json:"failed_step,omitempty"`
	Opportunity     monitor.Opportunity `json:"opportunity"`
	Amount          string              `json:"amount,omitempty"`
	EstimatedProfit string              `json:"estimated_profit,omitempty"`
	DryRun          bool                `json:"dry_run"`
	Steps           []StepResult        `json:"steps"`
	StartedAt       time.Time           `json:"started_at"`
	FinishedAt      time.Time           `json:"finished_at"`

	code clierr.Code
}

// ErrorCode classifies a failed result for exit codes and HTTP statuses.
func (r ExecutionResult) ErrorCode() clierr.Code {
	if r.Success {
		return clierr.CodeSuccess
	}
	if r.code == clierr.CodeSuccess {
		return clierr.CodeInternal
	}
	return r.code
}

// Poller yields zero or one opportunity per call.
type Poller interface {
	Poll(ctx context.Context) ([]monitor.Opportunity, error)
}

// RunJournal persists run records.
type RunJournal interface {
	Save(ctx context.Context, action execution.Action) error
}

type Config struct {
	// Amount is the decimal token amount moved per run.
	Amount      string
	User        string
	StepTimeout time.Duration
	DryRun      bool
}

type Option func(*Orchestrator)

func WithGuard(g Guard) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.guard = g
		}
	}
}

func WithJournal(j RunJournal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = logging.OrDiscard(log) }
}

// WithAuditLogger records one entry per finished run.
func WithAuditLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.audit = logging.OrDiscard(log) }
}

type Orchestrator struct {
	chains  *registry.Registry
	poller  Poller
	writer  execution.ChainWriter
	guard   Guard
	journal RunJournal
	metrics *metrics.Registry
	log     *slog.Logger
	audit   *slog.Logger
	cfg     Config
	user    common.Address
	now     func() time.Time

	mu   sync.Mutex
	last *ExecutionResult
}

func New(chains *registry.Registry, poller Poller, writer execution.ChainWriter, cfg Config, opts ...Option) (*Orchestrator, error) {
	if chains == nil || writer == nil {
		return nil, clierr.New(clierr.CodeInternal, "rebalance: chains and writer are required")
	}
	if !amount.IsPositiveDecimal(cfg.Amount) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("rebalance amount must be a positive decimal, got %q", cfg.Amount))
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 2 * time.Minute
	}
	o := &Orchestrator{
		chains: chains,
		poller: poller,
		writer: writer,
		guard:  NewLocalGuard(),
		log:    logging.OrDiscard(nil),
		audit:  logging.OrDiscard(nil),
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	user, err := o.resolveUser()
	if err != nil {
		return nil, err
	}
	o.user = user
	return o, nil
}

func (o *Orchestrator) resolveUser() (common.Address, error) {
	if u := strings.TrimSpace(o.cfg.User); u != "" {
		if !common.IsHexAddress(u) {
			return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid executor user address %q", u))
		}
		return common.HexToAddress(u), nil
	}
	if w, ok := o.writer.(interface{ Address() common.Address }); ok {
		return w.Address(), nil
	}
	if o.cfg.DryRun {
		o.log.Warn("no executor user configured, dry-run deposits credit a placeholder", "user", dryRunUser)
		return common.HexToAddress(dryRunUser), nil
	}
	return common.Address{}, clierr.New(clierr.CodeUsage, "executor user address is required")
}

// IsCurrentlyExecuting reports whether any run holds the guard.
func (o *Orchestrator) IsCurrentlyExecuting(ctx context.Context) bool {
	held, err := o.guard.Held(ctx)
	if err != nil {
		o.log.Warn("guard check failed", "guard", o.guard.Name(), "err", err)
		return false
	}
	return held
}

// LastResult returns the most recent finished run in this process.
func (o *Orchestrator) LastResult() (ExecutionResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return ExecutionResult{}, false
	}
	return *o.last, true
}

func (o *Orchestrator) GuardName() string { return o.guard.Name() }

// ExecuteOpportunity runs one rebalance. It never queues: a trigger that finds
// the guard held returns immediately with ErrBusy.
func (o *Orchestrator) ExecuteOpportunity(ctx context.Context, op monitor.Opportunity) ExecutionResult {
	release, acquired, err := o.guard.TryAcquire(ctx)
	if err != nil {
		return ExecutionResult{State: StateIdle, Error: fmt.Sprintf("guard unavailable: %v", err), Opportunity: op, DryRun: o.cfg.DryRun, Steps: []StepResult{}, code: clierr.CodeUnavailable}
	}
	if !acquired {
		o.metrics.IncGuardSkip()
		o.log.Info("rebalance trigger dropped", "reason", ErrBusy)
		return ExecutionResult{State: StateIdle, Error: ErrBusy, Opportunity: op, DryRun: o.cfg.DryRun, Steps: []StepResult{}, code: clierr.CodeBusy}
	}
	defer release()
	o.metrics.SetExecuting(true)
	defer o.metrics.SetExecuting(false)

	r := o.newRun(ctx, op)
	r.execute(ctx)
	res := r.finish(ctx)

	o.mu.Lock()
	o.last = &res
	o.mu.Unlock()
	return res
}

// RunAutonomous polls every interval and executes the first opportunity. A
// tick that finds a run in progress is skipped. It returns when ctx is done.
func (o *Orchestrator) RunAutonomous(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return clierr.New(clierr.CodeUsage, "poll interval must be positive")
	}
	if o.poller == nil {
		return clierr.New(clierr.CodeInternal, "rebalance: no opportunity source configured")
	}
	o.log.Info("autonomous rebalancing started", "interval", interval, "guard", o.guard.Name(), "dry_run", o.cfg.DryRun)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		o.tick(ctx)
		select {
		case <-ctx.Done():
			o.log.Info("autonomous rebalancing stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if o.IsCurrentlyExecuting(ctx) {
		o.metrics.IncGuardSkip()
		o.log.Debug("tick skipped, run in progress")
		return
	}
	ops, err := o.poller.Poll(ctx)
	if err != nil {
		o.log.Warn("opportunity poll failed", "err", err)
		return
	}
	if len(ops) == 0 {
		o.log.Debug("no opportunity")
		return
	}
	op := ops[0]
	source := "live"
	if op.Simulated {
		source = "simulated"
	}
	o.metrics.IncOpportunity(source)
	o.log.Info("opportunity detected", "description", op.Description)
	res := o.ExecuteOpportunity(ctx, op)
	if !res.Success {
		o.log.Warn("rebalance run failed", "run_id", res.RunID, "step", res.FailedStep, "err", res.Error)
	}
}

// run carries the mutable state of one execution.
type run struct {
	o      *Orchestrator
	result ExecutionResult
	action execution.Action
	value  *big.Int
	source registry.ChainConfig
	target registry.ChainConfig
}

func (o *Orchestrator) newRun(ctx context.Context, op monitor.Opportunity) *run {
	id := execution.NewActionID()
	r := &run{
		o: o,
		result: ExecutionResult{
			RunID:       id,
			State:       StateIdle,
			Opportunity: op,
			Amount:      amount.Normalize(o.cfg.Amount),
			DryRun:      o.cfg.DryRun,
			Steps:       []StepResult{},
			StartedAt:   o.now().UTC(),
		},
		action: execution.NewAction(id, "rebalance", op.SourceChain, op.TargetChain),
	}
	r.action.Token = op.Token
	r.action.Amount = r.result.Amount
	r.action.FromAddress = o.user.Hex()
	r.action.DryRun = o.cfg.DryRun
	r.action.Metadata = map[string]any{
		"source_protocol": string(op.SourceProtocol),
		"target_protocol": string(op.TargetProtocol),
		"spread":          op.Spread,
	}
	r.result.EstimatedProfit = estimateProfit(r.result.Amount, op)
	r.save(ctx)
	return r
}

func (r *run) execute(ctx context.Context) {
	op := r.result.Opportunity
	var err error
	if r.source, err = r.o.chains.Resolve(op.SourceChain); err != nil {
		r.fail(ctx, stepPlan, err)
		return
	}
	if r.target, err = r.o.chains.Resolve(op.TargetChain); err != nil {
		r.fail(ctx, stepPlan, err)
		return
	}
	sameChain := r.source.Label == r.target.Label
	if sameChain && op.SourceProtocol == op.TargetProtocol {
		r.fail(ctx, stepPlan, errors.New("source and target market are the same"))
		return
	}
	if r.value, err = amount.ToBaseUnits(r.o.cfg.Amount, r.source.TokenDecimals); err != nil {
		r.fail(ctx, stepPlan, err)
		return
	}

	withdraw, err := withdrawCall(r.source, op.SourceProtocol, r.o.user, r.value)
	if err != nil {
		r.fail(ctx, stepPlan, err)
		return
	}
	deposit, err := depositCalls(r.target, op.TargetProtocol, r.o.user, r.value)
	if err != nil {
		r.fail(ctx, stepPlan, err)
		return
	}
	var bridged []execution.Call
	if !sameChain {
		if bridged, err = bridgeCalls(r.source, r.target, r.o.user, r.value); err != nil {
			r.fail(ctx, stepPlan, err)
			return
		}
	}

	r.transition(ctx, StateWithdrawPending)
	if !r.step(ctx, stepWithdraw, r.source, withdraw) {
		return
	}
	if !sameChain {
		r.transition(ctx, StateBridgePending)
		if !r.step(ctx, stepBridge, r.source, bridged...) {
			return
		}
	}
	r.transition(ctx, StateDepositPending)
	if !r.step(ctx, stepDeposit, r.target, deposit...) {
		return
	}
	r.transition(ctx, StateDone)
	r.result.Success = true
}

// step sends calls in order under one deadline. It reports whether every
// call was confirmed.
func (r *run) step(ctx context.Context, name string, chain registry.ChainConfig, calls ...execution.Call) bool {
	stepCtx, cancel := context.WithTimeout(ctx, r.o.cfg.StepTimeout)
	defer cancel()
	started := time.Now()
	for _, call := range calls {
		if err := r.send(stepCtx, name, chain, call); err != nil {
			r.o.metrics.ObserveStep(name, "failed", time.Since(started))
			if errors.Is(err, context.DeadlineExceeded) && stepCtx.Err() != nil && ctx.Err() == nil {
				err = clierr.Wrap(clierr.CodeActionTimeout, fmt.Sprintf("step exceeded %s", r.o.cfg.StepTimeout), err)
			}
			r.fail(ctx, name, err)
			return false
		}
	}
	r.o.metrics.ObserveStep(name, "confirmed", time.Since(started))
	return true
}

func (r *run) send(ctx context.Context, name string, chain registry.ChainConfig, call execution.Call) error {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	journaled := execution.ActionStep{
		StepID:      fmt.Sprintf("%s-%d", call.Type, len(r.action.Steps)+1),
		Type:        call.Type,
		Status:      execution.StepStatusPending,
		Chain:       chain.Label,
		ChainID:     chain.ChainID,
		Description: call.Description,
		Target:      call.Target.Hex(),
		Data:        "0x" + common.Bytes2Hex(call.Data),
		Value:       value.String(),
		StartedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	r.action.Steps = append(r.action.Steps, journaled)
	sr := StepResult{Step: name, Type: call.Type, Chain: chain.Label, Description: call.Description}

	err := execution.ValidateCall(chain, call, r.value)
	var hash string
	if err == nil {
		hash, err = r.o.writer.Send(ctx, chain, call)
	}
	last := r.action.LastStep()
	last.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	last.TxHash = hash
	sr.TxHash = hash
	if err != nil {
		last.Status = execution.StepStatusFailed
		last.Error = err.Error()
		sr.Error = err.Error()
	} else {
		last.Status = execution.StepStatusConfirmed
		r.result.TxHash = hash
	}
	r.result.Steps = append(r.result.Steps, sr)
	r.save(ctx)
	if err == nil {
		r.o.log.Info("rebalance step confirmed", "run_id", r.result.RunID, "step", name, "type", call.Type, "chain", chain.Label, "tx_hash", hash)
	}
	return err
}

func (r *run) transition(ctx context.Context, s State) {
	r.result.State = s
	r.action.State = string(s)
	switch s {
	case StateDone:
		r.action.Status = execution.ActionStatusCompleted
	case StateFailed:
		r.action.Status = execution.ActionStatusFailed
	default:
		r.action.Status = execution.ActionStatusRunning
	}
	r.o.log.Debug("rebalance state", "run_id", r.result.RunID, "state", s)
	r.save(ctx)
}

func (r *run) fail(ctx context.Context, step string, err error) {
	r.result.FailedStep = step
	r.result.Error = fmt.Sprintf("%s failed: %v", step, err)
	r.result.code = clierr.CodeOf(err)
	if _, ok := clierr.As(err); !ok && step == stepPlan {
		r.result.code = clierr.CodeActionPlan
	}
	r.action.Metadata["error"] = r.result.Error
	r.transition(ctx, StateFailed)
}

func (r *run) finish(ctx context.Context) ExecutionResult {
	r.result.FinishedAt = r.o.now().UTC()
	r.o.metrics.IncRun(string(r.result.State))
	r.o.audit.Info("rebalance run",
		"run_id", r.result.RunID,
		"state", r.result.State,
		"success", r.result.Success,
		"source_chain", r.result.Opportunity.SourceChain,
		"target_chain", r.result.Opportunity.TargetChain,
		"amount", r.result.Amount,
		"tx_hash", r.result.TxHash,
		"failed_step", r.result.FailedStep,
		"error", r.result.Error,
		"dry_run", r.result.DryRun,
	)
	out := r.result
	out.Steps = append([]StepResult(nil), r.result.Steps...)
	return out
}

func (r *run) save(ctx context.Context) {
	if r.o.journal == nil {
		return
	}
	r.action.Touch()
	if err := r.o.journal.Save(ctx, r.action); err != nil {
		r.o.log.Warn("journal run failed", "run_id", r.action.ActionID, "err", err)
	}
}

// estimateProfit is the yearly yield gained by moving amount across the
// spread, in token units.
func estimateProfit(amt string, op monitor.Opportunity) string {
	v, ok := new(big.Float).SetString(amt)
	if !ok {
		return ""
	}
	v.Mul(v, big.NewFloat(op.Spread))
	token := op.Token
	if token == "" {
		token = monitor.DefaultToken
	}
	return fmt.Sprintf("%s %s/yr", v.Text('f', 6), token)
}
