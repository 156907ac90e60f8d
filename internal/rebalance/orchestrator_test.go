package rebalance

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/intentrail/internal/errors"
	"github.com/ggonzalez94/intentrail/internal/execution"
	"github.com/ggonzalez94/intentrail/internal/monitor"
	"github.com/ggonzalez94/intentrail/internal/registry"
)

const testUser = "0x00000000000000000000000000000000000000AA"

type fakeWriter struct {
	mu     sync.Mutex
	calls  []execution.Call
	chains []string
	failOn execution.StepType
	// block, when set, is closed by the test to let Send return.
	block   chan struct{}
	started chan struct{}
}

func (w *fakeWriter) Send(ctx context.Context, chain registry.ChainConfig, call execution.Call) (string, error) {
	w.mu.Lock()
	w.calls = append(w.calls, call)
	w.chains = append(w.chains, chain.Label)
	n := len(w.calls)
	w.mu.Unlock()
	if w.started != nil && n == 1 {
		close(w.started)
	}
	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if call.Type == w.failOn {
		return "", errors.New("execution reverted")
	}
	return "0xhash" + string(call.Type), nil
}

func (w *fakeWriter) types() []execution.StepType {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]execution.StepType, 0, len(w.calls))
	for _, c := range w.calls {
		out = append(out, c.Type)
	}
	return out
}

type memJournal struct {
	mu     sync.Mutex
	states []string
	last   execution.Action
}

func (j *memJournal) Save(_ context.Context, a execution.Action) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n := len(j.states); n == 0 || j.states[n-1] != a.State {
		j.states = append(j.states, a.State)
	}
	j.last = a
	return nil
}

func crossChainOpportunity() monitor.Opportunity {
	return monitor.Opportunity{
		SourceChain:    "base-sepolia",
		SourceProtocol: registry.ProtocolCompound,
		SourceRate:     0.027,
		TargetChain:    "op-sepolia",
		TargetProtocol: registry.ProtocolAave,
		TargetRate:     0.046,
		Spread:         0.019,
		Token:          monitor.DefaultToken,
	}
}

func newTestOrchestrator(t *testing.T, w execution.ChainWriter, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(registry.Default(), nil, w, Config{Amount: "10", User: testUser, StepTimeout: time.Second}, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

func equalTypes(got, want []execution.StepType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestExecuteOpportunityCrossChain(t *testing.T) {
	w := &fakeWriter{}
	j := &memJournal{}
	o := newTestOrchestrator(t, w, WithJournal(j))

	res := o.ExecuteOpportunity(context.Background(), crossChainOpportunity())
	if !res.Success || res.State != StateDone {
		t.Fatalf("expected done, got %+v", res)
	}
	want := []execution.StepType{
		execution.StepTypeWithdraw,
		execution.StepTypeBridgeBurn,
		execution.StepTypeBridgeMessage,
		execution.StepTypeApproval,
		execution.StepTypeSupply,
	}
	if got := w.types(); !equalTypes(got, want) {
		t.Fatalf("unexpected call order %v", got)
	}
	if w.chains[0] != "base-sepolia" || w.chains[4] != "op-sepolia" {
		t.Fatalf("unexpected chains %v", w.chains)
	}
	if res.TxHash != "0xhashsupply" {
		t.Fatalf("expected final tx hash of supply, got %q", res.TxHash)
	}
	if len(res.Steps) != 5 || res.Steps[1].Step != stepBridge {
		t.Fatalf("unexpected steps %+v", res.Steps)
	}
	if !strings.HasSuffix(res.EstimatedProfit, "SUPERETH/yr") {
		t.Fatalf("unexpected profit %q", res.EstimatedProfit)
	}

	wantStates := []string{"", "withdraw_pending", "bridge_pending", "deposit_pending", "done"}
	if strings.Join(j.states, ",") != strings.Join(wantStates, ",") {
		t.Fatalf("unexpected journal states %v", j.states)
	}
	if j.last.Status != execution.ActionStatusCompleted || len(j.last.Steps) != 5 {
		t.Fatalf("unexpected journaled action %+v", j.last)
	}
	if last, ok := o.LastResult(); !ok || last.RunID != res.RunID {
		t.Fatalf("expected last result to be stored")
	}
}

func TestExecuteOpportunitySameChainSkipsBridge(t *testing.T) {
	w := &fakeWriter{}
	j := &memJournal{}
	o := newTestOrchestrator(t, w, WithJournal(j))

	op := monitor.Opportunity{
		SourceChain:    "base-sepolia",
		SourceProtocol: registry.ProtocolCompound,
		TargetChain:    "base-sepolia",
		TargetProtocol: registry.ProtocolAave,
		Spread:         0.004,
	}
	res := o.ExecuteOpportunity(context.Background(), op)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	want := []execution.StepType{execution.StepTypeWithdraw, execution.StepTypeApproval, execution.StepTypeSupply}
	if got := w.types(); !equalTypes(got, want) {
		t.Fatalf("unexpected call order %v", got)
	}
	for _, s := range j.states {
		if s == string(StateBridgePending) {
			t.Fatal("same-chain run must not enter bridge_pending")
		}
	}
}

func TestExecuteOpportunityStopsAtFirstFailure(t *testing.T) {
	w := &fakeWriter{failOn: execution.StepTypeBridgeBurn}
	j := &memJournal{}
	o := newTestOrchestrator(t, w, WithJournal(j))

	res := o.ExecuteOpportunity(context.Background(), crossChainOpportunity())
	if res.Success || res.State != StateFailed {
		t.Fatalf("expected failed run, got %+v", res)
	}
	if res.FailedStep != stepBridge || !strings.Contains(res.Error, "bridge failed") {
		t.Fatalf("unexpected failure %q at %q", res.Error, res.FailedStep)
	}
	want := []execution.StepType{execution.StepTypeWithdraw, execution.StepTypeBridgeBurn}
	if got := w.types(); !equalTypes(got, want) {
		t.Fatalf("deposit must not run after a failed bridge, calls %v", got)
	}
	if j.last.Status != execution.ActionStatusFailed {
		t.Fatalf("expected failed journal status, got %s", j.last.Status)
	}
	if step := j.last.LastStep(); step == nil || step.Status != execution.StepStatusFailed {
		t.Fatalf("expected failed last step, got %+v", step)
	}
	if o.IsCurrentlyExecuting(context.Background()) {
		t.Fatal("guard must be released after a failure")
	}
}

func TestExecuteOpportunityRejectsUnknownChain(t *testing.T) {
	w := &fakeWriter{}
	o := newTestOrchestrator(t, w)
	op := crossChainOpportunity()
	op.TargetChain = "zora"

	res := o.ExecuteOpportunity(context.Background(), op)
	if res.Success || res.FailedStep != stepPlan {
		t.Fatalf("expected plan failure, got %+v", res)
	}
	if res.ErrorCode() != clierr.CodeUnsupported {
		t.Fatalf("expected unsupported code, got %d", res.ErrorCode())
	}
	if len(w.types()) != 0 {
		t.Fatal("no calls expected when planning fails")
	}
}

func TestExecuteOpportunityMissingPoolFailsPlanning(t *testing.T) {
	w := &fakeWriter{}
	o := newTestOrchestrator(t, w)
	op := crossChainOpportunity()
	op.TargetProtocol = registry.ProtocolCompound

	res := o.ExecuteOpportunity(context.Background(), op)
	if res.FailedStep != stepPlan || !strings.Contains(res.Error, "no Compound pool") {
		t.Fatalf("expected missing pool failure, got %+v", res)
	}
	if res.ErrorCode() != clierr.CodeActionPlan {
		t.Fatalf("expected plan error code, got %d", res.ErrorCode())
	}
}

func TestConcurrentTriggerIsDropped(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{}), started: make(chan struct{})}
	o := newTestOrchestrator(t, w)

	done := make(chan ExecutionResult, 1)
	go func() { done <- o.ExecuteOpportunity(context.Background(), crossChainOpportunity()) }()
	<-w.started

	if !o.IsCurrentlyExecuting(context.Background()) {
		t.Fatal("expected guard to be held during a run")
	}
	busy := o.ExecuteOpportunity(context.Background(), crossChainOpportunity())
	if busy.Error != ErrBusy || len(busy.Steps) != 0 || busy.RunID != "" {
		t.Fatalf("expected busy result, got %+v", busy)
	}
	if busy.ErrorCode() != clierr.CodeBusy {
		t.Fatalf("expected busy code, got %d", busy.ErrorCode())
	}

	close(w.block)
	first := <-done
	if !first.Success {
		t.Fatalf("expected first run to succeed, got %+v", first)
	}
	if o.IsCurrentlyExecuting(context.Background()) {
		t.Fatal("guard must be released after the run")
	}
}

func TestStepTimeoutFailsRun(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	defer close(w.block)
	o, err := New(registry.Default(), nil, w, Config{Amount: "1", User: testUser, StepTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res := o.ExecuteOpportunity(context.Background(), crossChainOpportunity())
	if res.FailedStep != stepWithdraw || !strings.Contains(res.Error, "step exceeded") {
		t.Fatalf("expected withdraw timeout, got %+v", res)
	}
	if res.ErrorCode() != clierr.CodeActionTimeout {
		t.Fatalf("expected timeout code, got %d", res.ErrorCode())
	}
}

func TestExecuteOpportunityWithDryRunWriter(t *testing.T) {
	w := execution.NewDryRun(nil)
	o, err := New(registry.Default(), nil, w, Config{Amount: "0.5", StepTimeout: time.Second, DryRun: true})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	res := o.ExecuteOpportunity(context.Background(), crossChainOpportunity())
	if !res.Success || !res.DryRun {
		t.Fatalf("expected dry-run success, got %+v", res)
	}
	if len(w.Sent()) != 5 {
		t.Fatalf("expected 5 recorded calls, got %d", len(w.Sent()))
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(registry.Default(), nil, &fakeWriter{}, Config{Amount: "-1", User: testUser}); err == nil {
		t.Fatal("expected error for negative amount")
	}
	if _, err := New(registry.Default(), nil, &fakeWriter{}, Config{Amount: "1", User: "nope"}); err == nil {
		t.Fatal("expected error for invalid user")
	}
	if _, err := New(registry.Default(), nil, &fakeWriter{}, Config{Amount: "1"}); err == nil {
		t.Fatal("expected error when no user is known outside dry-run")
	}
}

type scriptedPoller struct {
	mu     sync.Mutex
	calls  int
	cancel context.CancelFunc
}

func (p *scriptedPoller) Poll(context.Context) ([]monitor.Opportunity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls == 1 {
		return []monitor.Opportunity{crossChainOpportunity()}, nil
	}
	p.cancel()
	return nil, nil
}

func TestRunAutonomousExecutesDetectedOpportunity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller := &scriptedPoller{cancel: cancel}
	w := &fakeWriter{}
	o, err := New(registry.Default(), poller, w, Config{Amount: "1", User: testUser, StepTimeout: time.Second})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := o.RunAutonomous(ctx, 5*time.Millisecond); err != nil {
		t.Fatalf("RunAutonomous returned %v", err)
	}
	last, ok := o.LastResult()
	if !ok || !last.Success {
		t.Fatalf("expected a successful run, got %+v", last)
	}
	if len(w.types()) != 5 {
		t.Fatalf("expected a single run of 5 calls, got %d", len(w.types()))
	}
}

func TestRunAutonomousRejectsBadInterval(t *testing.T) {
	o := newTestOrchestrator(t, &fakeWriter{})
	if err := o.RunAutonomous(context.Background(), 0); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestLocalGuardReleaseIsIdempotent(t *testing.T) {
	g := NewLocalGuard()
	release, ok, _ := g.TryAcquire(context.Background())
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if _, ok, _ := g.TryAcquire(context.Background()); ok {
		t.Fatal("expected second acquire to fail")
	}
	release()
	release()
	r2, ok, _ := g.TryAcquire(context.Background())
	if !ok {
		t.Fatal("expected acquire after release")
	}
	r2()
}

func TestRedisGuard(t *testing.T) {
	addr := os.Getenv("INTENTRAIL_TEST_REDIS")
	if addr == "" {
		t.Skip("INTENTRAIL_TEST_REDIS not set")
	}
	ctx := context.Background()
	key := "intentrail:test:" + time.Now().Format("150405.000000")
	a, err := NewRedisGuard(ctx, RedisGuardConfig{Address: addr, Key: key, TTL: time.Minute})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.Close()
	b, err := NewRedisGuard(ctx, RedisGuardConfig{Address: addr, Key: key, TTL: time.Minute})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer b.Close()

	release, ok, err := a.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("expected acquire, got ok=%v err=%v", ok, err)
	}
	if _, ok, _ := b.TryAcquire(ctx); ok {
		t.Fatal("second process must not acquire a held guard")
	}
	if held, _ := b.Held(ctx); !held {
		t.Fatal("expected guard to be reported held")
	}
	release()
	if held, _ := b.Held(ctx); held {
		t.Fatal("expected guard free after release")
	}
}
