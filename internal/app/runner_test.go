package app

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

// isolate points config, cache and run store at a temp dir and clears the
// variables that would reach the network or change policy.
func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	for _, key := range []string{
		"INTENTRAIL_LLM_API_KEY",
		"INTENTRAIL_SWAP_API_KEY",
		"INTENTRAIL_DRY_RUN",
		"INTENTRAIL_READ_ONLY",
		"INTENTRAIL_ENABLE_COMMANDS",
		"INTENTRAIL_GUARD",
		"INTENTRAIL_USER_ADDRESS",
		"INTENTRAIL_AUDIT_LOG",
	} {
		t.Setenv(key, "")
	}
}

func run(t *testing.T, args ...string) (int, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := NewRunnerWithWriters(&stdout, &stderr).Run(append(args, "--log-level", "error"))
	return code, &stdout, &stderr
}

func decode[T any](t *testing.T, buf *bytes.Buffer) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(buf.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, buf.String())
	}
	return v
}

type errorEnvelope struct {
	Success bool `json:"success"`
	Error   struct {
		Code    int    `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	Warnings []string `json:"warnings"`
}

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("intentrail rebalance execute"); got != "rebalance execute" {
		t.Fatalf("unexpected trim result: %s", got)
	}
}

func TestRunnerChainsList(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run(t, "chains", "list", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	chains := decode[[]map[string]any](t, stdout)
	if len(chains) != 2 || chains[0]["label"] != "base-sepolia" || chains[1]["label"] != "op-sepolia" {
		t.Fatalf("unexpected chains: %v", chains)
	}
}

func TestRunnerChainsShowUnknownChain(t *testing.T) {
	isolate(t)
	code, _, stderr := run(t, "chains", "show", "zora")
	if code != 13 {
		t.Fatalf("expected exit 13, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerTokensNormalize(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run(t, "tokens", "normalize", "usdc", "eth", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	items := decode[[]map[string]any](t, stdout)
	if len(items) != 2 || items[0]["symbol"] != "USDC" || items[1]["symbol"] != "ETH" || items[0]["known"] != true {
		t.Fatalf("unexpected normalization: %v", items)
	}
}

func TestRunnerErrorEnvelopeIgnoresResultsOnly(t *testing.T) {
	isolate(t)
	code, _, stderr := run(t, "chains", "list", "--enable-commands", "monitor poll", "--results-only")
	if code != 16 {
		t.Fatalf("expected exit 16, got %d stderr=%s", code, stderr.String())
	}
	env := decode[errorEnvelope](t, stderr)
	if env.Success || env.Error.Type != "blocked" {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
}

func TestRunnerReadOnlyBlocksBroadcast(t *testing.T) {
	isolate(t)
	code, _, stderr := run(t, "rebalance", "execute", "--read-only")
	if code != 16 {
		t.Fatalf("expected exit 16, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerSchemaMarksMutatingCommands(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run(t, "schema", "rebalance", "execute", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	s := decode[map[string]any](t, stdout)
	if s["mutating"] != true {
		t.Fatalf("expected rebalance execute to be mutating: %v", s)
	}
}

func TestRunnerMonitorPollSimulated(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run(t, "monitor", "poll", "--simulated", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	poll := decode[struct {
		Source        string           `json:"source"`
		Rates         []map[string]any `json:"rates"`
		Opportunities []map[string]any `json:"opportunities"`
	}](t, stdout)
	if poll.Source != "simulated" || len(poll.Rates) == 0 || poll.Opportunities == nil {
		t.Fatalf("unexpected poll: %+v", poll)
	}
}

func TestRunnerRebalanceExecuteDryRunIsJournaled(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run(t, "rebalance", "execute", "--dry-run", "--simulated",
		"--source-chain", "base-sepolia", "--target-chain", "op-sepolia", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	res := decode[struct {
		RunID   string           `json:"run_id"`
		Success bool             `json:"success"`
		State   string           `json:"state"`
		DryRun  bool             `json:"dry_run"`
		Steps   []map[string]any `json:"steps"`
	}](t, stdout)
	if !res.Success || res.State != "done" || !res.DryRun || res.RunID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	// withdraw, burn, message, approve, supply
	if len(res.Steps) != 5 {
		t.Fatalf("expected 5 step records, got %d", len(res.Steps))
	}

	code, stdout, stderr = run(t, "runs", "show", res.RunID, "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	journaled := decode[map[string]any](t, stdout)
	if journaled["status"] != "completed" || journaled["state"] != "done" {
		t.Fatalf("unexpected journaled run: %v", journaled)
	}

	code, stdout, stderr = run(t, "rebalance", "status", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	status := decode[map[string]any](t, stdout)
	if status["executing"] != false || status["guard"] != "local" || status["last"] == nil {
		t.Fatalf("unexpected status: %v", status)
	}
}

func TestRunnerRebalanceExecutePlanFailure(t *testing.T) {
	isolate(t)
	code, _, stderr := run(t, "rebalance", "execute", "--dry-run",
		"--source-chain", "base-sepolia", "--target-chain", "op-sepolia", "--target-protocol", "compound")
	if code != 20 {
		t.Fatalf("expected exit 20, got %d stderr=%s", code, stderr.String())
	}
	env := decode[errorEnvelope](t, stderr)
	if env.Error.Type != "plan_error" || len(env.Warnings) != 1 || !strings.Contains(env.Warnings[0], "runs show") {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
}

func TestRunnerRebalanceExecuteRejectsHalfRoute(t *testing.T) {
	isolate(t)
	code, _, stderr := run(t, "rebalance", "execute", "--dry-run", "--source-chain", "base-sepolia")
	if code != 2 {
		t.Fatalf("expected exit 2, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerRunsShowMissing(t *testing.T) {
	isolate(t)
	code, _, stderr := run(t, "runs", "show", "act_missing")
	if code != 2 {
		t.Fatalf("expected exit 2, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerBridgeCommands(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run(t, "bridge", "supported", "--from", "base-sepolia", "--to", "op-sepolia", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	if got := decode[map[string]any](t, stdout); got["supported"] != true {
		t.Fatalf("expected supported route: %v", got)
	}

	code, _, _ = run(t, "bridge", "calldata", "--amount", "1", "--to", "op-sepolia")
	if code != 2 {
		t.Fatalf("expected exit 2 without a user, got %d", code)
	}

	code, stdout, stderr = run(t, "bridge", "calldata", "--amount", "1", "--to", "op-sepolia",
		"--user", "0x00000000000000000000000000000000000000AA", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	res := decode[map[string]any](t, stdout)
	if res["success"] != true || res["destinationChainId"] != float64(11155420) {
		t.Fatalf("unexpected calldata: %v", res)
	}
}

func TestRunnerSwapQuote(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run(t, "swap", "quote", "--token-in", "ETH", "--token-out", "NUSD", "--amount", "2", "--no-cache", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	out := decode[struct {
		Quote struct {
			BuyAmount string `json:"buyAmount"`
			Synthetic bool   `json:"synthetic"`
		} `json:"quote"`
		Preview string `json:"preview"`
	}](t, stdout)
	if !out.Quote.Synthetic || out.Quote.BuyAmount == "" || out.Preview == "" {
		t.Fatalf("unexpected quote: %+v", out)
	}

	code, _, _ = run(t, "swap", "quote", "--token-in", "ETH", "--token-out", "USDC", "--amount", "2")
	if code != 10 {
		t.Fatalf("expected exit 10 without an API key, got %d", code)
	}
}

func TestRunnerIntentParseWithoutModelIsUnknown(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run(t, "intent", "parse", "swap 1 eth to usdc", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	in := decode[map[string]any](t, stdout)
	if in["type"] != "unknown" {
		t.Fatalf("expected unknown intent without a model key, got %v", in)
	}
}

func TestRunnerVersion(t *testing.T) {
	isolate(t)
	code, stdout, _ := run(t, "version")
	if code != 0 || strings.TrimSpace(stdout.String()) == "" {
		t.Fatalf("unexpected version output %q (exit %d)", stdout.String(), code)
	}
}
