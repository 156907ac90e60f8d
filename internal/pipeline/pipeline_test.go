package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/ggonzalez94/intentrail/internal/httpx"
	"github.com/ggonzalez94/intentrail/internal/intent"
	"github.com/ggonzalez94/intentrail/internal/llm"
	"github.com/ggonzalez94/intentrail/internal/parser"
	"github.com/ggonzalez94/intentrail/internal/swap"
)

const wallet = "0x1111111111111111111111111111111111111111"

func replying(reply string) *parser.Parser {
	return parser.New(llm.CompleterFunc(func(context.Context, string, string) (string, error) {
		return reply, nil
	}))
}

func newPipeline(reply string) *Pipeline {
	quotes := swap.New(httpx.New(0, 0), swap.Config{Chain: "base-sepolia"})
	return New(replying(reply), quotes)
}

func TestRunResolvesSyntheticSwap(t *testing.T) {
	p := newPipeline(`{"type":"swap","tokenIn":"eth","tokenOut":"nusd","amountIn":"1","confidence":0.9}`)
	out := p.Run(context.Background(), "swap 1 ETH for NUSD", wallet)
	if !out.Resolved || out.Swap == nil || out.Swap.Quote == nil {
		t.Fatalf("expected resolved swap, got %+v", out)
	}
	if !out.Swap.Quote.Synthetic || out.Swap.Quote.To != intent.NUSDAddress {
		t.Fatalf("unexpected quote %+v", out.Swap.Quote)
	}
	if out.Preview == "" {
		t.Fatal("expected a quote preview")
	}
	if out.Intent.Metadata().RawInput != "swap 1 ETH for NUSD" {
		t.Fatalf("unexpected raw input %q", out.Intent.Metadata().RawInput)
	}
}

func TestRunSwapWithoutAPIKeyFails(t *testing.T) {
	p := newPipeline(`{"type":"swap","tokenIn":"ETH","tokenOut":"USDC","amountIn":"1","confidence":0.9}`)
	out := p.Run(context.Background(), "swap 1 ETH for USDC", wallet)
	if out.Resolved || !strings.Contains(out.Error, "API key") {
		t.Fatalf("expected missing key failure, got %+v", out)
	}
}

func TestRunResolvesBridge(t *testing.T) {
	p := newPipeline(`{"type":"bridge","token":"ETH","amount":"0.5","toChain":"op-sepolia","confidence":0.8}`)
	out := p.Run(context.Background(), "bridge 0.5 ETH to op sepolia", wallet)
	if !out.Resolved || out.Bridge == nil {
		t.Fatalf("expected resolved bridge, got %+v", out)
	}
	if out.Bridge.DestinationChainID != 11155420 || out.Bridge.SourceChainID != 84532 {
		t.Fatalf("unexpected chain ids %+v", out.Bridge)
	}
	if !strings.HasPrefix(out.Bridge.BurnCalldata, "0x") || !strings.HasPrefix(out.Bridge.MessageCalldata, "0x") {
		t.Fatalf("expected hex calldata, got %+v", out.Bridge)
	}
}

func TestRunBridgeNeedsUser(t *testing.T) {
	p := newPipeline(`{"type":"bridge","token":"ETH","amount":"0.5","toChain":"op-sepolia","confidence":0.8}`)
	out := p.Run(context.Background(), "bridge 0.5 ETH to op sepolia", "")
	if out.Resolved || !strings.Contains(out.Error, "invalid user address") {
		t.Fatalf("expected user address failure, got %+v", out)
	}
}

func TestRunUnknownCarriesReason(t *testing.T) {
	p := newPipeline("I cannot help with that")
	out := p.Run(context.Background(), "what's the weather", wallet)
	if out.Resolved || out.Intent.Kind() != intent.KindUnknown {
		t.Fatalf("expected unknown intent, got %+v", out)
	}
	if !strings.Contains(out.Error, "parse failure") {
		t.Fatalf("expected parse failure reason, got %q", out.Error)
	}
}

func TestBuildTransfer(t *testing.T) {
	tests := []struct {
		name      string
		in        intent.Transfer
		wantOK    bool
		wantValue string
		wantErr   string
	}{
		{
			name:      "native eth",
			in:        intent.Transfer{Token: "ETH", Amount: "0.1", To: wallet},
			wantOK:    true,
			wantValue: "100000000000000000",
		},
		{
			name:      "erc20 usdc",
			in:        intent.Transfer{Token: "usdc", Amount: "25", To: wallet},
			wantOK:    true,
			wantValue: "0",
		},
		{
			name:    "ens recipient",
			in:      intent.Transfer{Token: "ETH", Amount: "1", To: "vitalik.eth"},
			wantErr: "ENS recipient",
		},
		{
			name:    "unknown token",
			in:      intent.Transfer{Token: "DOGE", Amount: "1", To: wallet},
			wantErr: "not available",
		},
		{
			name:    "zero amount",
			in:      intent.Transfer{Token: "ETH", Amount: "0", To: wallet},
			wantErr: "must be positive",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := BuildTransfer(tc.in, "")
			if res.Success != tc.wantOK {
				t.Fatalf("unexpected result %+v", res)
			}
			if !tc.wantOK {
				if !strings.Contains(res.Error, tc.wantErr) {
					t.Fatalf("expected error containing %q, got %q", tc.wantErr, res.Error)
				}
				return
			}
			if res.Value != tc.wantValue || res.Chain != intent.DefaultChain {
				t.Fatalf("unexpected result %+v", res)
			}
		})
	}
}

func TestBuildTransferEncodesERC20Call(t *testing.T) {
	res := BuildTransfer(intent.Transfer{Token: "USDC", Amount: "25", To: wallet}, "base-sepolia")
	if !res.Success {
		t.Fatalf("transfer failed: %s", res.Error)
	}
	// transfer(address,uint256)
	if !strings.HasPrefix(res.Data, "0xa9059cbb") {
		t.Fatalf("unexpected selector in %s", res.Data)
	}
	if res.AmountBaseUnits != "25000000" {
		t.Fatalf("expected 6-decimal base units, got %s", res.AmountBaseUnits)
	}
	if !strings.EqualFold(res.To, "0x036CbD53842c5426634e7929541eC2318f3dCF7e") {
		t.Fatalf("expected call to the USDC contract, got %s", res.To)
	}
}
