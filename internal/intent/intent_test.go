package intent

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNormalizeTokenSymbol(t *testing.T) {
	cases := map[string]string{
		"ethereum":  "ETH",
		" Ether ":   "ETH",
		"USD  Coin": "USDC",
		"usdc":      "USDC",
		"Tether":    "USDT",
		"nusd":      "NUSD",
		"pepe":      "PEPE",
		"":          "",
	}
	for in, want := range cases {
		got := NormalizeTokenSymbol(in)
		if got != want {
			t.Fatalf("NormalizeTokenSymbol(%q) = %q, want %q", in, got, want)
		}
		if again := NormalizeTokenSymbol(got); again != got {
			t.Fatalf("normalization not idempotent for %q: %q -> %q", in, got, again)
		}
	}
}

func TestResolveTokenAddress(t *testing.T) {
	tok, ok := ResolveTokenAddress("usd coin", "base")
	if !ok || tok.Decimals != 6 || tok.Address != "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913" {
		t.Fatalf("unexpected USDC on base: %+v ok=%v", tok, ok)
	}
	eth, ok := ResolveTokenAddress("ETH", "")
	if !ok || eth.Chain != DefaultChain || !eth.Native() {
		t.Fatalf("expected native ETH on default chain, got %+v", eth)
	}
	if _, ok := ResolveTokenAddress("NUSD", "optimism"); ok {
		t.Fatal("did not expect NUSD on optimism mainnet")
	}
	if _, ok := ResolveTokenAddress("ETH", "arbitrum"); ok {
		t.Fatal("did not expect unknown chain to resolve")
	}
}

func TestValidateIntentTokens(t *testing.T) {
	valid := Swap{TokenIn: "ETH", TokenOut: "USDC", AmountIn: "1"}
	if check := ValidateIntentTokens(valid); !check.Valid {
		t.Fatalf("expected valid swap, got %+v", check)
	}
	bad := Swap{TokenIn: "ETH", TokenOut: "PEPE", AmountIn: "1"}
	check := ValidateIntentTokens(bad)
	if check.Valid || !strings.Contains(check.Error, "PEPE") {
		t.Fatalf("expected PEPE to be rejected, got %+v", check)
	}
	if !ValidateIntentTokens(NewUnknown("x", "y")).Valid {
		t.Fatal("unknown intents are always valid")
	}
	if ValidateIntentTokens(Transfer{Token: " "}).Valid {
		t.Fatal("expected empty token to be rejected")
	}
}

func TestFromMapSwapDefaultsSlippage(t *testing.T) {
	got, err := FromMap(map[string]any{
		"type":       "swap",
		"tokenIn":    "ETH",
		"tokenOut":   "USDC",
		"amountIn":   json.Number("1"),
		"confidence": json.Number("0.92"),
	})
	if err != nil {
		t.Fatalf("FromMap failed: %v", err)
	}
	swap, ok := got.(Swap)
	if !ok {
		t.Fatalf("expected Swap, got %T", got)
	}
	if swap.SlippageBps != DefaultSlippageBps || swap.AmountIn != "1" || swap.Confidence != 0.92 {
		t.Fatalf("unexpected swap %+v", swap)
	}
}

func TestFromMapFieldErrors(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]any
		want string
	}{
		{"missing confidence", map[string]any{"type": "swap"}, `"confidence"`},
		{"confidence range", map[string]any{"type": "swap", "confidence": 1.5}, `"confidence"`},
		{"missing amount", map[string]any{"type": "swap", "confidence": 0.5, "tokenIn": "ETH", "tokenOut": "USDC"}, `"amountIn"`},
		{"negative amount", map[string]any{"type": "transfer", "confidence": 0.5, "token": "ETH", "amount": "-1", "to": "0x0000000000000000000000000000000000000001"}, `"amount"`},
		{"bad recipient", map[string]any{"type": "transfer", "confidence": 0.5, "token": "ETH", "amount": "1", "to": "bob"}, `"to"`},
		{"bad slippage", map[string]any{"type": "swap", "confidence": 0.5, "tokenIn": "ETH", "tokenOut": "USDC", "amountIn": "1", "slippageBps": 20000.0}, `"slippageBps"`},
		{"unknown type", map[string]any{"type": "stake", "confidence": 0.5}, "unknown intent type"},
		{"missing type", map[string]any{"confidence": 0.5}, `"type"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromMap(tc.in)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

func TestFromMapBridgeDefaultsSourceChain(t *testing.T) {
	got, err := FromMap(map[string]any{"type": "bridge", "token": "ETH", "amount": 0.5, "toChain": "optimism", "confidence": 0.8})
	if err != nil {
		t.Fatalf("FromMap failed: %v", err)
	}
	bridge := got.(Bridge)
	if bridge.FromChain != DefaultChain || bridge.Amount != "0.5" {
		t.Fatalf("unexpected bridge %+v", bridge)
	}
}

func TestMarshalIncludesTypeTag(t *testing.T) {
	in := Normalized(WithRawInput(Transfer{
		Meta:   Meta{Confidence: 0.7},
		Token:  "usd coin",
		Amount: "5",
		To:     "vitalik.eth",
	}, "send 5 usdc to vitalik.eth"))

	buf, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["type"] != "transfer" || out["token"] != "USDC" || out["rawInput"] != "send 5 usdc to vitalik.eth" {
		t.Fatalf("unexpected wire form %s", buf)
	}
}
