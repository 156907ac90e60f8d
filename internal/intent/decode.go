package intent

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/intentrail/internal/amount"
)

// FromMap converts a loosely typed JSON object into an Intent, checking every
// field. The returned error names the offending field.
func FromMap(m map[string]any) (Intent, error) {
	if m == nil {
		return nil, fmt.Errorf("intent object is empty")
	}
	kindRaw, err := requiredString(m, "type")
	if err != nil {
		return nil, err
	}
	confidence, err := confidenceField(m)
	if err != nil {
		return nil, err
	}
	raw, _ := m["rawInput"].(string)
	meta := Meta{Confidence: confidence, RawInput: raw}

	switch Kind(strings.ToLower(kindRaw)) {
	case KindSwap:
		out := Swap{Meta: meta, SlippageBps: DefaultSlippageBps}
		if out.TokenIn, err = requiredString(m, "tokenIn"); err != nil {
			return nil, err
		}
		if out.TokenOut, err = requiredString(m, "tokenOut"); err != nil {
			return nil, err
		}
		if out.AmountIn, err = amountField(m, "amountIn"); err != nil {
			return nil, err
		}
		if v, ok := m["slippageBps"]; ok && v != nil {
			bps, err := integerValue(v)
			if err != nil || bps < 0 || bps > 10_000 {
				return nil, fmt.Errorf("field %q must be an integer between 0 and 10000", "slippageBps")
			}
			out.SlippageBps = int(bps)
		}
		return out, nil
	case KindTransfer:
		out := Transfer{Meta: meta}
		if out.Token, err = requiredString(m, "token"); err != nil {
			return nil, err
		}
		if out.Amount, err = amountField(m, "amount"); err != nil {
			return nil, err
		}
		if out.To, err = requiredString(m, "to"); err != nil {
			return nil, err
		}
		if !isRecipient(out.To) {
			return nil, fmt.Errorf("field %q must be an address or ENS name", "to")
		}
		return out, nil
	case KindBridge:
		out := Bridge{Meta: meta, FromChain: DefaultChain}
		if out.Token, err = requiredString(m, "token"); err != nil {
			return nil, err
		}
		if out.Amount, err = amountField(m, "amount"); err != nil {
			return nil, err
		}
		if out.ToChain, err = requiredString(m, "toChain"); err != nil {
			return nil, err
		}
		if v, ok := m["fromChain"].(string); ok && strings.TrimSpace(v) != "" {
			out.FromChain = strings.TrimSpace(v)
		}
		return out, nil
	case KindUnknown:
		reason, _ := m["reason"].(string)
		if strings.TrimSpace(reason) == "" {
			reason = "request not understood"
		}
		return Unknown{Meta: meta, Reason: strings.TrimSpace(reason)}, nil
	default:
		return nil, fmt.Errorf("unknown intent type %q", kindRaw)
	}
}

func requiredString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", fmt.Errorf("missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q must be a string", key)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("field %q must not be empty", key)
	}
	return s, nil
}

func amountField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", fmt.Errorf("missing field %q", key)
	}
	var s string
	switch n := v.(type) {
	case string:
		s = strings.TrimSpace(n)
	case json.Number:
		s = n.String()
	case float64:
		s = strconv.FormatFloat(n, 'f', -1, 64)
	default:
		return "", fmt.Errorf("field %q must be a decimal amount", key)
	}
	if !amount.IsPositiveDecimal(s) {
		return "", fmt.Errorf("field %q must be a positive decimal amount, got %q", key, s)
	}
	return amount.Normalize(s), nil
}

func confidenceField(m map[string]any) (float64, error) {
	v, ok := m["confidence"]
	if !ok || v == nil {
		return 0, fmt.Errorf("missing field %q", "confidence")
	}
	f, err := floatValue(v)
	if err != nil || math.IsNaN(f) || f < 0 || f > 1 {
		return 0, fmt.Errorf("field %q must be a number within [0,1]", "confidence")
	}
	return f, nil
}

func floatValue(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not a number")
	}
}

func integerValue(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer")
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("not an integer")
	}
}

func isRecipient(to string) bool {
	if common.IsHexAddress(to) {
		return strings.HasPrefix(strings.ToLower(to), "0x")
	}
	lower := strings.ToLower(to)
	return strings.HasSuffix(lower, ".eth") && len(lower) > len(".eth") && !strings.ContainsAny(lower, " /")
}
