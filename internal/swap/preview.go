package swap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ggonzalez94/intentrail/internal/amount"
	"github.com/ggonzalez94/intentrail/internal/intent"
)

// FormatQuotePreview renders a human summary of q for the swap s.
func FormatQuotePreview(q Quote, s intent.Swap) string {
	in := intent.NormalizeTokenSymbol(s.TokenIn)
	out := intent.NormalizeTokenSymbol(s.TokenOut)

	buy := q.BuyAmount
	if decimals, ok := intent.TokenDecimals(out); ok {
		if formatted, err := amount.FormatBaseUnitString(q.BuyAmount, decimals); err == nil {
			buy = formatted
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Swap %s %s -> %s %s\n", amount.Normalize(s.AmountIn), in, buy, out)
	if q.Price != "" {
		fmt.Fprintf(&b, "Price: %s %s per %s\n", q.Price, out, in)
	}
	fmt.Fprintf(&b, "Max slippage: %.2f%%\n", float64(s.SlippageBps)/100)

	route := make([]string, 0, len(q.Sources))
	for _, src := range q.Sources {
		p, err := strconv.ParseFloat(src.Proportion, 64)
		if err != nil || p <= 0 {
			continue
		}
		route = append(route, fmt.Sprintf("%.2f%% %s", p*100, src.Name))
	}
	if len(route) > 0 {
		fmt.Fprintf(&b, "Route: %s\n", strings.Join(route, ", "))
	}
	if q.Gas != "" {
		fmt.Fprintf(&b, "Estimated gas: %s\n", q.Gas)
	}
	if q.Synthetic {
		b.WriteString("Note: synthetic quote from the NUSD mock pool\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
