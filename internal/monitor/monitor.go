// Package monitor compares lending supply rates across chains and reports a
// rebalance opportunity when the best-rate spread clears a threshold.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ggonzalez94/intentrail/internal/logging"
	"github.com/ggonzalez94/intentrail/internal/registry"
)

const (
	DefaultThreshold = 0.0015
	DefaultToken     = "SUPERETH"
)

// Opportunity moves funds from the lower-yielding chain to the higher one.
type Opportunity struct {
	SourceChain    string            `json:"source_chain"`
	SourceProtocol registry.Protocol `json:"source_protocol"`
	SourceRate     float64           `json:"source_rate"`
	TargetChain    string            `json:"target_chain"`
	TargetProtocol registry.Protocol `json:"target_protocol"`
	TargetRate     float64           `json:"target_rate"`
	Spread         float64           `json:"spread"`
	Token          string            `json:"token"`
	Simulated      bool              `json:"simulated"`
	Description    string            `json:"description"`
	DetectedAt     time.Time         `json:"detected_at"`
}

type Option func(*Monitor)

func WithThreshold(v float64) Option {
	return func(m *Monitor) {
		if v > 0 {
			m.threshold = v
		}
	}
}

func WithToken(symbol string) Option {
	return func(m *Monitor) {
		if symbol != "" {
			m.token = symbol
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Monitor) { m.log = logging.OrDiscard(log) }
}

type Monitor struct {
	source    DataSource
	threshold float64
	token     string
	log       *slog.Logger
	now       func() time.Time
}

func New(source DataSource, opts ...Option) *Monitor {
	m := &Monitor{
		source:    source,
		threshold: DefaultThreshold,
		token:     DefaultToken,
		log:       logging.OrDiscard(nil),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Source() string    { return m.source.Name() }
func (m *Monitor) Threshold() float64 { return m.threshold }

// Poll returns zero or one opportunity.
func (m *Monitor) Poll(ctx context.Context) ([]Opportunity, error) {
	rates, err := m.source.Rates(ctx)
	if err != nil {
		return nil, fmt.Errorf("read rates: %w", err)
	}
	best := BestPerChain(rates)
	if len(best) < 2 {
		m.log.Debug("not enough chains to compare", "chains", len(best))
		return nil, nil
	}
	low, high := best[0], best[len(best)-1]
	spread := high.APY - low.APY
	m.log.Debug("rates polled", "source", m.source.Name(), "low", low.Chain, "high", high.Chain, "spread", spread)
	if spread <= m.threshold {
		return nil, nil
	}
	op := Opportunity{
		SourceChain:    low.Chain,
		SourceProtocol: low.Protocol,
		SourceRate:     low.APY,
		TargetChain:    high.Chain,
		TargetProtocol: high.Protocol,
		TargetRate:     high.APY,
		Spread:         spread,
		Token:          m.token,
		Simulated:      low.Simulated || high.Simulated,
		DetectedAt:     m.now().UTC(),
	}
	op.Description = fmt.Sprintf("Move %s from %s on %s (%s) to %s on %s (%s): spread %s",
		op.Token,
		op.SourceProtocol.DisplayName(), op.SourceChain, FormatPercent(op.SourceRate),
		op.TargetProtocol.DisplayName(), op.TargetChain, FormatPercent(op.TargetRate),
		FormatPercent(op.Spread))
	return []Opportunity{op}, nil
}

// BestPerChain keeps the highest rate of each chain, ordered ascending by
// rate. Ties are broken by chain label.
func BestPerChain(rates []Rate) []Rate {
	byChain := make(map[string]Rate, len(rates))
	for _, r := range rates {
		cur, ok := byChain[r.Chain]
		if !ok || r.APY > cur.APY {
			byChain[r.Chain] = r
		}
	}
	out := make([]Rate, 0, len(byChain))
	for _, r := range byChain {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].APY == out[j].APY {
			return out[i].Chain < out[j].Chain
		}
		return out[i].APY < out[j].APY
	})
	return out
}

func FormatPercent(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}
