// Package pipeline joins the intent parser to the resolvers: free text in,
// a typed intent and the call data that carries it out.
package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ggonzalez94/intentrail/internal/bridge"
	"github.com/ggonzalez94/intentrail/internal/intent"
	"github.com/ggonzalez94/intentrail/internal/logging"
	"github.com/ggonzalez94/intentrail/internal/metrics"
	"github.com/ggonzalez94/intentrail/internal/swap"
)

type Parser interface {
	Parse(ctx context.Context, text string) intent.Intent
}

type QuoteResolver interface {
	GetQuote(ctx context.Context, s intent.Swap) swap.QuoteResult
}

// Outcome is the result of one request. Exactly one of Swap, Bridge or
// Transfer is set when the intent was actionable.
type Outcome struct {
	Intent   intent.Intent     `json:"intent"`
	Resolved bool              `json:"resolved"`
	Swap     *swap.QuoteResult `json:"swap,omitempty"`
	Preview  string            `json:"preview,omitempty"`
	Bridge   *bridge.Result    `json:"bridge,omitempty"`
	Transfer *TransferResult   `json:"transfer,omitempty"`
	Error    string            `json:"error,omitempty"`
}

type Option func(*Pipeline)

func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = logging.OrDiscard(log) }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTransferChain sets the chain transfer intents are resolved on.
func WithTransferChain(chain string) Option {
	return func(p *Pipeline) {
		if c := strings.TrimSpace(chain); c != "" {
			p.transferChain = strings.ToLower(c)
		}
	}
}

type Pipeline struct {
	parser        Parser
	quotes        QuoteResolver
	transferChain string
	metrics       *metrics.Registry
	log           *slog.Logger
}

func New(parser Parser, quotes QuoteResolver, opts ...Option) *Pipeline {
	p := &Pipeline{
		parser:        parser,
		quotes:        quotes,
		transferChain: intent.DefaultChain,
		log:           logging.OrDiscard(nil),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Parse(ctx context.Context, text string) intent.Intent {
	in := p.parser.Parse(ctx, text)
	p.metrics.IncIntent(string(in.Kind()))
	if u, ok := in.(intent.Unknown); ok {
		p.log.Info("intent not actionable", "reason", u.Reason)
	}
	return in
}

// Run parses text and resolves the intent. user is the wallet that signs the
// resulting calls; only bridges need it.
func (p *Pipeline) Run(ctx context.Context, text, user string) Outcome {
	return p.Resolve(ctx, p.Parse(ctx, text), user)
}

func (p *Pipeline) Resolve(ctx context.Context, in intent.Intent, user string) Outcome {
	out := Outcome{Intent: in}
	switch v := in.(type) {
	case intent.Swap:
		if p.quotes == nil {
			out.Error = "swap quotes are not configured"
			return out
		}
		res := p.quotes.GetQuote(ctx, v)
		out.Swap = &res
		if res.Success && res.Quote != nil {
			out.Resolved = true
			out.Preview = swap.FormatQuotePreview(*res.Quote, v)
		} else {
			out.Error = res.Error
		}
	case intent.Bridge:
		var res bridge.Result
		if source, dest, err := bridge.ResolveTokens(v); err != nil {
			res = bridge.Result{Error: err.Error()}
		} else {
			res = bridge.BuildBridgeCalldata(v, strings.TrimSpace(user), source, dest)
		}
		out.Bridge = &res
		out.Resolved = res.Success
		out.Error = res.Error
	case intent.Transfer:
		res := BuildTransfer(v, p.transferChain)
		out.Transfer = &res
		out.Resolved = res.Success
		out.Error = res.Error
	case intent.Unknown:
		out.Error = v.Reason
	}
	if out.Error != "" {
		p.log.Debug("intent unresolved", "type", in.Kind(), "err", out.Error)
	}
	return out
}
