// Package parser turns free text into a typed intent through a completion
// model. Parse never fails; every problem becomes an Unknown intent.
package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ggonzalez94/intentrail/internal/intent"
	"github.com/ggonzalez94/intentrail/internal/llm"
	"github.com/ggonzalez94/intentrail/internal/logging"
)

type Parser struct {
	completer llm.Completer
	log       *slog.Logger
	memo      *lru.Cache[string, intent.Intent]
}

type Option func(*Parser)

func WithLogger(log *slog.Logger) Option {
	return func(p *Parser) { p.log = logging.OrDiscard(log) }
}

// WithMemo keeps the last size parse results in memory, keyed by the trimmed
// input. Faults from the completion call are never memoized.
func WithMemo(size int) Option {
	return func(p *Parser) {
		if size <= 0 {
			return
		}
		cache, err := lru.New[string, intent.Intent](size)
		if err == nil {
			p.memo = cache
		}
	}
}

func New(completer llm.Completer, opts ...Option) *Parser {
	p := &Parser{completer: completer, log: logging.OrDiscard(nil)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse converts text into an intent. The result's RawInput is always text.
func (p *Parser) Parse(ctx context.Context, text string) (out intent.Intent) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("intent parse panicked", "panic", r)
			out = intent.NewUnknown(fmt.Sprintf("parse fault: %v", r), text)
		}
	}()

	key := strings.TrimSpace(text)
	if key == "" {
		return intent.NewUnknown("empty request", text)
	}
	if p.memo != nil {
		if cached, ok := p.memo.Get(key); ok {
			return intent.WithRawInput(cached, text)
		}
	}
	if p.completer == nil {
		return intent.NewUnknown("no completion model configured", text)
	}

	reply, err := p.completer.Complete(ctx, systemPrompt, text)
	if err != nil {
		p.log.Warn("completion call failed", "err", err)
		return intent.NewUnknown(fmt.Sprintf("completion failed: %v", err), text)
	}

	result := interpret(reply, text)
	p.log.Debug("intent parsed", "kind", result.Kind(), "confidence", result.Metadata().Confidence)
	if p.memo != nil {
		p.memo.Add(key, result)
	}
	return result
}

// interpret runs both decoding stages over a model reply.
func interpret(reply, text string) intent.Intent {
	candidate, _, found := extractObject(reply)
	if !found {
		return intent.NewUnknown("parse failure: no JSON object in model reply", text)
	}
	obj, err := decodeObject(candidate)
	if err != nil {
		return intent.NewUnknown(fmt.Sprintf("parse failure: %v", err), text)
	}
	normalizeSymbols(obj)
	obj["rawInput"] = text

	parsed, err := intent.FromMap(obj)
	if err != nil {
		return intent.NewUnknown(fmt.Sprintf("schema violation: %v", err), text)
	}
	parsed = intent.WithRawInput(parsed, text)
	if check := intent.ValidateIntentTokens(parsed); !check.Valid {
		return intent.NewUnknown(check.Error, text)
	}
	return parsed
}

func normalizeSymbols(obj map[string]any) {
	for _, key := range []string{"tokenIn", "tokenOut", "token"} {
		if s, ok := obj[key].(string); ok {
			obj[key] = intent.NormalizeTokenSymbol(s)
		}
	}
}
