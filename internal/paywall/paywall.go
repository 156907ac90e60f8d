// Package paywall is the boundary to an x402-style paid-request gate. The
// server asks a Gate whether the X-PAYMENT header of a request pays for it,
// runs the request, and settles only when the request succeeded.
// Verification and settlement are delegated to a facilitator service.
package paywall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/intentrail/internal/errors"
	"github.com/ggonzalez94/intentrail/internal/httpx"
	"github.com/ggonzalez94/intentrail/internal/logging"
)

const (
	X402Version = 1

	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// Requirements is what a client must pay for one request, in the x402
// "paymentRequirements" wire shape.
type Requirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Payload is the decoded X-PAYMENT header. The scheme-specific part is kept
// raw and relayed to the facilitator untouched.
type Payload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// Receipt is the settlement outcome returned in X-PAYMENT-RESPONSE.
type Receipt struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

type Decision struct {
	Verified     bool
	Requirements Requirements
	Receipt      *Receipt
	// Reason explains a rejection.
	Reason string

	payload *Payload
	payer   string
}

type Gate interface {
	// Verify checks a payment without charging it.
	Verify(ctx context.Context, header string) (Decision, error)
	// Settle charges a verified payment. A failed settlement comes back
	// unverified with a Reason.
	Settle(ctx context.Context, d Decision) (Decision, error)
}

// OpenGate admits every request. It backs a server with the paywall disabled.
type OpenGate struct{}

func (OpenGate) Verify(context.Context, string) (Decision, error) {
	return Decision{Verified: true}, nil
}

func (OpenGate) Settle(_ context.Context, d Decision) (Decision, error) {
	return d, nil
}

type Config struct {
	FacilitatorURL string
	PayTo          string
	Network        string
	// Price is the amount in the asset's base units.
	Price       string
	Asset       string
	Description string
	Timeout     time.Duration
	Retries     int
}

type FacilitatorGate struct {
	baseURL      string
	requirements Requirements
	client       *httpx.Client
	log          *slog.Logger
	audit        *slog.Logger
}

type GateOption func(*FacilitatorGate)

func WithLogger(log *slog.Logger) GateOption {
	return func(g *FacilitatorGate) { g.log = logging.OrDiscard(log) }
}

// WithAuditLogger records every settled payment.
func WithAuditLogger(log *slog.Logger) GateOption {
	return func(g *FacilitatorGate) { g.audit = logging.OrDiscard(log) }
}

func WithClient(c *httpx.Client) GateOption {
	return func(g *FacilitatorGate) {
		if c != nil {
			g.client = c
		}
	}
}

func NewFacilitatorGate(cfg Config, opts ...GateOption) (*FacilitatorGate, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.FacilitatorURL), "/")
	if base == "" {
		return nil, clierr.New(clierr.CodeUsage, "paywall facilitator url is required")
	}
	if strings.TrimSpace(cfg.PayTo) == "" {
		return nil, clierr.New(clierr.CodeUsage, "paywall pay_to address is required")
	}
	if strings.TrimSpace(cfg.Price) == "" {
		return nil, clierr.New(clierr.CodeUsage, "paywall price is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	desc := cfg.Description
	if desc == "" {
		desc = "intentrail paid request"
	}
	g := &FacilitatorGate{
		baseURL: base,
		requirements: Requirements{
			Scheme:            "exact",
			Network:           cfg.Network,
			MaxAmountRequired: cfg.Price,
			Description:       desc,
			MimeType:          "application/json",
			PayTo:             cfg.PayTo,
			MaxTimeoutSeconds: 60,
			Asset:             cfg.Asset,
		},
		client: httpx.New(timeout, cfg.Retries),
		log:    logging.OrDiscard(nil),
		audit:  logging.OrDiscard(nil),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *FacilitatorGate) Requirements() Requirements { return g.requirements }

type facilitatorRequest struct {
	X402Version         int          `json:"x402Version"`
	PaymentPayload      Payload      `json:"paymentPayload"`
	PaymentRequirements Requirements `json:"paymentRequirements"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason"`
	Payer         string `json:"payer"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

// Verify checks the payment with the facilitator. A bad or missing payment
// is a rejected Decision; only facilitator faults return an error.
func (g *FacilitatorGate) Verify(ctx context.Context, header string) (Decision, error) {
	d := Decision{Requirements: g.requirements}
	if strings.TrimSpace(header) == "" {
		d.Reason = HeaderPayment + " header is required"
		return d, nil
	}
	payload, err := DecodePayment(header)
	if err != nil {
		d.Reason = err.Error()
		return d, nil
	}
	if payload.Network != "" && g.requirements.Network != "" && payload.Network != g.requirements.Network {
		d.Reason = fmt.Sprintf("payment network %s does not match %s", payload.Network, g.requirements.Network)
		return d, nil
	}

	req := facilitatorRequest{X402Version: X402Version, PaymentPayload: payload, PaymentRequirements: g.requirements}
	var verified verifyResponse
	if err := httpx.PostJSON(ctx, g.client, g.baseURL+"/verify", req, nil, &verified); err != nil {
		return d, clierr.Wrap(clierr.CodeUnavailable, "payment verification failed", err)
	}
	if !verified.IsValid {
		d.Reason = verified.InvalidReason
		if d.Reason == "" {
			d.Reason = "payment rejected by facilitator"
		}
		g.log.Info("payment rejected", "reason", d.Reason, "payer", verified.Payer)
		return d, nil
	}
	d.Verified = true
	d.payload = &payload
	d.payer = verified.Payer
	return d, nil
}

// Settle charges a payment Verify accepted.
func (g *FacilitatorGate) Settle(ctx context.Context, d Decision) (Decision, error) {
	if !d.Verified || d.payload == nil {
		d.Verified = false
		if d.Reason == "" {
			d.Reason = "payment was not verified"
		}
		return d, nil
	}
	req := facilitatorRequest{X402Version: X402Version, PaymentPayload: *d.payload, PaymentRequirements: g.requirements}
	var settled settleResponse
	if err := httpx.PostJSON(ctx, g.client, g.baseURL+"/settle", req, nil, &settled); err != nil {
		return d, clierr.Wrap(clierr.CodeUnavailable, "payment settlement failed", err)
	}
	if !settled.Success {
		d.Verified = false
		d.Reason = settled.ErrorReason
		if d.Reason == "" {
			d.Reason = "payment settlement failed"
		}
		return d, nil
	}
	payer := settled.Payer
	if payer == "" {
		payer = d.payer
	}
	d.Receipt = &Receipt{Success: true, Transaction: settled.Transaction, Network: settled.Network, Payer: payer}
	g.audit.Info("payment settled",
		"payer", payer,
		"transaction", settled.Transaction,
		"network", settled.Network,
		"amount", g.requirements.MaxAmountRequired,
		"asset", g.requirements.Asset,
	)
	return d, nil
}

// DecodePayment parses a base64 JSON X-PAYMENT header.
func DecodePayment(header string) (Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return Payload{}, fmt.Errorf("invalid %s header: not base64", HeaderPayment)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("invalid %s header: %v", HeaderPayment, err)
	}
	if p.X402Version != X402Version {
		return Payload{}, fmt.Errorf("unsupported x402 version %d", p.X402Version)
	}
	if len(p.Payload) == 0 {
		return Payload{}, fmt.Errorf("invalid %s header: payload is empty", HeaderPayment)
	}
	return p, nil
}

// EncodePayment is the inverse of DecodePayment.
func EncodePayment(p Payload) (string, error) {
	buf, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func encodeReceipt(r Receipt) (string, error) {
	buf, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
