package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ggonzalez94/intentrail/internal/amount"
	"github.com/ggonzalez94/intentrail/internal/bridge"
	clierr "github.com/ggonzalez94/intentrail/internal/errors"
	"github.com/ggonzalez94/intentrail/internal/intent"
	"github.com/ggonzalez94/intentrail/internal/model"
	"github.com/ggonzalez94/intentrail/internal/monitor"
	"github.com/ggonzalez94/intentrail/internal/version"
)

type textRequest struct {
	Text string `json:"text"`
	User string `json:"user"`
}

type quoteRequest struct {
	TokenIn     string `json:"tokenIn"`
	TokenOut    string `json:"tokenOut"`
	AmountIn    string `json:"amountIn"`
	SlippageBps *int   `json:"slippageBps"`
}

type bridgeRequest struct {
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	FromChain string `json:"fromChain"`
	ToChain   string `json:"toChain"`
	User      string `json:"user"`
}

type executeRequest struct {
	Opportunity *monitor.Opportunity `json:"opportunity"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.CLIVersion,
	})
}

func (s *Server) handleParse(c *gin.Context) {
	var req textRequest
	if !bindText(c, &req) {
		return
	}
	respond(c, s.deps.Pipeline.Parse(c.Request.Context(), req.Text))
}

func (s *Server) handleRun(c *gin.Context) {
	var req textRequest
	if !bindText(c, &req) {
		return
	}
	user := strings.TrimSpace(req.User)
	if user == "" {
		user = s.deps.DefaultUser
	}
	respond(c, s.deps.Pipeline.Run(c.Request.Context(), req.Text, user))
}

func (s *Server) handleQuote(c *gin.Context) {
	if s.deps.Quotes == nil {
		abort(c, clierr.New(clierr.CodeUnavailable, "swap quotes are not configured"))
		return
	}
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, clierr.Wrap(clierr.CodeUsage, "invalid request body", err))
		return
	}
	if req.TokenIn == "" || req.TokenOut == "" {
		abort(c, clierr.New(clierr.CodeUsage, "tokenIn and tokenOut are required"))
		return
	}
	if !amount.IsPositiveDecimal(req.AmountIn) {
		abort(c, clierr.New(clierr.CodeUsage, "amountIn must be a positive decimal"))
		return
	}
	in := intent.Swap{
		TokenIn:     intent.NormalizeTokenSymbol(req.TokenIn),
		TokenOut:    intent.NormalizeTokenSymbol(req.TokenOut),
		AmountIn:    amount.Normalize(req.AmountIn),
		SlippageBps: intent.DefaultSlippageBps,
	}
	if req.SlippageBps != nil {
		if *req.SlippageBps < 0 || *req.SlippageBps > 10_000 {
			abort(c, clierr.New(clierr.CodeUsage, "slippageBps must be between 0 and 10000"))
			return
		}
		in.SlippageBps = *req.SlippageBps
	}
	respond(c, s.deps.Quotes.GetQuote(c.Request.Context(), in))
}

func (s *Server) handleBridge(c *gin.Context) {
	var req bridgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, clierr.Wrap(clierr.CodeUsage, "invalid request body", err))
		return
	}
	if req.Token == "" || req.ToChain == "" {
		abort(c, clierr.New(clierr.CodeUsage, "token and toChain are required"))
		return
	}
	from := strings.TrimSpace(req.FromChain)
	if from == "" {
		from = intent.DefaultChain
	}
	user := strings.TrimSpace(req.User)
	if user == "" {
		user = s.deps.DefaultUser
	}
	in := intent.Bridge{
		Token:     intent.NormalizeTokenSymbol(req.Token),
		Amount:    req.Amount,
		FromChain: from,
		ToChain:   req.ToChain,
	}
	source, dest, err := bridge.ResolveTokens(in)
	if err != nil {
		respond(c, bridge.Result{Error: err.Error()})
		return
	}
	respond(c, bridge.BuildBridgeCalldata(in, user, source, dest))
}

func (s *Server) handleOpportunities(c *gin.Context) {
	if s.deps.Monitor == nil {
		abort(c, clierr.New(clierr.CodeUnavailable, "opportunity monitor is not configured"))
		return
	}
	ops, err := s.deps.Monitor.Poll(c.Request.Context())
	if err != nil {
		abort(c, clierr.Wrap(clierr.CodeUnavailable, "poll rates", err))
		return
	}
	if ops == nil {
		ops = []monitor.Opportunity{}
	}
	respond(c, gin.H{
		"threshold":     s.deps.Monitor.Threshold(),
		"opportunities": ops,
	})
}

func (s *Server) handleExecute(c *gin.Context) {
	if s.deps.Orchestrator == nil {
		abort(c, clierr.New(clierr.CodeUnavailable, "rebalancing is not configured"))
		return
	}
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abort(c, clierr.Wrap(clierr.CodeUsage, "invalid request body", err))
		return
	}
	op := req.Opportunity
	if op == nil {
		if s.deps.Monitor == nil {
			abort(c, clierr.New(clierr.CodeUsage, "opportunity is required when no monitor is configured"))
			return
		}
		ops, err := s.deps.Monitor.Poll(c.Request.Context())
		if err != nil {
			abort(c, clierr.Wrap(clierr.CodeUnavailable, "poll rates", err))
			return
		}
		if len(ops) == 0 {
			respond(c, gin.H{"executed": false, "reason": "no opportunity above threshold"})
			return
		}
		op = &ops[0]
	}
	if op.DetectedAt.IsZero() {
		op.DetectedAt = time.Now().UTC()
	}
	// a run that started withdrawing must not be cut short by a dropped
	// client; each step carries its own timeout
	res := s.deps.Orchestrator.ExecuteOpportunity(context.WithoutCancel(c.Request.Context()), *op)
	if res.ErrorCode() == clierr.CodeBusy {
		abort(c, clierr.New(clierr.CodeBusy, res.Error))
		return
	}
	respond(c, res)
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.deps.Orchestrator == nil {
		abort(c, clierr.New(clierr.CodeUnavailable, "rebalancing is not configured"))
		return
	}
	status := model.RebalanceStatus{
		Executing: s.deps.Orchestrator.IsCurrentlyExecuting(c.Request.Context()),
		Guard:     s.deps.Orchestrator.GuardName(),
		DryRun:    s.deps.DryRun,
	}
	if last, ok := s.deps.Orchestrator.LastResult(); ok {
		status.Last = last
	}
	respond(c, status)
}

func bindText(c *gin.Context, req *textRequest) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		abort(c, clierr.Wrap(clierr.CodeUsage, "invalid request body", err))
		return false
	}
	if strings.TrimSpace(req.Text) == "" {
		abort(c, clierr.New(clierr.CodeUsage, "text is required"))
		return false
	}
	return true
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelopeFor(c, data, nil))
}

func abort(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(clierr.CodeOf(err)), envelopeFor(c, nil, err))
}

func envelopeFor(c *gin.Context, data any, err error) model.Envelope {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: err == nil,
		Data:    data,
		Meta: model.EnvelopeMeta{
			RequestID: c.GetString(keyRequestID),
			Timestamp: time.Now().UTC(),
			Command:   c.Request.Method + " " + c.FullPath(),
		},
	}
	if err != nil {
		code := clierr.CodeOf(err)
		env.Error = &model.ErrorBody{Code: int(code), Type: code.Type(), Message: err.Error()}
	}
	return env
}

func statusFor(code clierr.Code) int {
	switch code {
	case clierr.CodeUsage:
		return http.StatusBadRequest
	case clierr.CodeAuth:
		return http.StatusUnauthorized
	case clierr.CodePaymentRequired:
		return http.StatusPaymentRequired
	case clierr.CodeRateLimited:
		return http.StatusTooManyRequests
	case clierr.CodeBusy:
		return http.StatusConflict
	case clierr.CodeUnsupported, clierr.CodeActionPlan, clierr.CodeBlocked:
		return http.StatusUnprocessableEntity
	case clierr.CodeUnavailable:
		return http.StatusServiceUnavailable
	case clierr.CodeActionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
