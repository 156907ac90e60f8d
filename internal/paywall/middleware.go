package paywall

import (
	"bytes"
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	clierr "github.com/ggonzalez94/intentrail/internal/errors"
	"github.com/ggonzalez94/intentrail/internal/metrics"
)

// ContextKey holds the Decision of a paid request in the gin context.
const ContextKey = "paywall.decision"

type challenge struct {
	X402Version int            `json:"x402Version"`
	Accepts     []Requirements `json:"accepts"`
	Error       string         `json:"error"`
}

// Middleware gates a route group behind g. Unpaid requests get a 402
// challenge listing the accepted requirements. A verified payment is settled
// only after the handler answered below 400; until then the response is held
// back so the receipt header can still be set.
func Middleware(g Gate, m *metrics.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, err := g.Verify(c.Request.Context(), c.GetHeader(HeaderPayment))
		if err != nil {
			gateFailure(c, m, err)
			return
		}
		if !decision.Verified {
			m.IncPayment("rejected")
			challengeRequest(c, decision)
			return
		}
		c.Set(ContextKey, decision)

		w := &heldWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()
		c.Writer = w.ResponseWriter

		if c.Writer.Status() >= http.StatusBadRequest {
			m.IncPayment("unsettled")
			w.release()
			return
		}
		// the work is done; a dropped client must not skip the charge
		settled, err := g.Settle(context.WithoutCancel(c.Request.Context()), decision)
		if err != nil {
			gateFailure(c, m, err)
			return
		}
		if !settled.Verified {
			m.IncPayment("rejected")
			challengeRequest(c, settled)
			return
		}
		if settled.Receipt != nil {
			m.IncPayment("settled")
			if encoded, err := encodeReceipt(*settled.Receipt); err == nil {
				c.Header(HeaderPaymentResponse, encoded)
			}
		} else {
			m.IncPayment("open")
		}
		w.release()
	}
}

func gateFailure(c *gin.Context, m *metrics.Registry, err error) {
	m.IncPayment("error")
	status := http.StatusBadGateway
	if clierr.CodeOf(err) == clierr.CodeUsage {
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}

func challengeRequest(c *gin.Context, d Decision) {
	requirements := d.Requirements
	if requirements.Resource == "" {
		requirements.Resource = c.Request.URL.Path
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, challenge{
		X402Version: X402Version,
		Accepts:     []Requirements{requirements},
		Error:       d.Reason,
	})
}

// heldWriter buffers the body of a paid request. The status goes through to
// the wrapped writer, which only records it until the first write.
type heldWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *heldWriter) Write(b []byte) (int, error) { return w.body.Write(b) }

func (w *heldWriter) WriteString(s string) (int, error) { return w.body.WriteString(s) }

func (w *heldWriter) WriteHeaderNow() {}

func (w *heldWriter) Flush() {}

func (w *heldWriter) release() {
	if w.body.Len() == 0 {
		w.ResponseWriter.WriteHeaderNow()
		return
	}
	_, _ = w.ResponseWriter.Write(w.body.Bytes())
}
