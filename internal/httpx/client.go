package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/intentrail/internal/errors"
)

const maxErrorBody = 2048

// StatusError is the cause attached to every non-2xx failure so callers can
// surface what the upstream said.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

// ResponseBody returns the upstream body carried by err, if any.
func ResponseBody(err error) (string, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Body, true
	}
	return "", false
}

type Client struct {
	httpClient *http.Client
	retries    int
	userAgent  string
	log        *slog.Logger
}

type Option func(*Client)

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func New(timeout time.Duration, retries int, opts ...Option) *Client {
	if retries < 0 {
		retries = 0
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		userAgent:  "intentrail/1.0",
		log:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying upstream request", "url", req.URL.Redacted(), "attempt", attempt, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}

		cloneReq := req.Clone(ctx)
		if req.Body != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, clierr.Wrap(clierr.CodeInternal, "clone request body", err)
			}
			cloneReq.Body = body
		}

		resp, err := c.httpClient.Do(cloneReq)
		if err != nil {
			lastErr = mapNetError(err)
			if attempt < c.retries && ctx.Err() == nil {
				continue
			}
			return nil, lastErr
		}

		buf, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "read upstream response", readErr)
		}
		status := &StatusError{Status: resp.StatusCode, Body: truncate(buf)}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = clierr.Wrap(clierr.CodeRateLimited, "upstream rate limited request", status)
			if attempt < c.retries {
				continue
			}
			return resp.Header, lastErr
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return resp.Header, clierr.Wrap(clierr.CodeAuth, "upstream authentication failed", status)
		case resp.StatusCode == http.StatusPaymentRequired:
			return resp.Header, clierr.Wrap(clierr.CodePaymentRequired, "upstream requires payment", status)
		case resp.StatusCode >= http.StatusInternalServerError:
			lastErr = clierr.Wrap(clierr.CodeUnavailable, "upstream unavailable", status)
			if attempt < c.retries {
				continue
			}
			return resp.Header, lastErr
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return resp.Header, clierr.Wrap(clierr.CodeUnsupported, "upstream rejected request", status)
		}

		if out == nil {
			return resp.Header, nil
		}
		if len(bytes.TrimSpace(buf)) == 0 {
			return resp.Header, clierr.New(clierr.CodeUnavailable, "upstream returned empty response")
		}
		if err := json.Unmarshal(buf, out); err != nil {
			return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "decode upstream JSON", err)
		}
		return resp.Header, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, clierr.New(clierr.CodeUnavailable, "request failed")
}

func DoBodyJSON(ctx context.Context, c *Client, method, url string, body []byte, headers map[string]string, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.DoJSON(ctx, req, out)
}

// PostJSON marshals in and decodes the response into out.
func PostJSON(ctx context.Context, c *Client, url string, in any, headers map[string]string, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode request body", err)
	}
	_, err = DoBodyJSON(ctx, c, http.MethodPost, url, body, headers, out)
	return err
}

func mapNetError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "upstream timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "upstream request failed", err)
}

func truncate(buf []byte) string {
	s := strings.TrimSpace(string(buf))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

func backoff(attempt int) time.Duration {
	base := 120 * time.Millisecond
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	jitter := time.Duration(rand.Intn(75)) * time.Millisecond
	return d + jitter
}
