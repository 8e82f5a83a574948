package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const maxResponseBytes = 4 << 20

// httpDoer is the minimal client contract used by the remote sources.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// BreakerConfig tunes the circuit breaker guarding remote calls.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig mirrors the conservative settings used for the API gateways.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Client executes JSON requests against a remote API and classifies failures.
type Client struct {
	doer    httpDoer
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient wraps doer with a circuit breaker named name. A nil doer uses a
// default http.Client with timeout.
func NewClient(name string, doer httpDoer, timeout time.Duration, cfg BreakerConfig, logger *slog.Logger) *Client {
	if doer == nil {
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		doer = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "remote"), slog.String("remote", name))
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Client-side rejections say nothing about the health of the remote.
			switch KindOf(err) {
			case KindUnauthorized, KindNotFound, KindConflict, KindPayloadTooLarge, KindSerialization:
				return true
			}
			return errors.Is(err, context.Canceled)
		},
	})
	return &Client{doer: doer, breaker: breaker, logger: logger}
}

// getJSON issues a GET and decodes the JSON body into out.
func (c *Client) getJSON(ctx context.Context, op, rawURL string, query url.Values, out any) error {
	return c.do(ctx, op, http.MethodGet, rawURL, query, nil, out)
}

// sendJSON issues a request with a JSON body; out may be nil.
func (c *Client) sendJSON(ctx context.Context, op, method, rawURL string, body, out any) error {
	return c.do(ctx, op, method, rawURL, nil, body, out)
}

func (c *Client) do(ctx context.Context, op, method, rawURL string, query url.Values, body, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, op, method, rawURL, query, body, out)
	})
	if err != nil {
		classified := classify(op, err)
		c.logger.Debug("remote call failed",
			slog.String("op", op),
			slog.String("kind", string(classified.Kind)),
			slog.Any("error", err))
		return classified
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, rawURL string, query url.Values, body, out any) error {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return &TransportError{Kind: KindUnknown, Op: op, Err: fmt.Errorf("request url: %w", err)}
	}
	if len(query) > 0 {
		values := parsed.Query()
		for name, vals := range query {
			for _, v := range vals {
				values.Add(name, v)
			}
		}
		parsed.RawQuery = values.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Kind: KindSerialization, Op: op, Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return &TransportError{Kind: KindUnknown, Op: op, Err: fmt.Errorf("request build: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return classify(op, err)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	closeErr := resp.Body.Close()
	if err != nil {
		return classify(op, fmt.Errorf("read body: %w", err))
	}
	if closeErr != nil {
		return classify(op, fmt.Errorf("close body: %w", closeErr))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{Kind: statusKind(resp.StatusCode), Op: op, Status: resp.StatusCode}
	}
	if len(payload) > maxResponseBytes {
		return &TransportError{Kind: KindPayloadTooLarge, Op: op, Status: resp.StatusCode}
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &TransportError{Kind: KindSerialization, Op: op, Err: err}
	}
	return nil
}
