// Package delivery pushes deliverables to client callback endpoints.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ivxp/internal/metrics"
)

const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = time.Second
	DefaultTimeout      = 10 * time.Second

	jitterMin = 0.8
	jitterMax = 1.2
)

type Options struct {
	Endpoint     string
	OrderID      string
	MaxRetries   int
	InitialDelay time.Duration
	Timeout      time.Duration
	// OnRetry is called after each failed attempt that will be retried.
	OnRetry func(attempt, maxRetries int, errMsg string)
}

// DefaultOptions returns options with the standard retry policy.
func DefaultOptions(endpoint string) Options {
	return Options{
		Endpoint:     endpoint,
		MaxRetries:   DefaultMaxRetries,
		InitialDelay: DefaultInitialDelay,
		Timeout:      DefaultTimeout,
	}
}

type Result struct {
	Success    bool   `json:"success"`
	Attempts   int    `json:"attempts"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Pusher struct {
	Client *http.Client
	Logger zerolog.Logger
	// Sleep waits between attempts; it must return early with ctx.Err() when
	// ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a factor in [0.8, 1.2].
	Jitter func() float64
}

func New(logger zerolog.Logger) *Pusher {
	return &Pusher{
		Client: &http.Client{},
		Logger: logger,
	}
}

// ShouldAttemptPush reports whether endpoint is an absolute http(s) URL with
// a host. Anything else, including file: and data: URLs, is refused.
func ShouldAttemptPush(endpoint string) bool {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return false
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Hostname() != ""
}

// Backoff is the wait after a failed attempt: initial * 2^(attempt-1) * jitter.
func Backoff(initial time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(initial) * math.Pow(2, float64(attempt-1)) * jitter)
}

func defaultJitter() float64 {
	return jitterMin + rand.Float64()*(jitterMax-jitterMin)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Push POSTs payload as JSON to opts.Endpoint, retrying with exponential
// backoff. It never returns an error; the outcome is in the Result.
func (p *Pusher) Push(ctx context.Context, payload any, opts Options) Result {
	if opts.MaxRetries < 1 {
		return Result{Error: fmt.Sprintf("max retries must be at least 1, got %d", opts.MaxRetries)}
	}
	if !ShouldAttemptPush(opts.Endpoint) {
		return Result{Error: fmt.Sprintf("endpoint %q is not an http(s) url", opts.Endpoint)}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Error: fmt.Sprintf("encode payload: %v", err)}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	var res Result
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		res.Attempts = attempt
		status, err := p.post(ctx, body, opts, attempt)
		res.StatusCode = status
		if err == nil {
			metrics.PushAttempts.WithLabelValues("success").Inc()
			res.Success = true
			res.Error = ""
			p.Logger.Info().Str("order_id", opts.OrderID).Str("endpoint", opts.Endpoint).Int("attempt", attempt).Msg("push delivered")
			return res
		}
		metrics.PushAttempts.WithLabelValues("failure").Inc()
		res.Error = err.Error()
		p.Logger.Warn().Err(err).Str("order_id", opts.OrderID).Str("endpoint", opts.Endpoint).Int("attempt", attempt).Msg("push attempt failed")
		if attempt == opts.MaxRetries {
			break
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, opts.MaxRetries, res.Error)
		}
		if err := sleep(ctx, Backoff(opts.InitialDelay, attempt, jitter())); err != nil {
			res.Error = fmt.Sprintf("push aborted: %v", err)
			return res
		}
	}
	return res
}

func (p *Pusher) post(ctx context.Context, body []byte, opts Options, attempt int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-IVXP-Attempt", strconv.Itoa(attempt))
	if opts.OrderID != "" {
		req.Header.Set("X-IVXP-Order-Id", opts.OrderID)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return res.StatusCode, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	return res.StatusCode, nil
}
