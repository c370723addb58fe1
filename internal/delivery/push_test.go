package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestPusher(s *recordedSleeps) *Pusher {
	p := New(zerolog.Nop())
	p.Sleep = s.sleep
	p.Jitter = func() float64 { return 1 }
	return p
}

func TestPushRetriesUntilExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sleeps := &recordedSleeps{}
	var retries [][2]int
	opts := DefaultOptions(srv.URL)
	opts.InitialDelay = 10 * time.Millisecond
	opts.OnRetry = func(attempt, max int, msg string) {
		retries = append(retries, [2]int{attempt, max})
		assert.Contains(t, msg, "status 500")
	}

	res := newTestPusher(sleeps).Push(context.Background(), map[string]string{"k": "v"}, opts)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Contains(t, res.Error, "boom")
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}}, retries)
	// no sleep after the final attempt
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sleeps.delays)
}

func TestPushSucceedsOnSecondAttempt(t *testing.T) {
	var hits atomic.Int32
	var gotAttempt, gotOrder string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		gotAttempt = r.Header.Get("X-IVXP-Attempt")
		gotOrder = r.Header.Get("X-IVXP-Order-Id")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	onRetry := 0
	opts := DefaultOptions(srv.URL)
	opts.OrderID = "ivxp-1"
	opts.OnRetry = func(int, int, string) { onRetry++ }

	res := newTestPusher(&recordedSleeps{}).Push(context.Background(), map[string]string{"order_id": "ivxp-1"}, opts)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, onRetry)
	assert.Equal(t, "2", gotAttempt)
	assert.Equal(t, "ivxp-1", gotOrder)
	assert.Equal(t, "ivxp-1", gotBody["order_id"])
}

func TestPushRejectsBadConfiguration(t *testing.T) {
	p := newTestPusher(&recordedSleeps{})

	opts := DefaultOptions("https://example.com/cb")
	opts.MaxRetries = 0
	res := p.Push(context.Background(), "x", opts)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Attempts)
	assert.NotEmpty(t, res.Error)

	res = p.Push(context.Background(), "x", DefaultOptions("file:///etc/passwd"))
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Attempts)
}

func TestPushHonorsTimeoutAndCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	opts := DefaultOptions(srv.URL)
	opts.MaxRetries = 2
	opts.Timeout = 20 * time.Millisecond
	res := newTestPusher(&recordedSleeps{}).Push(context.Background(), "x", opts)
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Attempts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(zerolog.Nop())
	res = p.Push(ctx, "x", opts)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.Error, "aborted")
}

func TestShouldAttemptPush(t *testing.T) {
	cases := map[string]bool{
		"https://client.example/cb":   true,
		"http://127.0.0.1:8080/hook":  true,
		"HTTPS://client.example/cb":   true,
		"":                            false,
		"file:///etc/passwd":          false,
		"data:text/plain,hi":          false,
		"ftp://client.example":        false,
		"/relative/path":              false,
		"http://":                     false,
		"http//missing-colon.example": false,
		"://bad":                      false,
	}
	for endpoint, want := range cases {
		assert.Equal(t, want, ShouldAttemptPush(endpoint), endpoint)
	}
}

func TestBackoff(t *testing.T) {
	require.Equal(t, time.Second, Backoff(time.Second, 1, 1))
	require.Equal(t, 4*time.Second, Backoff(time.Second, 3, 1))
	require.Equal(t, 800*time.Millisecond, Backoff(time.Second, 1, 0.8))
	for i := 0; i < 100; i++ {
		j := defaultJitter()
		require.GreaterOrEqual(t, j, 0.8)
		require.LessOrEqual(t, j, 1.2)
	}
}
