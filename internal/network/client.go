package network

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/settlement-experiment/offchain/config"
)

// NewHTTPClient creates an HTTP client with optional latency simulation.
// When cfg.DelayEnabled is set, every request sleeps a random duration in
// [MinDelayMs, MaxDelayMs] before hitting the wire, which lets tests and
// experiments exercise the fallback chain under realistic source latency.
func NewHTTPClient(cfg config.NetworkConfig, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport
	if cfg.DelayEnabled {
		transport = &latencyTransport{
			base: http.DefaultTransport,
			min:  time.Duration(cfg.MinDelayMs) * time.Millisecond,
			max:  time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// latencyTransport wraps an http.RoundTripper with a randomized delay.
// Delays come from the global rand source, which is safe for the
// concurrent RoundTrip calls a shared client sees.
type latencyTransport struct {
	base http.RoundTripper
	min  time.Duration
	max  time.Duration
}

func (t *latencyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if d := t.delay(); d > 0 {
		select {
		case <-time.After(d):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	return t.base.RoundTrip(req)
}

func (t *latencyTransport) delay() time.Duration {
	if t.max > t.min {
		return t.min + time.Duration(rand.Int63n(int64(t.max-t.min)))
	}
	return t.min
}
