// Package dispatch sends upstream requests with credential rotation and
// failover. Each call gets at most one attempt per live key; keys that the
// upstream reports as revoked are blacklisted before the next attempt.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gemigate/internal/keypool"
)

// DefaultTimeout bounds a single attempt until response headers arrive.
// Once headers are in, the stream may run as long as the caller's context
// allows.
const DefaultTimeout = 45 * time.Second

// maxErrorBody caps how much of an upstream error body is retained for
// classification and reporting.
const maxErrorBody = 32 << 10

// ExhaustedError is returned when every key has been tried without success.
type ExhaustedError struct {
	Attempts   int
	LastStatus int
	LastBody   []byte
	LastErr    error
}

func (e *ExhaustedError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("all %d upstream attempts failed: %v", e.Attempts, e.LastErr)
	}
	if e.LastStatus > 0 {
		return fmt.Sprintf("all %d upstream attempts failed, last status %d", e.Attempts, e.LastStatus)
	}
	return "no credentials available"
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Config carries the dispatcher's dependencies. Zero fields get defaults.
type Config struct {
	Client   *http.Client
	Store    keypool.Store
	Selector *keypool.Selector
	Timeout  time.Duration
	Logger   *zap.Logger

	// OnAttempt is called after every attempt with "success", "revoked" or
	// "retry". OnRevoked is called when a key is blacklisted.
	OnAttempt func(outcome string)
	OnRevoked func()
}

// Dispatcher issues upstream calls across a credential pool.
type Dispatcher struct {
	client    *http.Client
	store     keypool.Store
	selector  *keypool.Selector
	timeout   time.Duration
	logger    *zap.Logger
	onAttempt func(outcome string)
	onRevoked func()
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		client:    cfg.Client,
		store:     cfg.Store,
		selector:  cfg.Selector,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		onAttempt: cfg.OnAttempt,
		onRevoked: cfg.OnRevoked,
	}
	if d.client == nil {
		d.client = &http.Client{Transport: defaultTransport()}
	}
	if d.selector == nil {
		d.selector = keypool.NewSelector(0, nil)
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.onAttempt == nil {
		d.onAttempt = func(string) {}
	}
	if d.onRevoked == nil {
		d.onRevoked = func() {}
	}
	return d
}

func defaultTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Do tries the request against the pool until one attempt succeeds or every
// key has been used once. Attempts rotate through the not-yet-tried keys via
// the time-window selector; failed attempts move on immediately with no
// backoff. On success the caller owns resp.Body.
func (d *Dispatcher) Do(ctx context.Context, method, url string, body []byte, keys []string) (*http.Response, error) {
	if len(keys) == 0 {
		return nil, &ExhaustedError{}
	}

	// Duplicate keys buy no extra attempts; one try per distinct key.
	seen := make(map[string]struct{}, len(keys))
	remaining := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		remaining = append(remaining, k)
	}

	exhausted := &ExhaustedError{Attempts: len(remaining)}
	for attempt := 1; len(remaining) > 0; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		key := d.selector.Pick(remaining)
		remaining = drop(remaining, key)

		resp, err := d.attempt(ctx, method, url, body, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.logger.Warn("upstream attempt failed",
				zap.Int("attempt", attempt),
				zap.String("key", keypool.Mask(key)),
				zap.Error(err))
			d.onAttempt("retry")
			exhausted.LastErr = err
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			d.onAttempt("success")
			return resp, nil
		}

		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		exhausted.LastStatus = resp.StatusCode
		exhausted.LastBody = errBody
		exhausted.LastErr = nil

		if classify(resp.StatusCode, errBody) == outcomeRevoked {
			d.logger.Warn("upstream rejected key as revoked",
				zap.Int("attempt", attempt),
				zap.Int("status", resp.StatusCode),
				zap.String("key", keypool.Mask(key)))
			if err := d.store.MarkRevoked(ctx, key, truncateReason(errBody)); err != nil {
				d.logger.Error("failed to blacklist key",
					zap.String("key", keypool.Mask(key)),
					zap.Error(err))
			}
			d.onRevoked()
			d.onAttempt("revoked")
			continue
		}

		d.logger.Warn("upstream attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("status", resp.StatusCode),
			zap.String("key", keypool.Mask(key)))
		d.onAttempt("retry")
	}
	return nil, exhausted
}

// attempt performs one upstream call with a headers deadline. The deadline is
// released as soon as headers arrive so long-running streams are not cut off
// mid-body; the response body stays readable until the parent context ends.
func (d *Dispatcher) attempt(ctx context.Context, method, url string, body []byte, key string) (*http.Response, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(d.timeout, cancel)

	req, err := http.NewRequestWithContext(attemptCtx, method, url, bytes.NewReader(body))
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", key)

	resp, err := d.client.Do(req)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	timer.Stop()
	context.AfterFunc(ctx, cancel)
	return resp, nil
}

func drop(keys []string, key string) []string {
	for i, k := range keys {
		if k == key {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

func truncateReason(body []byte) string {
	const max = 512
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
