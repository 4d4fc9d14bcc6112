// Package collyfetcher implements harvest.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/jurisq/lexharvester/internal/harvest"
	"github.com/jurisq/lexharvester/internal/metrics"
)

// Config controls collector and retry behavior.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// Delay is the minimum interval between any two requests to the site.
	Delay time.Duration
}

// Fetcher implements harvest.Fetcher using the Colly collector with
// retry-with-backoff for transient failures. 4xx responses (except 429)
// are permanent and never retried.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	backoff       *backoffPolicy
	logger        *zap.Logger

	mu          sync.Mutex
	lastRequest time.Time
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		backoff:       newBackoffPolicy(cfg.BackoffInitial, cfg.BackoffMax),
		logger:        logger,
	}
}

// Fetch executes a single HTTP GET, retrying transient failures with
// jittered exponential backoff up to MaxRetries.
func (f *Fetcher) Fetch(ctx context.Context, url string) (harvest.FetchResponse, error) {
	var lastErr error
	attempts := f.cfg.MaxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if err := f.politenessWait(ctx, url); err != nil {
			return harvest.FetchResponse{}, err
		}

		resp, status, err := f.attempt(ctx, url)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return harvest.FetchResponse{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
		}
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return harvest.FetchResponse{}, &harvest.PermanentFetchError{URL: url, StatusCode: status}
		}

		lastErr = err
		f.logger.Warn("fetch attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Int("status", status),
			zap.Error(err),
		)
		if attempt < attempts-1 {
			if err := pause(ctx, f.backoff.delay(attempt)); err != nil {
				return harvest.FetchResponse{}, err
			}
		}
	}

	return harvest.FetchResponse{}, &harvest.TransientFetchError{URL: url, Attempts: attempts, Err: lastErr}
}

func (f *Fetcher) attempt(ctx context.Context, url string) (harvest.FetchResponse, int, error) {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		result   harvest.FetchResponse
		status   int
		fetchErr error
	)
	start := time.Now()

	collector.OnResponse(func(r *colly.Response) {
		result = harvest.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return harvest.FetchResponse{}, 0, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			if fetchErr != nil {
				err = fetchErr
			}
			return harvest.FetchResponse{}, status, fmt.Errorf("colly visit failed: %w", err)
		}
		if fetchErr != nil {
			return harvest.FetchResponse{}, status, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		return result, result.StatusCode, nil
	}
}

// politenessWait enforces the minimum inter-request delay.
func (f *Fetcher) politenessWait(ctx context.Context, url string) error {
	if f.cfg.Delay <= 0 {
		return nil
	}
	f.mu.Lock()
	wait := f.cfg.Delay - time.Since(f.lastRequest)
	f.lastRequest = time.Now().Add(maxDuration(wait, 0))
	f.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	metrics.ObserveRateLimitDelay(metrics.SanitizeSite(url), wait)
	return pause(ctx, wait)
}

func pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// IsRetryable reports whether err looks like a transient network failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
