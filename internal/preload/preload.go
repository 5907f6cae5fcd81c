// Package preload warms funnel assets before the chat opens.
package preload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Metrics receives preload outcomes.
type Metrics interface {
	ObservePreload(ok bool)
	ObservePreloadDuration(seconds float64)
}

// Config controls fetch concurrency and per-asset timeouts.
type Config struct {
	Concurrency int
	Timeout     time.Duration
}

// Report summarizes one PreloadAll call.
type Report struct {
	Requested int
	Fetched   int
	Failed    []string
	Skipped   int
}

// Preloader fetches each asset URL at most once over its lifetime.
type Preloader struct {
	client  *http.Client
	cfg     Config
	logger  *slog.Logger
	metrics Metrics

	mu sync.Mutex
	// seen maps each claimed url to a channel closed once its fetch resolves.
	seen map[string]chan struct{}
}

// New creates a Preloader. A nil client uses http.DefaultClient.
func New(client *http.Client, cfg Config, logger *slog.Logger, metrics Metrics) *Preloader {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Preloader{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		seen:    make(map[string]chan struct{}),
	}
}

// PreloadAll fetches every url not fetched before. Urls already claimed by
// another call are skipped but still waited on, so the call returns only
// once every requested asset has resolved or ctx is done. Individual
// failures are logged and reported; they never fail the call.
func (p *Preloader) PreloadAll(ctx context.Context, urls []string) Report {
	start := time.Now()
	report := Report{Requested: len(urls)}

	todo, inflight := p.claim(urls)
	report.Skipped = len(urls) - len(todo)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, url := range todo {
		done := p.doneChan(url)
		g.Go(func() error {
			defer close(done)
			err := p.fetch(gctx, url)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("Failed to preload asset", "url", url, "error", err)
				report.Failed = append(report.Failed, url)
			} else {
				report.Fetched++
			}
			p.observe(err == nil)
			return nil
		})
	}
	_ = g.Wait()

	for _, done := range inflight {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	if p.metrics != nil {
		p.metrics.ObservePreloadDuration(time.Since(start).Seconds())
	}
	p.logger.Info("Asset preload finished",
		"requested", report.Requested,
		"fetched", report.Fetched,
		"failed", len(report.Failed),
		"skipped", report.Skipped,
		"duration", time.Since(start))
	return report
}

// claim marks urls as seen and returns those not seen before, in order,
// plus the completion channels of urls claimed by earlier calls.
func (p *Preloader) claim(urls []string) (todo []string, inflight []chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	todo = make([]string, 0, len(urls))
	mine := make(map[string]struct{}, len(urls))
	for _, url := range urls {
		if url == "" {
			continue
		}
		if done, ok := p.seen[url]; ok {
			if _, dup := mine[url]; !dup {
				inflight = append(inflight, done)
			}
			continue
		}
		p.seen[url] = make(chan struct{})
		mine[url] = struct{}{}
		todo = append(todo, url)
	}
	return todo, inflight
}

func (p *Preloader) doneChan(url string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[url]
}

func (p *Preloader) fetch(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (p *Preloader) observe(ok bool) {
	if p.metrics != nil {
		p.metrics.ObservePreload(ok)
	}
}
