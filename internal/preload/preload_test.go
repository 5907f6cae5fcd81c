package preload

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type hitCounter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (h *hitCounter) count(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[path]
}

func newAssetServer(t *testing.T) (*httptest.Server, *hitCounter) {
	t.Helper()
	counter := &hitCounter{hits: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.mu.Lock()
		counter.hits[r.URL.Path]++
		counter.mu.Unlock()
		if r.URL.Path == "/missing.mp3" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("asset-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv, counter
}

type fakeMetrics struct {
	mu        sync.Mutex
	ok        int
	failed    int
	durations int
}

func (m *fakeMetrics) ObservePreload(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.ok++
	} else {
		m.failed++
	}
}

func (m *fakeMetrics) ObservePreloadDuration(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations++
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPreloadAllToleratesFailures(t *testing.T) {
	t.Parallel()

	srv, counter := newAssetServer(t)
	metrics := &fakeMetrics{}
	p := New(srv.Client(), Config{Concurrency: 2, Timeout: 5 * time.Second}, quietLogger(), metrics)

	report := p.PreloadAll(context.Background(), []string{
		srv.URL + "/a.mp3",
		srv.URL + "/missing.mp3",
		srv.URL + "/cover.png",
		"http://127.0.0.1:0/unreachable.png",
	})

	if report.Requested != 4 || report.Fetched != 2 || len(report.Failed) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if counter.count("/a.mp3") != 1 || counter.count("/cover.png") != 1 {
		t.Fatalf("expected each reachable asset fetched once, hits=%v", counter.hits)
	}
	if metrics.ok != 2 || metrics.failed != 2 || metrics.durations != 1 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestPreloadAllDeduplicates(t *testing.T) {
	t.Parallel()

	srv, counter := newAssetServer(t)
	p := New(srv.Client(), Config{}, quietLogger(), nil)

	a := srv.URL + "/a.mp3"
	b := srv.URL + "/b.mp3"

	first := p.PreloadAll(context.Background(), []string{a, a, "", b})
	if first.Fetched != 2 || first.Skipped != 2 {
		t.Fatalf("unexpected first report: %+v", first)
	}
	second := p.PreloadAll(context.Background(), []string{b, a})
	if second.Fetched != 0 || second.Skipped != 2 {
		t.Fatalf("unexpected second report: %+v", second)
	}
	if counter.count("/a.mp3") != 1 || counter.count("/b.mp3") != 1 {
		t.Fatalf("expected one fetch per url, hits=%v", counter.hits)
	}
}

func TestPreloadAllWaitsForInflightFetch(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		_, _ = w.Write([]byte("asset-bytes"))
	}))
	t.Cleanup(srv.Close)

	p := New(srv.Client(), Config{}, quietLogger(), nil)
	url := srv.URL + "/slow.mp3"

	firstDone := make(chan Report, 1)
	go func() { firstDone <- p.PreloadAll(context.Background(), []string{url}) }()
	<-started

	secondDone := make(chan Report, 1)
	go func() { secondDone <- p.PreloadAll(context.Background(), []string{url}) }()

	select {
	case r := <-secondDone:
		close(release)
		<-firstDone
		t.Fatalf("second call returned before the shared fetch resolved: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	first := <-firstDone
	second := <-secondDone
	if first.Fetched != 1 {
		t.Fatalf("unexpected first report: %+v", first)
	}
	if second.Fetched != 0 || second.Skipped != 1 {
		t.Fatalf("unexpected second report: %+v", second)
	}
}

func TestPreloadAllEmpty(t *testing.T) {
	t.Parallel()

	p := New(nil, Config{}, quietLogger(), nil)
	report := p.PreloadAll(context.Background(), nil)
	if report.Requested != 0 || report.Fetched != 0 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report for no urls: %+v", report)
	}
}

func TestReadinessResolvesOnce(t *testing.T) {
	t.Parallel()

	r := NewReadiness()
	if r.Ready() {
		t.Fatal("new gate should be closed")
	}
	r.MarkReady()
	r.MarkReady()
	if !r.Ready() {
		t.Fatal("gate should be open after MarkReady")
	}
	select {
	case <-r.Done():
	default:
		t.Fatal("Done channel not closed")
	}
}

func TestWarmOpensGateDespiteFailures(t *testing.T) {
	t.Parallel()

	srv, _ := newAssetServer(t)
	p := New(srv.Client(), Config{}, quietLogger(), nil)
	r := NewReadiness()

	report := Warm(context.Background(), p, r, []string{srv.URL + "/missing.mp3"}, 10*time.Millisecond)
	if len(report.Failed) != 1 {
		t.Fatalf("expected one failure, got %+v", report)
	}
	if !r.Ready() {
		t.Fatal("gate should open even when assets fail")
	}
}

func TestWarmCancelledLeavesGateClosed(t *testing.T) {
	t.Parallel()

	p := New(nil, Config{}, quietLogger(), nil)
	r := NewReadiness()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Warm(ctx, p, r, nil, time.Hour)
	if r.Ready() {
		t.Fatal("cancelled warm-up should not open the gate")
	}
}
