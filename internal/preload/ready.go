package preload

import (
	"context"
	"sync"
	"time"
)

// Readiness is a one-shot gate that opens once assets are warm.
type Readiness struct {
	once sync.Once
	done chan struct{}
}

// NewReadiness returns a gate that has not opened yet.
func NewReadiness() *Readiness {
	return &Readiness{done: make(chan struct{})}
}

// MarkReady opens the gate. Later calls have no effect.
func (r *Readiness) MarkReady() {
	r.once.Do(func() { close(r.done) })
}

// Done is closed when the gate opens.
func (r *Readiness) Done() <-chan struct{} {
	return r.done
}

// Ready reports whether the gate has opened.
func (r *Readiness) Ready() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Warm preloads urls, waits the settle delay and opens the gate. The gate
// opens even when assets fail. It returns early if ctx is cancelled, leaving
// the gate closed.
func Warm(ctx context.Context, p *Preloader, r *Readiness, urls []string, settle time.Duration) Report {
	report := p.PreloadAll(ctx, urls)
	if settle > 0 {
		t := time.NewTimer(settle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return report
		case <-t.C:
		}
	}
	if ctx.Err() != nil {
		return report
	}
	r.MarkReady()
	return report
}
