// Package analytics forwards funnel events to consent-gated sinks.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/funnel"
)

// Metrics receives the forwarding decision for every event.
type Metrics interface {
	ObserveAnalytics(event string, forwarded bool)
}

// EventRecorder persists analytics events.
type EventRecorder interface {
	RecordEvent(ctx context.Context, event *domain.FunnelEvent) error
}

// ConsentGate forwards events only while consent is granted. Consent can
// change while the session is live.
type ConsentGate struct {
	next    funnel.Analytics
	metrics Metrics
	consent atomic.Value
}

// NewConsentGate wraps next with the visitor's initial consent.
func NewConsentGate(initial domain.Consent, next funnel.Analytics, metrics Metrics) *ConsentGate {
	g := &ConsentGate{next: next, metrics: metrics}
	g.consent.Store(initial)
	return g
}

// SetConsent applies a new decision to later events.
func (g *ConsentGate) SetConsent(c domain.Consent) {
	g.consent.Store(c)
}

// Consent returns the current decision.
func (g *ConsentGate) Consent() domain.Consent {
	return g.consent.Load().(domain.Consent)
}

// Track forwards event when consent is granted and always reports it to metrics.
func (g *ConsentGate) Track(ctx context.Context, event funnel.Event) error {
	forwarded := g.Consent().Granted() && g.next != nil
	if g.metrics != nil {
		g.metrics.ObserveAnalytics(string(event), forwarded)
	}
	if !forwarded {
		return nil
	}
	return g.next.Track(ctx, event)
}

// Fanout sends every event to all sinks and joins their errors.
type Fanout []funnel.Analytics

// Track implements funnel.Analytics.
func (f Fanout) Track(ctx context.Context, event funnel.Event) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Track(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StoreSink records events for one visitor tab.
type StoreSink struct {
	Store     EventRecorder
	VisitorID string
	SessionID string
	Now       func() time.Time
}

// Track records the event for the sink's visitor tab.
func (s StoreSink) Track(ctx context.Context, event funnel.Event) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	err := s.Store.RecordEvent(ctx, &domain.FunnelEvent{
		VisitorID: s.VisitorID,
		SessionID: s.SessionID,
		Name:      string(event),
		CreatedAt: now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record %s event: %w", event, err)
	}
	return nil
}

// LogSink writes events as structured log lines.
type LogSink struct {
	Logger    *slog.Logger
	VisitorID string
	SessionID string
}

// Track logs the event.
func (s LogSink) Track(ctx context.Context, event funnel.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "Analytics event",
		"event", event,
		"visitor_id", s.VisitorID,
		"session_id", s.SessionID)
	return nil
}
