// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/chatfunnel/internal/domain"
)

// Repository defines the interface for persisting visitors, funnel progress
// and analytics events.
type Repository interface {
	// GetVisitor retrieves a visitor by id. It returns nil, nil when unknown.
	GetVisitor(ctx context.Context, visitorID string) (*domain.Visitor, error)

	// UpsertVisitor creates a visitor record or refreshes last_seen_at.
	// Consent is only written on insert.
	UpsertVisitor(ctx context.Context, visitor *domain.Visitor) error

	// UpdateLastSeen updates the last_seen_at timestamp for a visitor.
	UpdateLastSeen(ctx context.Context, visitorID string, lastSeen time.Time) error

	// SetConsent stores the visitor's analytics consent decision.
	SetConsent(ctx context.Context, visitorID string, consent domain.Consent) error

	// GetFunnelSession retrieves the progress of one visitor tab.
	GetFunnelSession(ctx context.Context, visitorID, sessionID string) (*domain.FunnelSession, error)

	// UpsertFunnelSession creates or updates the progress of one visitor tab.
	UpsertFunnelSession(ctx context.Context, session *domain.FunnelSession) error

	// CleanupFunnelSessions removes funnel sessions not updated within ttl.
	CleanupFunnelSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// RecordEvent appends an analytics event.
	RecordEvent(ctx context.Context, event *domain.FunnelEvent) error

	// CountEvents returns the number of recorded events per name.
	CountEvents(ctx context.Context) (map[string]int64, error)

	// CleanupEvents removes events older than retention.
	CleanupEvents(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
