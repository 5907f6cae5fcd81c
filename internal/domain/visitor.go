package domain

import (
	"fmt"
	"time"
)

// Consent is the visitor's analytics cookie decision.
type Consent string

const (
	ConsentUnset   Consent = ""
	ConsentGranted Consent = "granted"
	ConsentDenied  Consent = "denied"
)

// ParseConsent validates a stored or submitted consent value.
func ParseConsent(s string) (Consent, error) {
	switch Consent(s) {
	case ConsentUnset, ConsentGranted, ConsentDenied:
		return Consent(s), nil
	default:
		return ConsentUnset, fmt.Errorf("unknown consent %q", s)
	}
}

// Granted returns true if analytics may be forwarded.
func (c Consent) Granted() bool {
	return c == ConsentGranted
}

// Visitor is an anonymous per-device identity.
type Visitor struct {
	VisitorID  string    `json:"visitor_id"`
	Consent    Consent   `json:"consent"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FunnelSession is the persisted progress of one visitor tab through the funnel.
type FunnelSession struct {
	ID        string
	VisitorID string
	SessionID string
	Branch    Branch
	State     string
	Cursor    int
	Started   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FunnelEvent is a recorded analytics event.
type FunnelEvent struct {
	VisitorID string
	SessionID string
	Name      string
	CreatedAt time.Time
}
