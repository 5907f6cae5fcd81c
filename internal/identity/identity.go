// Package identity provides anonymous per-device visitor identity and the
// consent cookie.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/chatfunnel/internal/domain"
)

const (
	VisitorCookieName     = "funnel_visitor_id"
	ConsentCookieName     = "funnel_consent"
	SessionHeaderName     = "X-Funnel-Session-ID"
	DefaultSessionIDValue = "default"
	visitorCookieMaxAge   = 180 * 24 * time.Hour
)

type contextKey int

const (
	visitorIDKey contextKey = iota
	sessionIDKey
	consentKey
)

var (
	visitorIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// VisitorStore is the persistence the middleware needs.
type VisitorStore interface {
	GetVisitor(ctx context.Context, visitorID string) (*domain.Visitor, error)
	UpsertVisitor(ctx context.Context, visitor *domain.Visitor) error
	SetConsent(ctx context.Context, visitorID string, consent domain.Consent) error
}

// VisitorIDFromContext extracts the visitor ID from the request context.
func VisitorIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(visitorIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// ConsentFromContext returns the visitor's consent as of the start of the request.
func ConsentFromContext(ctx context.Context) domain.Consent {
	if v, ok := ctx.Value(consentKey).(domain.Consent); ok {
		return v
	}
	return domain.ConsentUnset
}

// WithVisitor returns a context carrying the given identity. Tests use it to
// bypass the middleware.
func WithVisitor(ctx context.Context, visitorID, sessionID string, consent domain.Consent) context.Context {
	ctx = context.WithValue(ctx, visitorIDKey, visitorID)
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	return context.WithValue(ctx, consentKey, consent)
}

func generateVisitorID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate visitor id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidVisitorID(id string) bool {
	return visitorIDPattern.MatchString(id)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

// ensureVisitor returns the stored consent, creating the visitor on first
// sight. A consent cookie fills in a missing stored decision.
func ensureVisitor(ctx context.Context, repo VisitorStore, visitorID string, cookieConsent domain.Consent) (domain.Consent, error) {
	v, err := repo.GetVisitor(ctx, visitorID)
	if err != nil {
		return domain.ConsentUnset, err
	}
	if v == nil {
		now := time.Now()
		v = &domain.Visitor{
			VisitorID:  visitorID,
			Consent:    cookieConsent,
			LastSeenAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := repo.UpsertVisitor(ctx, v); err != nil {
			return domain.ConsentUnset, err
		}
		return v.Consent, nil
	}
	if v.Consent == domain.ConsentUnset && cookieConsent != domain.ConsentUnset {
		if err := repo.SetConsent(ctx, visitorID, cookieConsent); err != nil {
			return domain.ConsentUnset, err
		}
		return cookieConsent, nil
	}
	return v.Consent, nil
}

func setCookie(w http.ResponseWriter, name, value string, httpOnly, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(visitorCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(visitorCookieMaxAge),
		HttpOnly: httpOnly,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateVisitorID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(VisitorCookieName); err == nil && isValidVisitorID(c.Value) {
		setCookie(w, VisitorCookieName, c.Value, true, isDev)
		return c.Value, nil
	}

	id, err := generateVisitorID()
	if err != nil {
		return "", err
	}
	setCookie(w, VisitorCookieName, id, true, isDev)
	return id, nil
}

func consentFromCookie(r *http.Request) domain.Consent {
	c, err := r.Cookie(ConsentCookieName)
	if err != nil {
		return domain.ConsentUnset
	}
	consent, err := domain.ParseConsent(c.Value)
	if err != nil {
		return domain.ConsentUnset
	}
	return consent
}

// SetConsentCookie mirrors the consent decision to the browser. The page
// reads it to decide whether to show the banner.
func SetConsentCookie(w http.ResponseWriter, consent domain.Consent, isDev bool) {
	setCookie(w, ConsentCookieName, string(consent), false, isDev)
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return sanitizeSessionID(sid)
}

// Middleware injects the anonymous visitor identity, its consent and the
// per-tab session ID.
func Middleware(repo VisitorStore, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			visitorID, err := getOrCreateVisitorID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish visitor identity"}`, http.StatusInternalServerError)
				return
			}

			consent, err := ensureVisitor(r.Context(), repo, visitorID, consentFromCookie(r))
			if err != nil {
				slog.Error("Failed to initialize visitor", "visitor_id", visitorID, "error", err)
				http.Error(w, `{"error":"failed to initialize visitor"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithVisitor(r.Context(), visitorID, sessionIDFromRequest(r), consent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
