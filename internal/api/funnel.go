package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/chatfunnel/internal/analytics"
	"github.com/ashureev/chatfunnel/internal/catalog"
	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/funnel"
	"github.com/ashureev/chatfunnel/internal/identity"
	"github.com/go-chi/chi/v5"
)

// ConsentUpdater applies a consent decision to live sessions.
type ConsentUpdater interface {
	SetConsent(visitorID string, consent domain.Consent) int
	Len() int
}

// ReadyChecker reports whether funnel assets are warm.
type ReadyChecker interface {
	Ready() bool
}

// FunnelHandler handles visitor, consent and funnel endpoints.
type FunnelHandler struct {
	*Handler
	catalog  *catalog.Catalog
	sessions ConsentUpdater
	ready    ReadyChecker
	metrics  analytics.Metrics
	logger   *slog.Logger
}

// NewFunnelHandler creates a new funnel handler.
func NewFunnelHandler(base *Handler, cat *catalog.Catalog, sessions ConsentUpdater, ready ReadyChecker, metrics analytics.Metrics) *FunnelHandler {
	return &FunnelHandler{
		Handler:  base,
		catalog:  cat,
		sessions: sessions,
		ready:    ready,
		metrics:  metrics,
		logger:   slog.Default(),
	}
}

// RegisterRoutes registers funnel routes.
func (h *FunnelHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Post("/consent", h.SetConsent)
		r.Get("/funnel", h.GetFunnel)
		r.Get("/ready", h.GetReady)
		r.Get("/stats", h.GetStats)
	})
}

// GetMe returns the current visitor's identity and consent.
func (h *FunnelHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if visitorID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	visitor, err := h.repo.GetVisitor(r.Context(), visitorID)
	if err != nil || visitor == nil {
		Error(w, http.StatusUnauthorized, "visitor not found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"visitor_id": visitor.VisitorID,
		"session_id": identity.SessionIDFromContext(r.Context()),
		"consent":    visitor.Consent,
	})
}

type consentRequest struct {
	Granted *bool `json:"granted"`
}

// SetConsent stores the visitor's cookie decision. Accepting forwards PageView.
func (h *FunnelHandler) SetConsent(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if visitorID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req consentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil || req.Granted == nil {
		Error(w, http.StatusBadRequest, "granted must be a boolean")
		return
	}

	consent := domain.ConsentDenied
	if *req.Granted {
		consent = domain.ConsentGranted
	}

	if err := h.repo.SetConsent(r.Context(), visitorID, consent); err != nil {
		slog.Error("Failed to store consent", "error", err, "visitor_id", visitorID)
		Error(w, http.StatusInternalServerError, "failed to store consent")
		return
	}
	identity.SetConsentCookie(w, consent, h.isDev)

	updated := 0
	if h.sessions != nil {
		updated = h.sessions.SetConsent(visitorID, consent)
	}
	slog.Info("Consent updated", "visitor_id", visitorID, "consent", consent, "live_sessions", updated)

	if consent.Granted() {
		sessionID := identity.SessionIDFromContext(r.Context())
		gate := analytics.NewConsentGate(consent, analytics.Fanout{
			analytics.StoreSink{Store: h.repo, VisitorID: visitorID, SessionID: sessionID},
			analytics.LogSink{Logger: h.logger, VisitorID: visitorID, SessionID: sessionID},
		}, h.metrics)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()
		if err := gate.Track(ctx, funnel.EventPageView); err != nil {
			slog.Warn("Failed to record page view", "error", err, "visitor_id", visitorID)
		}
	}

	JSON(w, http.StatusOK, map[string]interface{}{"consent": consent})
}

// GetFunnel returns what the page needs before the chat starts.
func (h *FunnelHandler) GetFunnel(w http.ResponseWriter, _ *http.Request) {
	c := h.catalog
	JSON(w, http.StatusOK, map[string]interface{}{
		"name":               c.Name,
		"bot":                map[string]string{"name": c.Bot.Name, "avatar": c.Bot.Avatar},
		"notification_audio": c.NotificationAudio,
		"choices":            map[string]string{"yes": c.Choices.Yes, "no": c.Choices.No},
		"assets":             c.AssetURLs(),
	})
}

// GetReady reports 200 once funnel assets are warm, 503 before.
func (h *FunnelHandler) GetReady(w http.ResponseWriter, _ *http.Request) {
	if h.ready != nil && !h.ready.Ready() {
		JSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"ready": true})
}

// GetStats returns recorded analytics event counts.
func (h *FunnelHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.repo.CountEvents(r.Context())
	if err != nil {
		slog.Error("Failed to count events", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	live := 0
	if h.sessions != nil {
		live = h.sessions.Len()
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"events":        counts,
		"live_sessions": live,
	})
}
