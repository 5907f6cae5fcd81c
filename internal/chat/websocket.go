package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/identity"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const writeTimeout = 10 * time.Second

// Readiness reports whether funnel assets are warm.
type Readiness interface {
	Done() <-chan struct{}
}

// LastSeenUpdater records visitor activity.
type LastSeenUpdater interface {
	UpdateLastSeen(ctx context.Context, visitorID string, lastSeen time.Time) error
}

// HandlerConfig configures a WebSocketHandler.
type HandlerConfig struct {
	AllowedOrigin string
	IsDev         bool
	RateLimit     rate.Limit
	RateBurst     int
}

// WebSocketHandler serves /ws/chat.
type WebSocketHandler struct {
	sm       *SessionManager
	ready    Readiness
	lastSeen LastSeenUpdater
	cfg      HandlerConfig
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(sm *SessionManager, ready Readiness, lastSeen LastSeenUpdater, cfg HandlerConfig) *WebSocketHandler {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	return &WebSocketHandler{sm: sm, ready: ready, lastSeen: lastSeen, cfg: cfg}
}

// inbound is a client-to-server message.
type inbound struct {
	Type      string `json:"type"`
	Choice    string `json:"choice,omitempty"`
	MessageID int64  `json:"message_id,omitempty,string"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "visitor_id", visitorID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "visitor_id", visitorID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "visitor_id", visitorID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if !h.waitReady(ctx, ws) {
		return
	}

	s, att := h.sm.Attach(visitorID, sessionID, identity.ConsentFromContext(r.Context()))
	defer h.sm.Detach(s, att)

	if err := s.Sequencer().Begin(); err != nil {
		slog.Warn("Failed to begin funnel", "error", err, "visitor_id", visitorID)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		h.writeLoop(ctx, ws, att)
	}()

	h.readLoop(ctx, ws, s)
	cancel()
	<-done
	slog.Info("Chat connection ended", "visitor_id", visitorID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "*" || origin == h.cfg.AllowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

// waitReady keeps the page on its loading screen until assets are warm.
func (h *WebSocketHandler) waitReady(ctx context.Context, ws *websocket.Conn) bool {
	if h.ready == nil {
		return true
	}
	select {
	case <-h.ready.Done():
		return true
	default:
	}
	if err := writeFrame(ctx, ws, Frame{Type: "loading"}); err != nil {
		return false
	}
	select {
	case <-h.ready.Done():
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *WebSocketHandler) writeLoop(ctx context.Context, ws *websocket.Conn, att *Attachment) {
	for {
		select {
		case data := <-att.Frames():
			if err := writeRaw(ctx, ws, data); err != nil {
				if ctx.Err() == nil {
					slog.Debug("WebSocket write error", "error", err)
				}
				return
			}
		case <-att.Done():
			// Flush what was queued before the cut-off, then close.
			for {
				select {
				case data := <-att.Frames():
					if writeRaw(ctx, ws, data) != nil {
						return
					}
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, s *Session) {
	limiter := rate.NewLimiter(h.cfg.RateLimit, h.cfg.RateBurst)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed", "visitor_id", s.VisitorID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "visitor_id", s.VisitorID)
			}
			return
		}

		if !limiter.Allow() {
			s.send(Frame{Type: "error", Error: "rate_limited"})
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.send(Frame{Type: "error", Error: "invalid_message"})
			continue
		}
		h.dispatch(s, msg)
		s.touch(time.Now())

		if msg.Type != "ping" && h.lastSeen != nil {
			go func() {
				updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := h.lastSeen.UpdateLastSeen(updateCtx, s.VisitorID, time.Now()); err != nil {
					slog.Warn("Failed to update last seen", "error", err)
				}
			}()
		}
	}
}

// dispatch applies one client event. Stale events are dropped silently.
func (h *WebSocketHandler) dispatch(s *Session, msg inbound) {
	seq := s.Sequencer()
	switch msg.Type {
	case "option":
		choice, err := domain.ParseChoice(msg.Choice)
		if err != nil {
			s.send(Frame{Type: "error", Error: "invalid_choice"})
			return
		}
		if err := seq.Start(choice); err != nil {
			slog.Debug("Ignoring option", "error", err, "visitor_id", s.VisitorID)
		}
	case "cta":
		if err := seq.CTAClicked(); err != nil {
			slog.Debug("Ignoring CTA click", "error", err, "visitor_id", s.VisitorID)
		}
	case "audio_ended":
		if !seq.AudioEnded(msg.MessageID) {
			slog.Debug("Audio ended did not advance", "message_id", msg.MessageID, "visitor_id", s.VisitorID)
		}
	case "audio_play":
		seq.AudioPlaying(msg.MessageID)
	case "ping":
		s.send(Frame{Type: "pong"})
	default:
		s.send(Frame{Type: "error", Error: "unknown_type"})
	}
}

func writeFrame(ctx context.Context, ws *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return writeRaw(ctx, ws, data)
}

func writeRaw(ctx context.Context, ws *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
