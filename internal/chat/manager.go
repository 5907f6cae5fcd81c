// Package chat connects browser tabs to their funnel sessions over WebSocket.
package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatfunnel/internal/analytics"
	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/funnel"
)

// SessionStore is the persistence sessions need.
type SessionStore interface {
	analytics.EventRecorder
	UpsertFunnelSession(ctx context.Context, session *domain.FunnelSession) error
}

// Recorder collects session metrics on top of funnel activity.
type Recorder interface {
	funnel.Recorder
	analytics.Metrics
	SetActiveSessions(n int)
}

// ManagerConfig configures how sessions play the funnel.
type ManagerConfig struct {
	Catalog          funnel.Catalog
	Pacing           funnel.Pacing
	GracePeriod      time.Duration
	AudioGateTimeout time.Duration
	IDs              funnel.IDGenerator
	Clock            funnel.Clock
}

// SessionManager owns every live funnel session, keyed by visitor and tab.
type SessionManager struct {
	cfg      ManagerConfig
	repo     SessionStore
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]map[string]*Session
	count    int
}

// NewSessionManager creates a new session manager.
func NewSessionManager(cfg ManagerConfig, repo SessionStore, recorder Recorder, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		cfg:      cfg,
		repo:     repo,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]map[string]*Session),
	}
}

// Get returns the live session for a visitor tab.
func (m *SessionManager) Get(visitorID, sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[visitorID][sessionID]
}

// Attach returns the visitor tab's session, creating it on first use, and
// makes the caller its current connection. A previous connection for the same
// tab is cut off.
func (m *SessionManager) Attach(visitorID, sessionID string, consent domain.Consent) (*Session, *Attachment) {
	m.mu.Lock()
	s := m.sessions[visitorID][sessionID]
	created := false
	if s == nil {
		s = m.newSessionLocked(visitorID, sessionID, consent)
		created = true
	}
	s.touch(m.now())
	m.mu.Unlock()

	if created {
		s.queueProgress(domain.FunnelSession{
			VisitorID: visitorID,
			SessionID: sessionID,
			State:     string(funnel.StateIdle),
		})
		m.logger.Info("Funnel session created", "visitor_id", visitorID, "session_id", sessionID)
	} else {
		m.logger.Info("Funnel session resumed", "visitor_id", visitorID, "session_id", sessionID)
	}
	return s, s.attach()
}

func (m *SessionManager) newSessionLocked(visitorID, sessionID string, consent domain.Consent) *Session {
	logger := m.logger.With("visitor_id", visitorID, "session_id", sessionID)
	var metrics analytics.Metrics
	if m.recorder != nil {
		metrics = m.recorder
	}
	gate := analytics.NewConsentGate(consent, analytics.Fanout{
		analytics.StoreSink{Store: m.repo, VisitorID: visitorID, SessionID: sessionID},
		analytics.LogSink{Logger: m.logger, VisitorID: visitorID, SessionID: sessionID},
	}, metrics)

	s := &Session{
		VisitorID: visitorID,
		SessionID: sessionID,
		gate:      gate,
		logger:    logger,
		progress:  make(chan domain.FunnelSession, 1),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	var recorder funnel.Recorder
	if m.recorder != nil {
		recorder = m.recorder
	}
	s.seq = funnel.New(m.ctx, m.cfg.Catalog, funnel.Options{
		Pacing:           m.cfg.Pacing,
		GracePeriod:      m.cfg.GracePeriod,
		AudioGateTimeout: m.cfg.AudioGateTimeout,
		Clock:            m.cfg.Clock,
		IDs:              m.cfg.IDs,
		Logger:           logger,
		Analytics:        gate,
		Navigator:        s,
		Notifier:         s,
		Recorder:         recorder,
		Observer:         s.observe,
	})
	go s.persistLoop(m.repo)

	if _, ok := m.sessions[visitorID]; !ok {
		m.sessions[visitorID] = make(map[string]*Session)
	}
	m.sessions[visitorID][sessionID] = s
	m.count++
	m.reportLocked()
	return s
}

// Detach ends a connection's attachment. The session stays alive for a
// reconnect until the reaper removes it.
func (m *SessionManager) Detach(s *Session, att *Attachment) {
	if s.detach(att) {
		s.touch(m.now())
		m.logger.Info("Funnel session detached", "visitor_id", s.VisitorID, "session_id", s.SessionID)
	}
}

// SetConsent updates consent on every live session of the visitor.
func (m *SessionManager) SetConsent(visitorID string, consent domain.Consent) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions[visitorID] {
		s.gate.SetConsent(consent)
		n++
	}
	return n
}

// Reap closes detached sessions idle for longer than ttl.
func (m *SessionManager) Reap(ttl time.Duration) int {
	cutoff := m.now().Add(-ttl)
	var expired []*Session

	m.mu.Lock()
	for visitorID, tabs := range m.sessions {
		for sessionID, s := range tabs {
			if s.attached() || s.LastActive().After(cutoff) {
				continue
			}
			expired = append(expired, s)
			delete(tabs, sessionID)
			m.count--
		}
		if len(tabs) == 0 {
			delete(m.sessions, visitorID)
		}
	}
	m.reportLocked()
	m.mu.Unlock()

	for _, s := range expired {
		s.close()
		m.logger.Info("Funnel session reaped", "visitor_id", s.VisitorID, "session_id", s.SessionID)
	}
	return len(expired)
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// CloseAll stops every session. Used on shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	var all []*Session
	for _, tabs := range m.sessions {
		for _, s := range tabs {
			all = append(all, s)
		}
	}
	m.sessions = make(map[string]map[string]*Session)
	m.count = 0
	m.reportLocked()
	m.mu.Unlock()

	m.cancel()
	for _, s := range all {
		s.close()
	}
}

func (m *SessionManager) reportLocked() {
	if m.recorder != nil {
		m.recorder.SetActiveSessions(m.count)
	}
}
