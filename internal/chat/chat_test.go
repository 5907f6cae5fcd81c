package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/chatfunnel/internal/catalog"
	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/funnel"
	"github.com/ashureev/chatfunnel/internal/identity"
	"github.com/ashureev/chatfunnel/internal/preload"
	"github.com/coder/websocket"
)

const testCatalog = `
name: test
bot: {name: Bot}
redirect_url: https://pay.test/checkout
choices: {"yes": "SIM", "no": "NÃO"}
branches:
  welcome:
    - {type: text, text: hello}
    - {type: options}
  "yes":
    - {type: cta, label: Buy}
  "no":
    - {type: text, text: "sure?"}
  main:
    - {type: redirect}
`

type fakeStore struct {
	mu       sync.Mutex
	events   []domain.FunnelEvent
	sessions map[string]domain.FunnelSession
	seen     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]domain.FunnelSession)}
}

func (f *fakeStore) RecordEvent(_ context.Context, e *domain.FunnelEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeStore) UpsertFunnelSession(_ context.Context, s *domain.FunnelSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.VisitorID+":"+s.SessionID] = *s
	return nil
}

func (f *fakeStore) UpdateLastSeen(context.Context, string, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen++
	return nil
}

func (f *fakeStore) CleanupFunnelSessions(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeStore) CleanupEvents(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeStore) eventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, e := range f.events {
		names = append(names, e.Name)
	}
	return names
}

func (f *fakeStore) session(key string) (domain.FunnelSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[key]
	return s, ok
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, repo SessionStore) *SessionManager {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("catalog.Parse failed: %v", err)
	}
	sm := NewSessionManager(ManagerConfig{
		Catalog: cat,
		Pacing:  funnel.Pacing{Mode: funnel.PacingInstant},
	}, repo, nil, quietLogger())
	t.Cleanup(sm.CloseAll)
	return sm
}

func decodeFrame(t *testing.T, data []byte) Frame {
	t.Helper()
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("invalid frame %s: %v", data, err)
	}
	return f
}

// nextFrame waits for the next queued frame on an attachment.
func nextFrame(t *testing.T, att *Attachment) Frame {
	t.Helper()
	select {
	case data := <-att.Frames():
		return decodeFrame(t, data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestAttachSendsFreshSnapshot(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t, newFakeStore())
	s, att := sm.Attach("anon_1", "tab-1", domain.ConsentUnset)

	f := nextFrame(t, att)
	if f.Type != "snapshot" || f.Snapshot == nil || f.Snapshot.State != funnel.StateIdle {
		t.Fatalf("expected idle snapshot first, got %+v", f)
	}
	if sm.Len() != 1 || sm.Get("anon_1", "tab-1") != s {
		t.Fatal("session not registered")
	}
}

func TestReattachReplacesConnection(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t, newFakeStore())
	s1, att1 := sm.Attach("anon_1", "tab-1", domain.ConsentUnset)
	s2, att2 := sm.Attach("anon_1", "tab-1", domain.ConsentUnset)

	if s1 != s2 {
		t.Fatal("reconnect should resume the same session")
	}
	select {
	case <-att1.Done():
	default:
		t.Fatal("previous attachment not cut off")
	}
	if f := nextFrame(t, att2); f.Type != "snapshot" {
		t.Fatalf("expected snapshot on reattach, got %q", f.Type)
	}

	// Detaching the stale attachment must not detach the live one.
	sm.Detach(s1, att1)
	if !s2.attached() {
		t.Fatal("stale detach removed the live attachment")
	}
	if sm.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", sm.Len())
	}
}

func TestReattachDuringPlaybackEndsOnLatestSnapshot(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		sm := newTestManager(t, newFakeStore())
		s, _ := sm.Attach("anon_1", "tab-1", domain.ConsentUnset)

		begun := make(chan error, 1)
		go func() { begun <- s.Sequencer().Begin() }()
		_, att := sm.Attach("anon_1", "tab-1", domain.ConsentUnset)
		if err := <-begun; err != nil {
			t.Fatalf("Begin failed: %v", err)
		}

		deadline := time.Now().Add(2 * time.Second)
		for s.Sequencer().Snapshot().State != funnel.StateWaitingForUser {
			if time.Now().After(deadline) {
				t.Fatal("funnel never reached the options prompt")
			}
			time.Sleep(5 * time.Millisecond)
		}
		want := s.Sequencer().Snapshot()

		var last *funnel.Snapshot
	drain:
		for {
			select {
			case data := <-att.Frames():
				if f := decodeFrame(t, data); f.Type == "snapshot" {
					last = f.Snapshot
				}
			case <-time.After(100 * time.Millisecond):
				break drain
			}
		}
		if last == nil {
			t.Fatal("no snapshot on the new attachment")
		}
		if last.State != want.State || last.Prompt != want.Prompt || len(last.Messages) != len(want.Messages) {
			t.Fatalf("attempt %d: last frame is stale: state=%s prompt=%d messages=%d, want state=%s prompt=%d messages=%d",
				i, last.State, last.Prompt, len(last.Messages), want.State, want.Prompt, len(want.Messages))
		}
	}
}

func TestSetConsentReachesLiveSessions(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t, newFakeStore())
	a, _ := sm.Attach("anon_1", "tab-1", domain.ConsentUnset)
	b, _ := sm.Attach("anon_1", "tab-2", domain.ConsentUnset)
	other, _ := sm.Attach("anon_2", "tab-1", domain.ConsentUnset)

	if n := sm.SetConsent("anon_1", domain.ConsentGranted); n != 2 {
		t.Fatalf("expected 2 sessions updated, got %d", n)
	}
	if a.Consent() != domain.ConsentGranted || b.Consent() != domain.ConsentGranted {
		t.Fatal("consent not applied to visitor sessions")
	}
	if other.Consent() != domain.ConsentUnset {
		t.Fatal("consent leaked to another visitor")
	}
}

func TestReapClosesIdleDetachedSessions(t *testing.T) {
	t.Parallel()

	sm := newTestManager(t, newFakeStore())
	var mu sync.Mutex
	now := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	sm.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	idle, idleAtt := sm.Attach("anon_1", "tab-1", domain.ConsentUnset)
	sm.Attach("anon_1", "tab-2", domain.ConsentUnset)
	sm.Detach(idle, idleAtt)

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	if n := sm.Reap(30 * time.Minute); n != 1 {
		t.Fatalf("expected 1 reaped session, got %d", n)
	}
	if sm.Get("anon_1", "tab-1") != nil {
		t.Fatal("idle session still registered")
	}
	if sm.Get("anon_1", "tab-2") == nil {
		t.Fatal("attached session must survive the reaper")
	}
	if err := idle.Sequencer().Begin(); err == nil {
		t.Fatal("reaped session sequencer should be closed")
	}
}

func TestSessionPersistsProgress(t *testing.T) {
	t.Parallel()

	repo := newFakeStore()
	sm := newTestManager(t, repo)
	s, att := sm.Attach("anon_1", "tab-1", domain.ConsentUnset)
	nextFrame(t, att)

	if err := s.Sequencer().Begin(); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if row, ok := repo.session("anon_1:tab-1"); ok && row.State == string(funnel.StateWaitingForUser) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	row, _ := repo.session("anon_1:tab-1")
	t.Fatalf("progress not persisted, last row %+v", row)
}

// --- WebSocket end to end ---

func newChatServer(t *testing.T, sm *SessionManager, ready Readiness, repo *fakeStore, consent domain.Consent) *httptest.Server {
	t.Helper()
	h := NewWebSocketHandler(sm, ready, repo, HandlerConfig{IsDev: true})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := r.URL.Query().Get("session_id")
		ctx := identity.WithVisitor(r.Context(), "anon_ws", sid, consent)
		h.ServeHTTP(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat?session_id=" + sessionID
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// readUntil reads frames until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Frame) bool) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read failed before expected frame: %v", err)
		}
		if f := decodeFrame(t, data); match(f) {
			return f
		}
	}
}

func waitingFor(kind domain.MessageKind) func(Frame) bool {
	return func(f Frame) bool {
		if f.Type != "snapshot" || f.Snapshot.State != funnel.StateWaitingForUser {
			return false
		}
		msgs := f.Snapshot.Messages
		return len(msgs) > 0 && msgs[len(msgs)-1].Kind == kind
	}
}

func TestWebSocketPlaysFunnelToRedirect(t *testing.T) {
	t.Parallel()

	repo := newFakeStore()
	sm := newTestManager(t, repo)
	srv := newChatServer(t, sm, nil, repo, domain.ConsentGranted)
	conn := dial(t, srv, "tab-1")

	f := readUntil(t, conn, waitingFor(domain.MessageOptions))
	if f.Snapshot.Messages[0].Text != "hello" {
		t.Fatalf("unexpected welcome: %+v", f.Snapshot.Messages)
	}

	send(t, conn, map[string]string{"type": "ping"})
	readUntil(t, conn, func(f Frame) bool { return f.Type == "pong" })

	send(t, conn, map[string]string{"type": "option", "choice": "yes"})
	readUntil(t, conn, waitingFor(domain.MessageCallToAction))

	send(t, conn, map[string]string{"type": "cta"})
	nav := readUntil(t, conn, func(f Frame) bool { return f.Type == "navigate" })
	if nav.URL != "https://pay.test/checkout" {
		t.Fatalf("unexpected redirect %q", nav.URL)
	}

	names := strings.Join(repo.eventNames(), ",")
	if names != "ViewContent,Lead" {
		t.Fatalf("expected ViewContent then Lead recorded, got %q", names)
	}
}

func TestWebSocketRejectsBadMessagesWithoutClosing(t *testing.T) {
	t.Parallel()

	repo := newFakeStore()
	sm := newTestManager(t, repo)
	srv := newChatServer(t, sm, nil, repo, domain.ConsentUnset)
	conn := dial(t, srv, "tab-bad")
	readUntil(t, conn, waitingFor(domain.MessageOptions))

	send(t, conn, map[string]string{"type": "option", "choice": "maybe"})
	f := readUntil(t, conn, func(f Frame) bool { return f.Type == "error" })
	if f.Error != "invalid_choice" {
		t.Fatalf("expected invalid_choice, got %q", f.Error)
	}

	send(t, conn, map[string]string{"type": "teleport"})
	f = readUntil(t, conn, func(f Frame) bool { return f.Type == "error" })
	if f.Error != "unknown_type" {
		t.Fatalf("expected unknown_type, got %q", f.Error)
	}

	// A CTA click with no CTA showing is ignored, and the connection stays usable.
	send(t, conn, map[string]string{"type": "cta"})
	send(t, conn, map[string]string{"type": "ping"})
	readUntil(t, conn, func(f Frame) bool { return f.Type == "pong" })

	if got := repo.eventNames(); len(got) != 0 {
		t.Fatalf("events recorded without consent: %v", got)
	}
}

func TestWebSocketShowsLoadingUntilReady(t *testing.T) {
	t.Parallel()

	repo := newFakeStore()
	sm := newTestManager(t, repo)
	ready := preload.NewReadiness()
	srv := newChatServer(t, sm, ready, repo, domain.ConsentUnset)
	conn := dial(t, srv, "tab-load")

	readUntil(t, conn, func(f Frame) bool { return f.Type == "loading" })
	if sm.Len() != 0 {
		t.Fatal("session created before assets were ready")
	}

	ready.MarkReady()
	readUntil(t, conn, waitingFor(domain.MessageOptions))
}

func TestWebSocketReconnectResumes(t *testing.T) {
	t.Parallel()

	repo := newFakeStore()
	sm := newTestManager(t, repo)
	srv := newChatServer(t, sm, nil, repo, domain.ConsentUnset)

	first := dial(t, srv, "tab-r")
	readUntil(t, first, waitingFor(domain.MessageOptions))
	send(t, first, map[string]string{"type": "option", "choice": "no"})
	readUntil(t, first, func(f Frame) bool {
		return f.Type == "snapshot" && f.Snapshot.Started
	})
	_ = first.Close(websocket.StatusNormalClosure, "reload")

	second := dial(t, srv, "tab-r")
	f := readUntil(t, second, func(f Frame) bool { return f.Type == "snapshot" })
	if !f.Snapshot.Started || f.Snapshot.Branch != domain.ChoiceNo {
		t.Fatalf("expected resumed session on the no branch, got %+v", f.Snapshot)
	}
	if sm.Len() != 1 {
		t.Fatalf("expected a single session, got %d", sm.Len())
	}
}
