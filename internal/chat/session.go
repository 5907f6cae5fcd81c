package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/chatfunnel/internal/analytics"
	"github.com/ashureev/chatfunnel/internal/domain"
	"github.com/ashureev/chatfunnel/internal/funnel"
)

const outboxSize = 64

var (
	_ funnel.Navigator = (*Session)(nil)
	_ funnel.Notifier  = (*Session)(nil)
)

// Frame is a server-to-client message.
type Frame struct {
	Type     string           `json:"type"`
	Snapshot *funnel.Snapshot `json:"snapshot,omitempty"`
	URL      string           `json:"url,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Attachment is one live connection's view of a session. Frames queue in a
// bounded outbox; a consumer that falls behind is cut off and must reconnect.
type Attachment struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newAttachment() *Attachment {
	return &Attachment{
		frames: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
}

// Frames yields encoded frames in send order.
func (a *Attachment) Frames() <-chan []byte { return a.frames }

// Done is closed when the attachment is detached or overflows.
func (a *Attachment) Done() <-chan struct{} { return a.done }

func (a *Attachment) close() {
	a.once.Do(func() { close(a.done) })
}

func (a *Attachment) send(data []byte) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.frames <- data:
		return true
	default:
		a.close()
		return false
	}
}

// Session is one visitor tab's funnel playback plus its current connection.
type Session struct {
	VisitorID string
	SessionID string

	seq    *funnel.Sequencer
	gate   *analytics.ConsentGate
	logger *slog.Logger

	mu  sync.Mutex
	att *Attachment

	lastActive atomic.Int64

	progress  chan domain.FunnelSession
	persisted domain.FunnelSession
	stop      chan struct{}
	stopped   chan struct{}
}

// Sequencer returns the session's funnel playback.
func (s *Session) Sequencer() *funnel.Sequencer { return s.seq }

// Consent returns the session's live analytics consent.
func (s *Session) Consent() domain.Consent { return s.gate.Consent() }

func (s *Session) touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

// LastActive returns the time of the last attach, detach or inbound event.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.att != nil
}

// attach replaces the current connection and queues a fresh snapshot. The
// snapshot goes out through the sequencer's observer, so a commit racing the
// attach is delivered before it, never after.
func (s *Session) attach() *Attachment {
	att := newAttachment()
	s.mu.Lock()
	prev := s.att
	s.att = att
	s.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	s.seq.Resync()
	return att
}

func (s *Session) detach(att *Attachment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	att.close()
	if s.att != att {
		return false
	}
	s.att = nil
	return true
}

// send encodes and queues a frame to the current attachment, if any.
func (s *Session) send(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		s.logger.Error("Failed to encode frame", "type", f.Type, "error", err)
		return
	}
	s.mu.Lock()
	att := s.att
	s.mu.Unlock()
	if att == nil {
		return
	}
	if !att.send(data) {
		s.logger.Warn("Chat outbox overflow, dropping connection", "type", f.Type)
	}
}

// observe is the sequencer observer: it pushes the snapshot and queues
// progress for persistence when the funnel position changed.
func (s *Session) observe(snap funnel.Snapshot) {
	s.send(Frame{Type: "snapshot", Snapshot: &snap})

	var branch domain.Branch
	if snap.Started {
		branch = snap.Branch.Branch()
	}
	row := domain.FunnelSession{
		VisitorID: s.VisitorID,
		SessionID: s.SessionID,
		Branch:    branch,
		State:     string(snap.State),
		Cursor:    snap.Cursor,
		Started:   snap.Started,
	}
	s.queueProgress(row)
}

func (s *Session) queueProgress(row domain.FunnelSession) {
	s.mu.Lock()
	same := s.persisted.State == row.State && s.persisted.Cursor == row.Cursor &&
		s.persisted.Branch == row.Branch && s.persisted.Started == row.Started
	if same {
		s.mu.Unlock()
		return
	}
	s.persisted = row
	s.mu.Unlock()

	// Only the latest position matters; replace anything not yet written.
	for {
		select {
		case s.progress <- row:
			return
		default:
		}
		select {
		case <-s.progress:
		default:
		}
	}
}

// Navigate implements funnel.Navigator by instructing the page to leave.
func (s *Session) Navigate(_ context.Context, url string) error {
	s.send(Frame{Type: "navigate", URL: url})
	return nil
}

// Notify implements funnel.Notifier by asking the page to play the typing cue.
func (s *Session) Notify(context.Context) error {
	s.send(Frame{Type: "notify"})
	return nil
}

// persistLoop writes queued progress until the session stops.
func (s *Session) persistLoop(repo SessionStore) {
	defer close(s.stopped)
	write := func(row domain.FunnelSession) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.UpsertFunnelSession(ctx, &row); err != nil {
			s.logger.Warn("Failed to persist funnel progress", "error", err)
		}
	}
	for {
		select {
		case row := <-s.progress:
			write(row)
		case <-s.stop:
			select {
			case row := <-s.progress:
				write(row)
			default:
			}
			return
		}
	}
}

// close stops playback and the persister, and cuts off the connection.
func (s *Session) close() {
	s.seq.Close()
	s.mu.Lock()
	att := s.att
	s.att = nil
	s.mu.Unlock()
	if att != nil {
		att.close()
	}
	close(s.stop)
	<-s.stopped
}
