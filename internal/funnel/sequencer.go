// Package funnel plays a scripted chat funnel: it paces catalog steps,
// gates progression on visitor actions and audio completion, and records the
// visible conversation.
package funnel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/chatfunnel/internal/domain"
)

var (
	// ErrNoPrompt is returned when an action targets a prompt that is not showing.
	ErrNoPrompt = errors.New("no matching prompt is active")
	// ErrClosed is returned by operations on a closed sequencer.
	ErrClosed = errors.New("sequencer closed")
)

// State is the sequencer's position in the playback state machine.
type State string

const (
	StateIdle            State = "idle"
	StateAdvancing       State = "advancing"
	StateTyping          State = "typing"
	StateWaitingForUser  State = "waiting_for_user"
	StateWaitingForAudio State = "waiting_for_audio"
	StateFinished        State = "finished"
	StateTerminal        State = "terminal"
)

// Event is an analytics event name.
type Event string

const (
	EventPageView    Event = "PageView"
	EventViewContent Event = "ViewContent"
	EventLead        Event = "Lead"
)

// Catalog supplies the steps the sequencer plays.
type Catalog interface {
	Welcome() []domain.Step
	Funnel(choice domain.Choice) []domain.Step
	Label(choice domain.Choice) string
}

// Analytics receives named funnel events.
type Analytics interface {
	Track(ctx context.Context, event Event) error
}

// Navigator sends the visitor to an external page.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// Notifier plays the short cue that accompanies the typing indicator.
type Notifier interface {
	Notify(ctx context.Context) error
}

// Recorder observes funnel activity for metrics.
type Recorder interface {
	StepEmitted(kind domain.StepKind)
	BranchSelected(choice domain.Choice)
	AudioGateTimedOut()
}

// Observer receives every committed snapshot, in commit order.
type Observer func(Snapshot)

// Options configures a Sequencer. Nil sinks are no-ops.
type Options struct {
	Pacing Pacing
	// GracePeriod separates a visitor action from the steps it unlocks.
	GracePeriod time.Duration
	// AudioGateTimeout skips an awaited audio that never reports completion.
	// Zero waits forever.
	AudioGateTimeout time.Duration

	Clock  Clock
	IDs    IDGenerator
	Logger *slog.Logger

	Analytics Analytics
	Navigator Navigator
	Notifier  Notifier
	Recorder  Recorder
	Observer  Observer
}

// Snapshot is the presentation-facing view of a sequencer.
type Snapshot struct {
	Messages     []domain.Message `json:"messages"`
	Typing       bool             `json:"typing"`
	Autoplay     int64            `json:"autoplay,omitempty,string"`
	Playing      int64            `json:"playing,omitempty,string"`
	PendingAudio int64            `json:"pending_audio,omitempty,string"`
	Prompt       int64            `json:"prompt,omitempty,string"`
	State        State            `json:"state"`
	Started      bool             `json:"started"`
	Branch       domain.Choice    `json:"branch,omitempty"`
	Cursor       int              `json:"cursor"`
	FunnelLength int              `json:"funnel_length"`
	Redirect     string           `json:"redirect,omitempty"`
}

type effect func(ctx context.Context)

// Sequencer owns all state of one funnel playback.
//
// State is guarded by mu. Every scheduled callback carries the generation it
// was scheduled under; cancelLocked stops outstanding timers and bumps the
// generation so a callback that already fired but lost the race for mu
// becomes a no-op. Side effects collected under mu run after it is released,
// serialized by emitMu, so sinks and observers see commits in order. Sinks
// must not call back into the Sequencer synchronously.
type Sequencer struct {
	opts    Options
	catalog Catalog
	log     *Log
	token   PlaybackToken
	clock   Clock
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	emitMu sync.Mutex

	state        State
	begun        bool
	closed       bool
	funnel       []domain.Step
	cursor       int
	typing       bool
	pendingAudio int64
	autoplay     int64
	started      bool
	branch       domain.Choice
	redirect     string

	promptID    int64
	promptKind  domain.MessageKind
	promptLabel string

	timers []Timer
	gen    uint64
}

// New creates an idle sequencer. Call Begin to play the welcome branch.
func New(ctx context.Context, catalog Catalog, opts Options) *Sequencer {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Sequencer{
		opts:    opts,
		catalog: catalog,
		log:     NewLog(opts.IDs),
		clock:   opts.Clock,
		logger:  opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		state:   StateIdle,
	}
}

// Begin plays the welcome branch. Calling it again has no effect.
func (s *Sequencer) Begin() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.begun {
		s.mu.Unlock()
		return nil
	}
	s.begun = true
	s.funnel = s.catalog.Welcome()
	s.cursor = 0
	fx := s.processLocked()
	s.commit(fx)
	return nil
}

// Start answers the options prompt. The chosen branch followed by the main
// branch starts playing after the grace period.
func (s *Sequencer) Start(choice domain.Choice) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.promptKind != domain.MessageOptions {
		s.mu.Unlock()
		return ErrNoPrompt
	}

	s.removePromptLocked()
	s.log.Append(domain.Message{
		Kind:      domain.MessageUserResponse,
		Origin:    domain.OriginUser,
		Text:      s.catalog.Label(choice),
		CreatedAt: s.clock.Now(),
	})
	s.started = true
	s.branch = choice

	s.cancelLocked()
	s.state = StateAdvancing
	gen := s.gen
	s.scheduleLocked(s.opts.GracePeriod, func() { s.onBranchStart(gen, choice) })

	s.commit([]effect{func(context.Context) {
		if s.opts.Recorder != nil {
			s.opts.Recorder.BranchSelected(choice)
		}
	}})
	return nil
}

// CTAClicked resolves the call-to-action prompt and advances after the grace period.
func (s *Sequencer) CTAClicked() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.promptKind != domain.MessageCallToAction {
		s.mu.Unlock()
		return ErrNoPrompt
	}

	label := s.promptLabel
	fx := []effect{s.trackEffect(EventLead)}
	s.removePromptLocked()
	s.log.Append(domain.Message{
		Kind:      domain.MessageUserResponse,
		Origin:    domain.OriginUser,
		Text:      label,
		CreatedAt: s.clock.Now(),
	})

	s.cancelLocked()
	s.state = StateAdvancing
	gen := s.gen
	s.scheduleLocked(s.opts.GracePeriod, func() { s.onGraceElapsed(gen) })

	s.commit(fx)
	return nil
}

// AudioEnded reports that playback of a message finished. It advances the
// funnel only when id is the audio the funnel is waiting on.
func (s *Sequencer) AudioEnded(id int64) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.pendingAudio == 0 || id != s.pendingAudio {
		released := s.token.Release(id)
		cleared := s.clearAutoplayLocked(id)
		if released || cleared {
			s.commit(nil)
		} else {
			s.mu.Unlock()
		}
		return false
	}

	s.pendingAudio = 0
	s.token.Release(id)
	s.clearAutoplayLocked(id)
	fx := s.advanceLocked()
	s.commit(fx)
	return true
}

// AudioPlaying reports that the visitor started an audio message. The message
// takes the playback token, and the snapshot tells other players to pause.
func (s *Sequencer) AudioPlaying(id int64) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, ok := s.log.Find(func(m domain.Message) bool {
		return m.ID == id && m.Kind == domain.MessageAudio
	}); !ok {
		s.mu.Unlock()
		return false
	}
	s.token.Acquire(id)
	if s.autoplay != id {
		s.autoplay = 0
	}
	s.commit(nil)
	return true
}

// Snapshot returns the current presentation view.
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Resync publishes the current snapshot to the observer through the same
// ordered path as state changes, so it can never overtake a newer commit.
func (s *Sequencer) Resync() {
	s.mu.Lock()
	s.commit(nil)
}

// Close cancels all scheduled work. Later operations are no-ops.
func (s *Sequencer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancelLocked()
	s.cancel()
}

func (s *Sequencer) onBranchStart(gen uint64, choice domain.Choice) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.funnel = s.catalog.Funnel(choice)
	s.cursor = 0
	fx := s.processLocked()
	s.commit(fx)
}

func (s *Sequencer) onGraceElapsed(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	fx := s.advanceLocked()
	s.commit(fx)
}

func (s *Sequencer) onSilenceElapsed(gen uint64, typing time.Duration) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}

	var fx []effect
	if typing <= 0 {
		fx = s.emitLocked()
	} else {
		s.typing = true
		s.state = StateTyping
		fx = append(fx, s.notifyEffect())
		s.scheduleLocked(typing, func() { s.onTypingElapsed(gen) })
	}
	s.commit(fx)
}

func (s *Sequencer) onTypingElapsed(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.typing = false
	fx := s.emitLocked()
	s.commit(fx)
}

func (s *Sequencer) onAudioGateTimeout(gen uint64, id int64) {
	s.mu.Lock()
	if s.closed || gen != s.gen || s.pendingAudio != id {
		s.mu.Unlock()
		return
	}
	s.logger.Warn("Audio gate timed out, skipping", "message_id", id, "timeout", s.opts.AudioGateTimeout)
	s.pendingAudio = 0
	s.token.Release(id)
	s.clearAutoplayLocked(id)
	fx := []effect{func(context.Context) {
		if s.opts.Recorder != nil {
			s.opts.Recorder.AudioGateTimedOut()
		}
	}}
	fx = append(fx, s.advanceLocked()...)
	s.commit(fx)
}

// processLocked schedules the step at the cursor, replacing any pending work.
func (s *Sequencer) processLocked() []effect {
	s.cancelLocked()
	if s.cursor >= len(s.funnel) {
		if s.started {
			s.state = StateFinished
		} else {
			s.state = StateIdle
		}
		return nil
	}

	silent, typing := s.opts.Pacing.Plan(s.funnel[s.cursor])
	s.state = StateAdvancing
	gen := s.gen
	s.scheduleLocked(silent, func() { s.onSilenceElapsed(gen, typing) })
	return nil
}

// clearAutoplayLocked drops the autoplay target once id has ended or been skipped.
func (s *Sequencer) clearAutoplayLocked(id int64) bool {
	if s.autoplay == 0 || s.autoplay != id {
		return false
	}
	s.autoplay = 0
	return true
}

func (s *Sequencer) advanceLocked() []effect {
	if s.pendingAudio != 0 {
		return nil
	}
	s.cursor++
	return s.processLocked()
}

// emitLocked turns the step at the cursor into a message and decides whether
// to keep going or wait.
func (s *Sequencer) emitLocked() []effect {
	step := s.funnel[s.cursor]
	kind := step.Kind()
	fx := []effect{func(context.Context) {
		if s.opts.Recorder != nil {
			s.opts.Recorder.StepEmitted(kind)
		}
	}}
	now := s.clock.Now()

	switch st := step.(type) {
	case domain.TextStep:
		s.log.Append(domain.Message{Kind: domain.MessageText, Origin: domain.OriginBot, Text: st.Text, CreatedAt: now})
		return append(fx, s.advanceLocked()...)

	case domain.ImageStep:
		s.log.Append(domain.Message{Kind: domain.MessageImage, Origin: domain.OriginBot, ImageURL: st.URL, CreatedAt: now})
		return append(fx, s.advanceLocked()...)

	case domain.AudioStep:
		id := s.log.Append(domain.Message{Kind: domain.MessageAudio, Origin: domain.OriginBot, AudioURL: st.URL, CreatedAt: now})
		s.autoplay = id
		s.token.Acquire(id)
		if !st.Await {
			return append(fx, s.advanceLocked()...)
		}
		s.pendingAudio = id
		s.state = StateWaitingForAudio
		if s.opts.AudioGateTimeout > 0 {
			gen := s.gen
			s.scheduleLocked(s.opts.AudioGateTimeout, func() { s.onAudioGateTimeout(gen, id) })
		}
		return fx

	case domain.OptionsStep:
		s.showPromptLocked(domain.Message{
			Kind:      domain.MessageOptions,
			Origin:    domain.OriginBot,
			Text:      st.Prompt,
			YesLabel:  st.YesLabel,
			NoLabel:   st.NoLabel,
			CreatedAt: now,
		}, "")
		s.state = StateWaitingForUser
		return fx

	case domain.CallToActionStep:
		s.showPromptLocked(domain.Message{
			Kind:      domain.MessageCallToAction,
			Origin:    domain.OriginBot,
			Text:      st.Label,
			CreatedAt: now,
		}, st.Label)
		s.state = StateWaitingForUser
		return append(fx, s.trackEffect(EventViewContent))

	case domain.RedirectStep:
		s.state = StateTerminal
		s.redirect = st.URL
		url := st.URL
		return append(fx, func(ctx context.Context) {
			if s.opts.Navigator == nil {
				return
			}
			if err := s.opts.Navigator.Navigate(ctx, url); err != nil {
				s.logger.Warn("Navigation failed", "url", url, "error", err)
			}
		})

	default:
		s.logger.Error("Unknown step kind, skipping", "kind", kind, "cursor", s.cursor)
		return append(fx, s.advanceLocked()...)
	}
}

// showPromptLocked appends a prompt, replacing any prompt still showing.
func (s *Sequencer) showPromptLocked(m domain.Message, label string) {
	s.removePromptLocked()
	s.promptID = s.log.Append(m)
	s.promptKind = m.Kind
	s.promptLabel = label
}

func (s *Sequencer) removePromptLocked() {
	s.log.RemoveWhere(IsPrompt)
	s.promptID = 0
	s.promptKind = ""
	s.promptLabel = ""
}

func (s *Sequencer) scheduleLocked(d time.Duration, f func()) {
	s.timers = append(s.timers, s.clock.AfterFunc(d, f))
}

func (s *Sequencer) cancelLocked() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = s.timers[:0]
	s.gen++
	s.typing = false
}

func (s *Sequencer) snapshotLocked() Snapshot {
	return Snapshot{
		Messages:     s.log.All(),
		Typing:       s.typing,
		Autoplay:     s.autoplay,
		Playing:      s.token.Holder(),
		PendingAudio: s.pendingAudio,
		Prompt:       s.promptID,
		State:        s.state,
		Started:      s.started,
		Branch:       s.branch,
		Cursor:       s.cursor,
		FunnelLength: len(s.funnel),
		Redirect:     s.redirect,
	}
}

// commit publishes the state held under mu, releases mu, then runs the
// effects and the observer in order.
func (s *Sequencer) commit(fx []effect) {
	snap := s.snapshotLocked()
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()

	for _, f := range fx {
		f(s.ctx)
	}
	if s.opts.Observer != nil {
		s.opts.Observer(snap)
	}
}

func (s *Sequencer) trackEffect(event Event) effect {
	return func(ctx context.Context) {
		if s.opts.Analytics == nil {
			return
		}
		if err := s.opts.Analytics.Track(ctx, event); err != nil {
			s.logger.Warn("Analytics event failed", "event", event, "error", err)
		}
	}
}

func (s *Sequencer) notifyEffect() effect {
	return func(ctx context.Context) {
		if s.opts.Notifier == nil {
			return
		}
		if err := s.opts.Notifier.Notify(ctx); err != nil {
			s.logger.Debug("Notification cue failed", "error", err)
		}
	}
}
