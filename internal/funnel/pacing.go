package funnel

import (
	"fmt"
	"time"

	"github.com/ashureev/chatfunnel/internal/domain"
)

// PacingMode selects how step delays translate into silence and typing.
type PacingMode string

const (
	// PacingFixed waits the step delay silently, then shows typing for a fixed window.
	PacingFixed PacingMode = "fixed"
	// PacingProportional shows typing for the whole step delay.
	PacingProportional PacingMode = "proportional"
	// PacingInstant emits every step immediately without a typing indicator.
	PacingInstant PacingMode = "instant"
)

// Pacing is the timing policy applied to every step.
type Pacing struct {
	Mode PacingMode
	// Typing is the typing window for PacingFixed.
	Typing time.Duration
	// MinTyping floors the typing window for PacingProportional.
	MinTyping time.Duration
}

// DefaultPacing shows typing for 1.5s after each step's delay.
func DefaultPacing() Pacing {
	return Pacing{Mode: PacingFixed, Typing: 1500 * time.Millisecond}
}

// ParsePacingMode validates a configured mode.
func ParsePacingMode(s string) (PacingMode, error) {
	switch PacingMode(s) {
	case PacingFixed, PacingProportional, PacingInstant:
		return PacingMode(s), nil
	default:
		return "", fmt.Errorf("unknown pacing mode %q", s)
	}
}

// Plan returns the silent wait before typing starts and the typing window.
// A zero typing window means the indicator is never shown.
func (p Pacing) Plan(step domain.Step) (silent, typing time.Duration) {
	switch p.Mode {
	case PacingInstant:
		return 0, 0
	case PacingProportional:
		typing = step.Delay()
		if typing < p.MinTyping {
			typing = p.MinTyping
		}
		return 0, typing
	default:
		return step.Delay(), p.Typing
	}
}
