// Package domain contains core domain types for the chat funnel.
package domain

import (
	"fmt"
	"time"
)

// StepKind identifies the variant of a funnel step.
type StepKind string

const (
	KindText         StepKind = "text"
	KindImage        StepKind = "image"
	KindAudio        StepKind = "audio"
	KindOptions      StepKind = "options"
	KindCallToAction StepKind = "cta"
	KindRedirect     StepKind = "redirect"
)

// Step is one scripted unit of the funnel. The set of implementations is closed.
type Step interface {
	Kind() StepKind
	// Delay is how long the step waits (simulated typing) before it is emitted.
	Delay() time.Duration
	isStep()
}

// TextStep emits a bot text bubble.
type TextStep struct {
	Wait time.Duration
	Text string
}

// ImageStep emits a bot image.
type ImageStep struct {
	Wait time.Duration
	URL  string
}

// AudioStep emits a bot voice note. When Await is set the funnel does not
// advance until the presentation reports the audio finished.
type AudioStep struct {
	Wait  time.Duration
	URL   string
	Await bool
}

// OptionsStep shows the yes/no prompt.
type OptionsStep struct {
	Wait     time.Duration
	Prompt   string
	YesLabel string
	NoLabel  string
}

// CallToActionStep shows the CTA button.
type CallToActionStep struct {
	Wait  time.Duration
	Label string
}

// RedirectStep navigates the visitor away. It is terminal.
type RedirectStep struct {
	Wait time.Duration
	URL  string
}

func (TextStep) Kind() StepKind         { return KindText }
func (ImageStep) Kind() StepKind        { return KindImage }
func (AudioStep) Kind() StepKind        { return KindAudio }
func (OptionsStep) Kind() StepKind      { return KindOptions }
func (CallToActionStep) Kind() StepKind { return KindCallToAction }
func (RedirectStep) Kind() StepKind     { return KindRedirect }

func (s TextStep) Delay() time.Duration         { return s.Wait }
func (s ImageStep) Delay() time.Duration        { return s.Wait }
func (s AudioStep) Delay() time.Duration        { return s.Wait }
func (s OptionsStep) Delay() time.Duration      { return s.Wait }
func (s CallToActionStep) Delay() time.Duration { return s.Wait }
func (s RedirectStep) Delay() time.Duration     { return s.Wait }

func (TextStep) isStep()         {}
func (ImageStep) isStep()        {}
func (AudioStep) isStep()        {}
func (OptionsStep) isStep()      {}
func (CallToActionStep) isStep() {}
func (RedirectStep) isStep()     {}

// Branch names a group of steps in the catalog.
type Branch string

const (
	BranchWelcome Branch = "welcome"
	BranchYes     Branch = "yes"
	BranchNo      Branch = "no"
	BranchMain    Branch = "main"
)

// Choice is the visitor's answer to the options prompt.
type Choice string

const (
	ChoiceYes Choice = "yes"
	ChoiceNo  Choice = "no"
)

// ParseChoice validates a raw choice string.
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case ChoiceYes, ChoiceNo:
		return Choice(s), nil
	default:
		return "", fmt.Errorf("unknown choice %q", s)
	}
}

// Branch returns the catalog branch selected by the choice.
func (c Choice) Branch() Branch {
	if c == ChoiceYes {
		return BranchYes
	}
	return BranchNo
}
