package domain

import "time"

// MessageKind mirrors StepKind plus the visitor's own replies.
type MessageKind string

const (
	MessageText         MessageKind = "text"
	MessageImage        MessageKind = "image"
	MessageAudio        MessageKind = "audio"
	MessageOptions      MessageKind = "options"
	MessageCallToAction MessageKind = "cta"
	MessageUserResponse MessageKind = "user_response"
)

// Origin tells who authored a message.
type Origin string

const (
	OriginBot  Origin = "bot"
	OriginUser Origin = "user"
)

// Message is one entry of the visible conversation. IDs are encoded as JSON
// strings since snowflake ids exceed the browser's safe integer range.
type Message struct {
	ID        int64       `json:"id,string"`
	Kind      MessageKind `json:"kind"`
	Origin    Origin      `json:"origin"`
	Text      string      `json:"text,omitempty"`
	ImageURL  string      `json:"image_url,omitempty"`
	AudioURL  string      `json:"audio_url,omitempty"`
	YesLabel  string      `json:"yes_label,omitempty"`
	NoLabel   string      `json:"no_label,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// IsPrompt reports whether the message is a transient options or CTA prompt.
func (m Message) IsPrompt() bool {
	return m.Kind == MessageOptions || m.Kind == MessageCallToAction
}
