// Package reasoning talks to the text-completion backend.
package reasoning

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnavailable wraps transport and API failures.
	ErrUnavailable = errors.New("reasoning backend unavailable")
	// ErrEmptyCompletion is returned when the backend answers with nothing.
	ErrEmptyCompletion = errors.New("empty completion")
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Request is one completion call. Zero Model and Temperature fall back to
// the client's defaults.
type Request struct {
	Messages    []Message
	Model       string
	Temperature *float64
	MaxTokens   int
}

type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Prompt builds the common system + user request.
func Prompt(system, user string) Request {
	var msgs []Message
	if s := strings.TrimSpace(system); s != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: s})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: user})
	return Request{Messages: msgs}
}

// WithTemperature returns a copy of req with the temperature set.
func (r Request) WithTemperature(t float64) Request {
	r.Temperature = &t
	return r
}
