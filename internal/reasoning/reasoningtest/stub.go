// Package reasoningtest provides a scripted reasoning client for tests.
package reasoningtest

import (
	"context"
	"strings"
	"sync"

	"github.com/stellarlinkco/zendell/internal/reasoning"
)

// Rule answers requests whose prompt contains Match.
type Rule struct {
	Match string
	Reply string
	Err   error
}

// Stub replies by matching the concatenated prompt against rules in
// order. Unmatched prompts get Default, or ErrEmptyCompletion when unset.
type Stub struct {
	mu       sync.Mutex
	rules    []Rule
	Default  string
	requests []reasoning.Request
}

func New(rules ...Rule) *Stub {
	return &Stub{rules: rules}
}

// On adds a rule and returns the stub for chaining.
func (s *Stub) On(match, reply string) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, Rule{Match: match, Reply: reply})
	return s
}

// Fail makes prompts containing match fail with err.
func (s *Stub) Fail(match string, err error) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, Rule{Match: match, Err: err})
	return s
}

func (s *Stub) Complete(_ context.Context, req reasoning.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	prompt := Flatten(req)
	for _, r := range s.rules {
		if strings.Contains(prompt, r.Match) {
			if r.Err != nil {
				return "", r.Err
			}
			if strings.TrimSpace(r.Reply) == "" {
				return "", reasoning.ErrEmptyCompletion
			}
			return r.Reply, nil
		}
	}
	if s.Default == "" {
		return "", reasoning.ErrEmptyCompletion
	}
	return s.Default, nil
}

// Calls reports how many completions were requested.
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns a copy of the recorded requests.
func (s *Stub) Requests() []reasoning.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reasoning.Request(nil), s.requests...)
}

// Flatten joins all message contents of a request.
func Flatten(req reasoning.Request) string {
	parts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}
