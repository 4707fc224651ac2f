// Package llmtest provides a deterministic model client for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"

	"github.com/ashureev/sqlsight/internal/domain"
	"github.com/ashureev/sqlsight/internal/llm"
)

// Step is one scripted model response.
type Step struct {
	// Chunks are yielded verbatim before anything else, for tests that need
	// reasoning and text interleaved.
	Chunks    []llm.Chunk
	Reasoning string
	Text      []string
	Calls     []domain.ToolCall
	Err       error

	// Stop overrides the reported stop reason.
	Stop llm.StopReason
}

// Reply is a final text answer.
func Reply(text ...string) Step { return Step{Text: text} }

// Call requests one tool invocation with args marshalled as JSON.
func Call(id, name string, args any) Step {
	return Step{Calls: []domain.ToolCall{NewCall(id, name, args)}}
}

// NewCall builds a tool call with args marshalled as JSON.
func NewCall(id, name string, args any) domain.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return domain.ToolCall{ID: id, Name: name, Input: raw}
}

// Scripted replays steps. Scripts are keyed by the request's system prompt so
// nested agents sharing one client each follow their own script; the "" key
// is the fallback.
type Scripted struct {
	mu       sync.Mutex
	scripts  map[string][]Step
	requests []*llm.Request
}

// NewScripted returns a client that replays steps for every system prompt.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{scripts: map[string][]Step{"": steps}}
}

// On registers steps for requests whose system prompt equals system.
func (s *Scripted) On(system string, steps ...Step) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[system] = append(s.scripts[system], steps...)
	return s
}

// Name implements llm.Client.
func (s *Scripted) Name() string { return "scripted" }

// Requests returns every request received so far.
func (s *Scripted) Requests() []*llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*llm.Request(nil), s.requests...)
}

func (s *Scripted) next(req *llm.Request) (Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *req
	clone.Messages = append([]domain.Message(nil), req.Messages...)
	s.requests = append(s.requests, &clone)

	key := req.System
	if len(s.scripts[key]) == 0 {
		key = ""
	}
	steps := s.scripts[key]
	if len(steps) == 0 {
		return Step{}, fmt.Errorf("llmtest: script exhausted for %q", req.System)
	}
	s.scripts[key] = steps[1:]
	return steps[0], nil
}

// Stream implements llm.Client.
func (s *Scripted) Stream(ctx context.Context, req *llm.Request) iter.Seq2[*llm.Chunk, error] {
	return func(yield func(*llm.Chunk, error) bool) {
		step, err := s.next(req)
		if err != nil {
			yield(nil, err)
			return
		}
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		for i := range step.Chunks {
			if !yield(&step.Chunks[i], nil) {
				return
			}
		}
		if step.Reasoning != "" && !yield(&llm.Chunk{Reasoning: step.Reasoning}, nil) {
			return
		}
		for _, text := range step.Text {
			if !yield(&llm.Chunk{Text: text}, nil) {
				return
			}
		}
		if step.Err != nil {
			yield(nil, step.Err)
			return
		}
		for i := range step.Calls {
			call := step.Calls[i]
			if !yield(&llm.Chunk{ToolCall: &call}, nil) {
				return
			}
		}
		stop := llm.StopEndTurn
		if len(step.Calls) > 0 {
			stop = llm.StopToolUse
		}
		if step.Stop != "" {
			stop = step.Stop
		}
		yield(&llm.Chunk{StopReason: stop}, nil)
	}
}
