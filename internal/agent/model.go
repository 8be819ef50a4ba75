// Package agent runs the think-act-observe loop for agentized processes
// against an opaque language model and the merged tool surface.
package agent

import (
	"context"
	"sync"

	"github.com/aether-os/aether/internal/tools"
)

// Message is one turn of agent history handed to the model.
type Message struct {
	Role    string `json:"role"` // system, user, assistant, tool
	Content string `json:"content"`
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Completion is one model step: either a thought, a tool call, or the
// decision that the goal is done.
type Completion struct {
	Thought  string    `json:"thought,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Done     bool      `json:"done,omitempty"`
	Summary  string    `json:"summary,omitempty"`
}

// LanguageModel is the opaque provider interface the runtime drives.
// Implementations must observe ctx cancellation within a bounded quantum.
type LanguageModel interface {
	Next(ctx context.Context, history []Message, surface []*tools.Tool) (*Completion, error)
}

// ModelFactory builds the model for one spawned process.
type ModelFactory func(role string) LanguageModel

// ScriptedModel replays a fixed sequence of completions. It backs tests and
// the dev provider; past the end of the script it reports done.
type ScriptedModel struct {
	mu    sync.Mutex
	steps []*Completion
	index int
}

// NewScriptedModel creates a scripted model.
func NewScriptedModel(steps ...*Completion) *ScriptedModel {
	return &ScriptedModel{steps: steps}
}

// Next returns the next scripted completion.
func (s *ScriptedModel) Next(ctx context.Context, history []Message, surface []*tools.Tool) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index >= len(s.steps) {
		return &Completion{Done: true, Summary: "script exhausted"}, nil
	}
	step := s.steps[s.index]
	s.index++
	return step, nil
}
