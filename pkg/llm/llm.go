// Package llm is the boundary to external model providers. Handlers fan
// work out across Targets; everything behind Client is an external call
// that cancellation never force-aborts.
package llm

import (
	"context"
)

// Target identifies one model endpoint a job probes.
type Target struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	BaseURL  string `json:"base_url,omitempty"`
	APIKey   string `json:"-"`
}

// Key returns a stable identifier for reporting.
func (t Target) Key() string {
	return t.Provider + "/" + t.Model
}

// Keyring maps a provider name to its API key. A target that carries no
// key of its own falls back here, so credentials stay in server config
// and never ride along in job params.
type Keyring map[string]string

// Resolve returns the key for a target: the target's own key if set,
// otherwise the provider's configured key. Empty means unauthenticated.
func (k Keyring) Resolve(t Target) string {
	if t.APIKey != "" {
		return t.APIKey
	}
	return k[t.Provider]
}

// ChatMessage is one turn of a chat exchange.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-agnostic completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Tools       []ToolSpec    `json:"tools,omitempty"`
}

// ToolSpec describes one callable tool offered to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a tool invocation the model chose to make.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatResponse is a provider-agnostic completion response.
type ChatResponse struct {
	Content          string     `json:"content"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
}

// Client executes one completion against a target. Implementations must
// honor ctx for connection setup but may let an in-flight request run to
// its natural end.
type Client interface {
	Complete(ctx context.Context, target Target, req ChatRequest) (ChatResponse, error)
}

// GroupByProvider buckets targets by provider, preserving input order
// within each bucket. Groups run concurrently; targets within a group run
// sequentially so a provider is never self-contended.
func GroupByProvider(targets []Target) map[string][]Target {
	groups := make(map[string][]Target)
	for _, t := range targets {
		groups[t.Provider] = append(groups[t.Provider], t)
	}
	return groups
}
