// ABOUTME: Provider interface and agent registry for upstream LLM backends
// ABOUTME: A provider turns one request into an ordered stream of generation events

package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/2389/strand/internal/events"
)

// ErrUnknownAgent is returned when an agent reference is not configured.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrAgentUnavailable is returned when a configured agent's provider cannot
// serve any owner right now, typically because no credential is configured.
var ErrAgentUnavailable = errors.New("agent unavailable")

// Turn is one prior exchange in the conversation handed to a provider.
type Turn struct {
	Role    string // "user" or "agent"
	Content string
}

// Request describes one generation: the full conversation so far, ending with
// the user message being answered. MessageID identifies the agent message the
// emitted events belong to.
type Request struct {
	SessionID    string
	MessageID    string
	OwnerID      string
	Model        string
	SystemPrompt string
	Turns        []Turn
}

// Provider produces generation events for a request.
//
// Stream returns a channel that yields token, tool_call and tool_result
// events in order, closed when generation finishes. A failure mid-stream
// surfaces as a single error event before the close; the caller wraps the
// whole sequence in start/end. Errors before any event (bad credentials,
// unreachable backend) are returned directly.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan *events.StreamingEvent, error)

	// Available reports whether the provider could serve at least one owner
	// right now. Used for registry listings and health reporting.
	Available() bool
}

// Agent is a configured binding of an agent reference to a provider.
type Agent struct {
	Ref          string
	Model        string
	SystemPrompt string
	Provider     Provider
}

// AgentInfo is the registry listing shape.
type AgentInfo struct {
	Ref       string `json:"ref"`
	Provider  string `json:"provider"`
	Model     string `json:"model,omitempty"`
	Available bool   `json:"available"`
}

// Registry holds the agents configured at startup. Read-only after build.
type Registry struct {
	agents map[string]*Agent
}

// NewRegistry builds a registry from configured agents.
func NewRegistry(agents []*Agent) *Registry {
	m := make(map[string]*Agent, len(agents))
	for _, a := range agents {
		m[a.Ref] = a
	}
	return &Registry{agents: m}
}

// Resolve returns the agent for a reference.
func (r *Registry) Resolve(ref string) (*Agent, error) {
	a, ok := r.agents[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, ref)
	}
	return a, nil
}

// List returns all configured agents sorted by reference.
func (r *Registry) List() []AgentInfo {
	infos := make([]AgentInfo, 0, len(r.agents))
	for _, a := range r.agents {
		infos = append(infos, AgentInfo{
			Ref:       a.Ref,
			Provider:  a.Provider.Name(),
			Model:     a.Model,
			Available: a.Provider.Available(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Ref < infos[j].Ref })
	return infos
}

// Providers returns availability keyed by provider name, for health reporting.
func (r *Registry) Providers() map[string]bool {
	out := make(map[string]bool)
	for _, a := range r.agents {
		out[a.Provider.Name()] = a.Provider.Available()
	}
	return out
}
