// ABOUTME: Scripted demo provider that needs no network or credentials
// ABOUTME: Streams a deterministic reply token by token, used by the demo agent and tests

package provider

import (
	"context"
	"strings"
	"time"

	"github.com/2389/strand/internal/events"
)

// DemoProvider streams canned responses. Always available.
type DemoProvider struct {
	// Respond builds the full reply for a request. Defaults to echoing the
	// last user turn.
	Respond func(req Request) string

	// TokenDelay spaces out the emitted tokens to make streaming visible.
	TokenDelay time.Duration
}

// NewDemoProvider creates a demo provider with the default echo script.
func NewDemoProvider(tokenDelay time.Duration) *DemoProvider {
	return &DemoProvider{TokenDelay: tokenDelay}
}

func (p *DemoProvider) Name() string { return "demo" }

func (p *DemoProvider) Available() bool { return true }

func (p *DemoProvider) Stream(ctx context.Context, req Request) (<-chan *events.StreamingEvent, error) {
	reply := p.buildReply(req)

	out := make(chan *events.StreamingEvent, 16)
	go func() {
		defer close(out)

		words := strings.Fields(reply)
		for i, word := range words {
			token := word
			if i < len(words)-1 {
				token += " "
			}

			select {
			case <-ctx.Done():
				return
			case out <- events.Token(req.SessionID, req.MessageID, token):
			}

			if p.TokenDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.TokenDelay):
				}
			}
		}
	}()
	return out, nil
}

func (p *DemoProvider) buildReply(req Request) string {
	if p.Respond != nil {
		return p.Respond(req)
	}

	lastUser := ""
	for i := len(req.Turns) - 1; i >= 0; i-- {
		if req.Turns[i].Role == "user" {
			lastUser = req.Turns[i].Content
			break
		}
	}
	if lastUser == "" {
		return "Hello! I am the demo agent."
	}
	return "You said: " + lastUser
}

var _ Provider = (*DemoProvider)(nil)
