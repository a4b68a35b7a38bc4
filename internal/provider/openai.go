// ABOUTME: OpenAI-compatible provider using sashabaranov/go-openai streaming
// ABOUTME: Accumulates tool-call deltas and loops tool results back for continuation

package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/2389/strand/internal/events"
)

// maxToolTurns bounds the model->tool->model loop for one message.
const maxToolTurns = 5

// OpenAIProvider streams completions from any OpenAI-compatible endpoint.
type OpenAIProvider struct {
	name    string
	baseURL string
	creds   *CredentialResolver
	tools   *ToolRegistry
	retry   *RetryPolicy
	logger  *slog.Logger
}

// NewOpenAIProvider creates an OpenAI-compatible provider. baseURL may be
// empty for the official API.
func NewOpenAIProvider(name, baseURL string, creds *CredentialResolver, tools *ToolRegistry, retry *RetryPolicy, logger *slog.Logger) *OpenAIProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	return &OpenAIProvider{
		name:    name,
		baseURL: baseURL,
		creds:   creds,
		tools:   tools,
		retry:   retry,
		logger:  logger.With("component", "provider", "provider", name),
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Available() bool { return p.creds.HasAnyCredential() }

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan *events.StreamingEvent, error) {
	apiKey, err := p.creds.Resolve(req.OwnerID)
	if err != nil {
		return nil, err
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		clientCfg.BaseURL = p.baseURL
	}
	client := openai.NewClientWithConfig(clientCfg)

	out := make(chan *events.StreamingEvent, 16)
	go p.generate(ctx, client, req, out)
	return out, nil
}

func (p *OpenAIProvider) generate(ctx context.Context, client *openai.Client, req Request, out chan<- *events.StreamingEvent) {
	defer close(out)

	messages := buildOpenAIMessages(req)
	toolDefs := openAITools(p.tools)

	for turn := 0; turn < maxToolTurns; turn++ {
		var stream *openai.ChatCompletionStream
		err := p.retry.Execute(ctx, func() error {
			var serr error
			stream, serr = client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
				Model:    req.Model,
				Messages: messages,
				Tools:    toolDefs,
			})
			return serr
		})
		if err != nil {
			p.logger.Warn("completion stream failed", "message_id", req.MessageID, "error", err)
			send(ctx, out, events.Error(req.SessionID, req.MessageID, "upstream request failed: "+err.Error()))
			return
		}

		content, calls, err := p.consumeStream(ctx, stream, req, out)
		stream.Close()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			send(ctx, out, events.Error(req.SessionID, req.MessageID, "stream interrupted: "+err.Error()))
			return
		}

		if len(calls) == 0 {
			return
		}

		messages = append(messages, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   content,
			ToolCalls: calls,
		})
		messages = append(messages, p.runTools(ctx, req, calls, out)...)
	}

	send(ctx, out, events.Error(req.SessionID, req.MessageID, "exceeded maximum tool turns"))
}

// consumeStream reads one completion stream, emitting token events and
// accumulating tool-call deltas until the stream ends.
func (p *OpenAIProvider) consumeStream(ctx context.Context, stream *openai.ChatCompletionStream, req Request, out chan<- *events.StreamingEvent) (string, []openai.ToolCall, error) {
	var content string
	var calls []openai.ToolCall

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return content, calls, nil
		}
		if err != nil {
			return content, calls, err
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			content += delta.Content
			if !send(ctx, out, events.Token(req.SessionID, req.MessageID, delta.Content)) {
				return content, calls, ctx.Err()
			}
		}
		if len(delta.ToolCalls) > 0 {
			calls = mergeToolCallDeltas(calls, delta.ToolCalls)
		}
	}
}

// runTools executes accumulated tool calls in order, emitting the tool_call
// and tool_result events around each, and returns the tool messages to feed
// back to the model.
func (p *OpenAIProvider) runTools(ctx context.Context, req Request, calls []openai.ToolCall, out chan<- *events.StreamingEvent) []openai.ChatCompletionMessage {
	toolMessages := make([]openai.ChatCompletionMessage, 0, len(calls))

	for _, tc := range calls {
		call := &events.ToolCall{
			ID:         tc.ID,
			Name:       tc.Function.Name,
			Parameters: tc.Function.Arguments,
			Status:     events.ToolCallRunning,
		}
		if !send(ctx, out, events.ToolCallEvent(req.SessionID, req.MessageID, call)) {
			return toolMessages
		}

		result, err := p.tools.Run(ctx, tc.Function.Name, tc.Function.Arguments)

		done := &events.ToolCall{
			ID:         tc.ID,
			Name:       tc.Function.Name,
			Parameters: tc.Function.Arguments,
		}
		feedback := result
		if err != nil {
			done.Status = events.ToolCallFailed
			done.Result = err.Error()
			feedback = "Error: " + err.Error()
			p.logger.Warn("tool execution failed", "tool", tc.Function.Name, "error", err)
		} else {
			done.Status = events.ToolCallCompleted
			done.Result = result
		}
		if !send(ctx, out, events.ToolResultEvent(req.SessionID, req.MessageID, done)) {
			return toolMessages
		}

		toolMessages = append(toolMessages, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    feedback,
			ToolCallID: tc.ID,
			Name:       tc.Function.Name,
		})
	}
	return toolMessages
}

// mergeToolCallDeltas folds streaming tool-call fragments into complete
// calls. Fragments carry an index plus partial id/name/argument pieces.
func mergeToolCallDeltas(calls []openai.ToolCall, deltas []openai.ToolCall) []openai.ToolCall {
	for _, d := range deltas {
		idx := 0
		if d.Index != nil {
			idx = *d.Index
		}
		for len(calls) <= idx {
			calls = append(calls, openai.ToolCall{})
		}

		tc := &calls[idx]
		if d.ID != "" {
			tc.ID = d.ID
		}
		if d.Type != "" {
			tc.Type = d.Type
		}
		tc.Function.Name += d.Function.Name
		tc.Function.Arguments += d.Function.Arguments
	}
	return calls
}

func buildOpenAIMessages(req Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, turn := range req.Turns {
		role := openai.ChatMessageRoleUser
		if turn.Role == "agent" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	return messages
}

func openAITools(registry *ToolRegistry) []openai.Tool {
	if registry == nil {
		return nil
	}
	defs := registry.List()
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Schema,
			},
		})
	}
	return tools
}

// send delivers an event unless the context is gone.
func send(ctx context.Context, out chan<- *events.StreamingEvent, ev *events.StreamingEvent) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- ev:
		return true
	}
}

var _ Provider = (*OpenAIProvider)(nil)
