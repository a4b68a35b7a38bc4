// ABOUTME: Anthropic provider using the official anthropic-sdk-go streaming API
// ABOUTME: Emits text deltas as tokens, runs tool_use blocks through the tool registry

package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/2389/strand/internal/events"
)

// anthropicMaxTokens caps a single response.
const anthropicMaxTokens = 4096

// AnthropicProvider streams messages from the Anthropic API.
type AnthropicProvider struct {
	name   string
	creds  *CredentialResolver
	tools  *ToolRegistry
	retry  *RetryPolicy
	logger *slog.Logger
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(name string, creds *CredentialResolver, tools *ToolRegistry, retry *RetryPolicy, logger *slog.Logger) *AnthropicProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	return &AnthropicProvider{
		name:   name,
		creds:  creds,
		tools:  tools,
		retry:  retry,
		logger: logger.With("component", "provider", "provider", name),
	}
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) Available() bool { return p.creds.HasAnyCredential() }

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan *events.StreamingEvent, error) {
	apiKey, err := p.creds.Resolve(req.OwnerID)
	if err != nil {
		return nil, err
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	out := make(chan *events.StreamingEvent, 16)
	go p.generate(ctx, client, req, out)
	return out, nil
}

func (p *AnthropicProvider) generate(ctx context.Context, client anthropic.Client, req Request, out chan<- *events.StreamingEvent) {
	defer close(out)

	messages := buildAnthropicMessages(req)
	toolDefs := anthropicTools(p.tools)

	for turn := 0; turn < maxToolTurns; turn++ {
		message, err := p.streamOneTurn(ctx, client, req, messages, toolDefs, out)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("message stream failed", "message_id", req.MessageID, "error", err)
			send(ctx, out, events.Error(req.SessionID, req.MessageID, "upstream request failed: "+err.Error()))
			return
		}

		toolUses := collectToolUses(message)
		if len(toolUses) == 0 {
			return
		}

		messages = append(messages, message.ToParam())
		for _, tu := range toolUses {
			resultBlock, ok := p.runTool(ctx, req, tu, out)
			if !ok {
				return
			}
			messages = append(messages, resultBlock)
		}
	}

	send(ctx, out, events.Error(req.SessionID, req.MessageID, "exceeded maximum tool turns"))
}

// streamOneTurn runs one streaming request, emitting token events and
// retrying with backoff while nothing has been emitted yet.
func (p *AnthropicProvider) streamOneTurn(ctx context.Context, client anthropic.Client, req Request, messages []anthropic.MessageParam, toolDefs []anthropic.ToolUnionParam, out chan<- *events.StreamingEvent) (*anthropic.Message, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: anthropicMaxTokens,
		Messages:  messages,
		Tools:     toolDefs,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	var lastErr error
	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		stream := client.Messages.NewStreaming(ctx, params)

		message := anthropic.Message{}
		emitted := false
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				return nil, err
			}

			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch d := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					emitted = true
					if !send(ctx, out, events.Token(req.SessionID, req.MessageID, d.Text)) {
						return nil, ctx.Err()
					}
				}
			}
		}

		err := stream.Err()
		if err == nil {
			return &message, nil
		}
		lastErr = err

		// Once tokens are out the door a retry would duplicate them.
		if emitted || !p.retry.ShouldRetry(err, attempt) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.retry.NextDelay(attempt)):
		}
	}
	return nil, lastErr
}

// runTool executes one tool_use block, emits the surrounding events, and
// returns the tool_result message for the continuation.
func (p *AnthropicProvider) runTool(ctx context.Context, req Request, tu *anthropic.ToolUseBlock, out chan<- *events.StreamingEvent) (anthropic.MessageParam, bool) {
	inputJSON, _ := json.Marshal(tu.Input)
	params := string(inputJSON)

	call := &events.ToolCall{
		ID:         tu.ID,
		Name:       tu.Name,
		Parameters: params,
		Status:     events.ToolCallRunning,
	}
	if !send(ctx, out, events.ToolCallEvent(req.SessionID, req.MessageID, call)) {
		return anthropic.MessageParam{}, false
	}

	result, err := p.tools.Run(ctx, tu.Name, params)

	done := &events.ToolCall{
		ID:         tu.ID,
		Name:       tu.Name,
		Parameters: params,
	}
	feedback := result
	isError := false
	if err != nil {
		done.Status = events.ToolCallFailed
		done.Result = err.Error()
		feedback = "Error: " + err.Error()
		isError = true
		p.logger.Warn("tool execution failed", "tool", tu.Name, "error", err)
	} else {
		done.Status = events.ToolCallCompleted
		done.Result = result
	}
	if !send(ctx, out, events.ToolResultEvent(req.SessionID, req.MessageID, done)) {
		return anthropic.MessageParam{}, false
	}

	return anthropic.NewUserMessage(anthropic.NewToolResultBlock(tu.ID, feedback, isError)), true
}

func collectToolUses(message *anthropic.Message) []*anthropic.ToolUseBlock {
	var uses []*anthropic.ToolUseBlock
	for _, block := range message.Content {
		if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
			copied := tu
			uses = append(uses, &copied)
		}
	}
	return uses
}

func buildAnthropicMessages(req Request) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(req.Turns))
	for _, turn := range req.Turns {
		if turn.Role == "agent" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}
	return messages
}

func anthropicTools(registry *ToolRegistry) []anthropic.ToolUnionParam {
	if registry == nil {
		return nil
	}
	defs := registry.List()
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		tool := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: map[string]interface{}{}},
		}

		var schema map[string]interface{}
		if err := json.Unmarshal(def.Schema, &schema); err == nil {
			if props, ok := schema["properties"].(map[string]interface{}); ok {
				tool.InputSchema = anthropic.ToolInputSchemaParam{Properties: props}
			}
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return tools
}

var _ Provider = (*AnthropicProvider)(nil)
