// Package anthropic implements the engine.Completer contract on the
// Anthropic Messages API, with streaming and tool use.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/threadkit/threadkit/internal/chat/engine"
)

// Options configure the Anthropic completer.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Completer drives one model turn against the Messages API.
type Completer struct {
	client *anthropic.Client
	opts   Options
}

var _ engine.Completer = (*Completer)(nil)

// New creates a completer with its own client. An empty APIKey falls
// back to the ANTHROPIC_API_KEY environment variable.
func New(optFns ...func(o *Options)) *Completer {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Completer{client: &client, opts: opts}
}

// NewFromClient creates a completer from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Completer {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Completer{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.Model("claude-3-5-sonnet-20241022"),
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

func (c *Completer) Complete(ctx context.Context, agent *engine.Agent, transcript []engine.TranscriptEntry, onDelta func(string)) (*engine.Completion, error) {
	params := anthropic.MessageNewParams{
		Model:       c.model(agent),
		Messages:    buildMessages(transcript),
		MaxTokens:   c.opts.MaxTokens,
		Temperature: anthropic.Float(c.opts.Temperature),
	}
	if agent != nil && strings.TrimSpace(agent.Instructions) != "" {
		params.System = []anthropic.TextBlockParam{{Text: agent.Instructions}}
	}
	if tools := buildTools(agent); len(tools) > 0 {
		params.Tools = tools
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic accumulate error: %w", err)
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" && onDelta != nil {
					onDelta(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic streaming error: %w", err)
	}

	comp := &engine.Completion{}
	var textBuilder strings.Builder
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			textBuilder.WriteString(block.AsText().Text)
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := map[string]any{}
			if len(toolBlock.Input) > 0 {
				args = engine.ParseArguments(string(toolBlock.Input))
			}
			comp.Calls = append(comp.Calls, engine.TranscriptCall{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: args,
			})
		}
	}
	comp.Text = textBuilder.String()
	return comp, nil
}

func (c *Completer) model(agent *engine.Agent) anthropic.Model {
	if agent != nil && strings.TrimSpace(agent.Model) != "" {
		return anthropic.Model(agent.Model)
	}
	return c.opts.Model
}

// buildMessages converts the normalized transcript, embedding tool
// results as user-turn tool_result blocks the way the API requires.
func buildMessages(transcript []engine.TranscriptEntry) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, e := range transcript {
		switch e.Role {
		case engine.RoleUser:
			if e.Text != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(e.Text)))
			}
		case engine.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if e.Text != "" {
				content = append(content, anthropic.NewTextBlock(e.Text))
			}
			for _, call := range e.Calls {
				var input any = call.Arguments
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}
		case engine.RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(e.CallID, e.Output, false)))
		}
	}
	return messages
}

func buildTools(agent *engine.Agent) []anthropic.ToolUnionParam {
	if agent == nil {
		return nil
	}
	defs := append([]engine.ToolDef{}, agent.Tools...)
	defs = append(defs, engine.HandoffToolDefs(agent)...)
	if len(defs) == 0 {
		return nil
	}
	tools := make([]anthropic.ToolUnionParam, len(defs))
	for i, def := range defs {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if def.Parameters != nil {
			if properties, ok := def.Parameters["properties"]; ok {
				schema.Properties = properties
			}
			if required, ok := def.Parameters["required"]; ok {
				schema.Required = toStringSlice(required)
			}
		}
		tools[i] = anthropic.ToolUnionParamOfTool(schema, def.Name)
	}
	return tools
}

func toStringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
