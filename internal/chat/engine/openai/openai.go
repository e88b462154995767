// Package openai implements the engine.Completer contract on the
// OpenAI Chat Completions API, with streaming and tool calling.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"

	"github.com/threadkit/threadkit/internal/chat/engine"
)

// aggCall accumulates partial tool call deltas (id, name, arguments)
// until the finish reason arrives.
type aggCall struct{ id, name, args string }

// Options configure the OpenAI completer.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Completer drives one model turn against the Chat Completions API.
type Completer struct {
	client *openai.Client
	opts   Options
}

var _ engine.Completer = (*Completer)(nil)

// New creates a completer with a default client configured from the
// environment (OPENAI_API_KEY).
func New(optFns ...func(o *Options)) *Completer {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a completer from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Completer {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Completer{client: client, opts: opts}
}

func (c *Completer) Complete(ctx context.Context, agent *engine.Agent, transcript []engine.TranscriptEntry, onDelta func(string)) (*engine.Completion, error) {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(agent, transcript),
		Model:               c.model(agent),
		Temperature:         openai.Float(c.opts.Temperature),
		MaxCompletionTokens: openai.Int(c.opts.MaxCompletionTokens),
	}
	if tools := buildTools(agent); len(tools) > 0 {
		params.Tools = tools
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	var textBuilder strings.Builder
	toolAgg := map[int64]*aggCall{}
	order := []int64{}
	for stream.Next() {
		ck := stream.Current()
		for _, ch := range ck.Choices {
			if ch.Delta.Content != "" {
				textBuilder.WriteString(ch.Delta.Content)
				if onDelta != nil {
					onDelta(ch.Delta.Content)
				}
			}
			for _, tc := range ch.Delta.ToolCalls {
				ac, ok := toolAgg[tc.Index]
				if !ok {
					ac = &aggCall{}
					toolAgg[tc.Index] = ac
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					ac.id = tc.ID
				}
				if tc.Function.Name != "" {
					ac.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					ac.args += tc.Function.Arguments
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai streaming error: %w", err)
	}

	comp := &engine.Completion{Text: textBuilder.String()}
	for _, idx := range order {
		ac := toolAgg[idx]
		comp.Calls = append(comp.Calls, engine.TranscriptCall{
			ID:        ac.id,
			Name:      ac.name,
			Arguments: engine.ParseArguments(ac.args),
		})
	}
	return comp, nil
}

func (c *Completer) model(agent *engine.Agent) string {
	if agent != nil && strings.TrimSpace(agent.Model) != "" {
		return agent.Model
	}
	return c.opts.Model
}

// buildMessages converts the normalized transcript into OpenAI chat
// messages, pairing tool results with the assistant calls that produced
// them.
func buildMessages(agent *engine.Agent, transcript []engine.TranscriptEntry) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if agent != nil && strings.TrimSpace(agent.Instructions) != "" {
		messages = append(messages, openai.SystemMessage(agent.Instructions))
	}
	for _, e := range transcript {
		switch e.Role {
		case engine.RoleUser:
			messages = append(messages, openai.UserMessage(e.Text))
		case engine.RoleAssistant:
			if len(e.Calls) == 0 {
				messages = append(messages, openai.AssistantMessage(e.Text))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(e.Calls))
			for _, call := range e.Calls {
				args, err := json.Marshal(call.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				},
			})
		case engine.RoleTool:
			messages = append(messages, openai.ToolMessage(e.Output, e.CallID))
		}
	}
	return messages
}

func buildTools(agent *engine.Agent) []openai.ChatCompletionToolParam {
	if agent == nil {
		return nil
	}
	defs := append([]engine.ToolDef{}, agent.Tools...)
	defs = append(defs, engine.HandoffToolDefs(agent)...)
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.ChatCompletionToolParam, len(defs))
	for i, def := range defs {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  def.Parameters,
			},
		}
	}
	return tools
}
