// Package anthropic adapts the Anthropic Messages API to llm.Model.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	ant "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ashureev/quantchat/internal/llm"
)

const defaultMaxTokens = 8192

// Config configures the client.
type Config struct {
	APIKey  string
	BaseURL string
}

// Provider streams Anthropic messages.
type Provider struct {
	client *ant.Client
}

// New builds a provider.
func New(cfg Config) *Provider {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	client := ant.NewClient(opts...)
	return &Provider{client: &client}
}

// Provider implements llm.Model.
func (p *Provider) Provider() string { return "anthropic" }

// Stream implements llm.Model.
func (p *Provider) Stream(ctx context.Context, req *llm.Request) iter.Seq2[llm.Event, error] {
	return func(yield func(llm.Event, error) bool) {
		stream := p.client.Messages.NewStreaming(ctx, buildParams(req))
		defer stream.Close()

		var msg ant.Message
		for stream.Next() {
			event := stream.Current()
			if err := msg.Accumulate(event); err != nil {
				yield(llm.Event{}, fmt.Errorf("accumulate stream event: %w", err))
				return
			}

			delta, ok := event.AsAny().(ant.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			switch d := delta.Delta.AsAny().(type) {
			case ant.TextDelta:
				if d.Text != "" && !yield(llm.Event{Type: llm.EventTextDelta, Delta: d.Text}, nil) {
					return
				}
			case ant.ThinkingDelta:
				if d.Thinking != "" && !yield(llm.Event{Type: llm.EventReasoningDelta, Delta: d.Thinking}, nil) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield(llm.Event{}, fmt.Errorf("messages stream: %w", err))
			return
		}

		for _, block := range msg.Content {
			if block.Type != "tool_use" {
				continue
			}
			tu := block.AsToolUse()
			call := llm.ToolCall{ID: tu.ID, Name: tu.Name, Input: llm.NormalizeInput(string(tu.Input))}
			if !yield(llm.Event{Type: llm.EventToolCall, ToolCall: call}, nil) {
				return
			}
		}

		yield(llm.Event{
			Type:         llm.EventFinish,
			FinishReason: mapStopReason(msg.StopReason),
			Usage:        llm.Usage{InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens},
		}, nil)
	}
}

func mapStopReason(reason ant.StopReason) llm.FinishReason {
	switch reason {
	case ant.StopReasonToolUse:
		return llm.FinishToolCalls
	case ant.StopReasonMaxTokens:
		return llm.FinishLength
	case ant.StopReasonEndTurn, ant.StopReasonStopSequence, "":
		return llm.FinishStop
	default:
		return llm.FinishOther
	}
}

func buildParams(req *llm.Request) ant.MessageNewParams {
	maxTokens := int64(defaultMaxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := ant.MessageNewParams{
		Model:     ant.Model(req.Model),
		Messages:  buildMessages(req.Messages),
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []ant.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	return params
}

// buildMessages merges consecutive tool results into one user message, which
// the API requires after an assistant tool_use turn.
func buildMessages(messages []llm.Message) []ant.MessageParam {
	var out []ant.MessageParam
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case llm.RoleTool:
			var results []ant.ContentBlockParamUnion
			for ; i < len(messages) && messages[i].Role == llm.RoleTool; i++ {
				results = append(results, ant.NewToolResultBlock(messages[i].ToolCallID, messages[i].Content, messages[i].IsError))
			}
			i--
			out = append(out, ant.NewUserMessage(results...))
		case llm.RoleAssistant:
			var blocks []ant.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, ant.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, ant.NewToolUseBlock(tc.ID, toolUseInput(tc.Input), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, ant.NewAssistantMessage(blocks...))
			}
		default:
			if msg.Content != "" {
				out = append(out, ant.NewUserMessage(ant.NewTextBlock(msg.Content)))
			}
		}
	}
	return out
}

// toolUseInput replays recorded arguments. The Messages API only accepts
// objects, so malformed arguments are replayed as an empty object.
func toolUseInput(raw json.RawMessage) json.RawMessage {
	input := llm.NormalizeInput(string(raw))
	var obj map[string]json.RawMessage
	if json.Unmarshal(input, &obj) != nil || obj == nil {
		return json.RawMessage("{}")
	}
	return input
}

func buildTools(tools []llm.ToolDefinition) []ant.ToolUnionParam {
	out := make([]ant.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := ant.ToolParam{
			Name: t.Name,
			InputSchema: ant.ToolInputSchemaParam{
				Properties: t.Parameters["properties"],
				Required:   requiredFields(t.Parameters["required"]),
			},
		}
		if t.Description != "" {
			tool.Description = ant.String(t.Description)
		}
		out = append(out, ant.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
