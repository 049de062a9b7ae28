// Package openai adapts OpenAI-compatible chat completion APIs, xAI by
// default, to llm.Model.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/ashureev/quantchat/internal/llm"
)

// DefaultBaseURL is the xAI OpenAI-compatible endpoint.
const DefaultBaseURL = "https://api.x.ai/v1"

const defaultRequestTimeout = 10 * time.Minute

// Config configures the client.
type Config struct {
	APIKey  string
	BaseURL string
	// Timeout bounds a whole streamed step.
	Timeout time.Duration
}

// Provider streams chat completions.
type Provider struct {
	client *oai.Client
}

// New builds a provider. An empty BaseURL selects DefaultBaseURL.
func New(cfg Config) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	client := oai.NewClient(opts...)
	return &Provider{client: &client}
}

// Provider implements llm.Model.
func (p *Provider) Provider() string { return "openai" }

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// Stream implements llm.Model.
func (p *Provider) Stream(ctx context.Context, req *llm.Request) iter.Seq2[llm.Event, error] {
	return func(yield func(llm.Event, error) bool) {
		params := oai.ChatCompletionNewParams{
			Model:    req.Model,
			Messages: buildMessages(req),
			StreamOptions: oai.ChatCompletionStreamOptionsParam{
				IncludeUsage: oai.Bool(true),
			},
		}
		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}
		if req.MaxTokens > 0 {
			params.MaxCompletionTokens = oai.Int(int64(req.MaxTokens))
		}

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		calls := make(map[int64]*pendingCall)
		var order []int64
		var finish string
		var usage llm.Usage

		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage = llm.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				}
			}
			for _, choice := range chunk.Choices {
				delta := choice.Delta
				if reasoning := reasoningContent(delta); reasoning != "" {
					if !yield(llm.Event{Type: llm.EventReasoningDelta, Delta: reasoning}, nil) {
						return
					}
				}
				if delta.Content != "" {
					if !yield(llm.Event{Type: llm.EventTextDelta, Delta: delta.Content}, nil) {
						return
					}
				}
				for _, tc := range delta.ToolCalls {
					pc, ok := calls[tc.Index]
					if !ok {
						pc = &pendingCall{}
						calls[tc.Index] = pc
						order = append(order, tc.Index)
					}
					if tc.ID != "" {
						pc.id = tc.ID
					}
					if tc.Function.Name != "" {
						pc.name = tc.Function.Name
					}
					pc.args.WriteString(tc.Function.Arguments)
				}
				if choice.FinishReason != "" {
					finish = choice.FinishReason
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield(llm.Event{}, describeError(err))
			return
		}

		for _, idx := range order {
			pc := calls[idx]
			if pc.name == "" {
				continue
			}
			call := llm.ToolCall{ID: pc.id, Name: pc.name, Input: llm.NormalizeInput(pc.args.String())}
			if !yield(llm.Event{Type: llm.EventToolCall, ToolCall: call}, nil) {
				return
			}
		}

		yield(llm.Event{Type: llm.EventFinish, FinishReason: mapFinishReason(finish, len(order) > 0), Usage: usage}, nil)
	}
}

// reasoningContent reads the non-standard reasoning_content delta field that
// reasoning models on xAI stream.
func reasoningContent(delta oai.ChatCompletionChunkChoiceDelta) string {
	field, ok := delta.JSON.ExtraFields["reasoning_content"]
	if !ok {
		return ""
	}
	var text string
	if err := json.Unmarshal([]byte(field.Raw()), &text); err != nil {
		return ""
	}
	return text
}

func describeError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("chat completion stream (status=%d): %w", apiErr.StatusCode, err)
	}
	return fmt.Errorf("chat completion stream: %w", err)
}

func mapFinishReason(reason string, sawToolCalls bool) llm.FinishReason {
	switch reason {
	case "tool_calls", "function_call":
		return llm.FinishToolCalls
	case "length":
		return llm.FinishLength
	case "stop", "":
		if sawToolCalls {
			return llm.FinishToolCalls
		}
		return llm.FinishStop
	default:
		return llm.FinishOther
	}
}

func buildMessages(req *llm.Request) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, oai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleAssistant:
			out = append(out, buildAssistantMessage(msg))
		case llm.RoleTool:
			out = append(out, oai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, oai.UserMessage(msg.Content))
		}
	}
	return out
}

func buildAssistantMessage(msg llm.Message) oai.ChatCompletionMessageParamUnion {
	assistant := oai.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" {
		assistant.Content.OfString = oai.String(msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		assistant.ToolCalls = append(assistant.ToolCalls, oai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &oai.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: string(llm.NormalizeInput(string(tc.Input))),
				},
			},
		})
	}
	return oai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func buildTools(tools []llm.ToolDefinition) []oai.ChatCompletionToolUnionParam {
	out := make([]oai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		out = append(out, oai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: oai.String(tool.Description),
			Parameters:  shared.FunctionParameters(tool.Parameters),
		}))
	}
	return out
}
