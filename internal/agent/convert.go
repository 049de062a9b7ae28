package agent

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/quantchat/internal/domain"
	"github.com/ashureev/quantchat/internal/llm"
)

// ToModelMessages converts UI history into model history. Assistant messages
// are split at step boundaries so each step's tool calls are followed by
// their results. Data records, reasoning and unfinished tool calls are not
// sent to the model.
func ToModelMessages(messages []domain.Message) []llm.Message {
	var out []llm.Message
	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleUser:
			if text := joinText(msg.Parts); text != "" {
				out = append(out, llm.Message{Role: llm.RoleUser, Content: text})
			}
		case domain.RoleAssistant:
			out = appendAssistant(out, msg.Parts)
		}
	}
	return out
}

func joinText(parts []domain.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type == domain.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func appendAssistant(out []llm.Message, parts []domain.Part) []llm.Message {
	var text strings.Builder
	var calls []llm.ToolCall
	var results []llm.Message

	flush := func() {
		if text.Len() == 0 && len(calls) == 0 {
			return
		}
		out = append(out, llm.Message{Role: llm.RoleAssistant, Content: text.String(), ToolCalls: calls})
		out = append(out, results...)
		text.Reset()
		calls = nil
		results = nil
	}

	for _, p := range parts {
		switch {
		case p.Type == domain.PartStepStart:
			flush()
		case p.Type == domain.PartText:
			text.WriteString(p.Text)
		case p.IsTool():
			result, ok := toolResult(p)
			if !ok {
				continue
			}
			calls = append(calls, llm.ToolCall{
				ID:    p.ToolCallID,
				Name:  p.Tool(),
				Input: llm.NormalizeInput(string(p.Input)),
			})
			results = append(results, result)
		}
	}
	flush()
	return out
}

func toolResult(p domain.Part) (llm.Message, bool) {
	switch p.State {
	case domain.ToolOutputAvailable:
		if p.Preliminary {
			return llm.Message{}, false
		}
		content := string(p.Output)
		if content == "" {
			content = "null"
		}
		return llm.Message{Role: llm.RoleTool, ToolCallID: p.ToolCallID, Content: content}, true
	case domain.ToolOutputError:
		return llm.Message{Role: llm.RoleTool, ToolCallID: p.ToolCallID, Content: p.ErrorText, IsError: true}, true
	default:
		return llm.Message{}, false
	}
}

// toolContent renders a final tool output for the model.
func toolContent(output any) string {
	data, err := json.Marshal(output)
	if err != nil {
		return "null"
	}
	return string(data)
}
