package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

func NewOpenAIClient(apiKey, baseURL, model string, logger *slog.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger.With("component", "ai"),
	}
}

func (c *OpenAIClient) Respond(ctx context.Context, req Request) (*Response, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Input)+1)
	if req.Instructions != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Instructions,
		})
	}
	msgs = append(msgs, toChatMessages(req.Input, c.logger)...)

	model := req.Model
	if model == "" {
		model = c.model
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Tools:    toTools(req.Tools),
	})
	if err != nil {
		return nil, fmt.Errorf("ai: chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		c.logger.Warn("empty choices", "response_id", resp.ID)
		return &Response{}, nil
	}

	choice := resp.Choices[0]
	status := StatusCompleted
	if choice.FinishReason == openai.FinishReasonLength {
		status = StatusIncomplete
	}

	out := &Response{}
	if text := strings.TrimSpace(choice.Message.Content); text != "" {
		out.Outputs = append(out.Outputs, Output{
			ID:     resp.ID,
			Type:   OutputMessage,
			Status: status,
			Text:   text,
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Outputs = append(out.Outputs, Output{
			ID:        tc.ID,
			Type:      OutputFunctionCall,
			Status:    status,
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	c.logger.Debug("response",
		"response_id", resp.ID,
		"model", model,
		"outputs", len(out.Outputs),
		"finish_reason", choice.FinishReason)

	return out, nil
}

func toTools(schemas []ToolSchema) []openai.Tool {
	if len(schemas) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(schemas))
	for _, s := range schemas {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Strict:      s.Strict,
				Parameters:  s.Parameters,
			},
		})
	}
	return tools
}

func toChatMessages(turns []Turn, logger *slog.Logger) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns))

	for _, t := range turns {
		switch t.Role {
		case RoleFunctionCall:
			call := openai.ToolCall{
				ID:   t.CallID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      t.Name,
					Arguments: t.Arguments,
				},
			}
			// parallel calls share one assistant message
			if n := len(msgs); n > 0 && msgs[n-1].Role == openai.ChatMessageRoleAssistant &&
				len(msgs[n-1].ToolCalls) > 0 && msgs[n-1].Content == "" {
				msgs[n-1].ToolCalls = append(msgs[n-1].ToolCalls, call)
				continue
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{call},
			})

		case RoleFunctionCallOutput:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    t.Text,
				ToolCallID: t.CallID,
			})

		default:
			if len(t.Parts) > 0 {
				msgs = append(msgs, openai.ChatCompletionMessage{
					Role:         string(t.Role),
					MultiContent: toParts(t.Parts),
				})
				continue
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    string(t.Role),
				Content: t.Text,
			})
		}
	}

	return sanitizeToolPairs(msgs, logger)
}

func toParts(parts []Part) []openai.ChatMessagePart {
	out := make([]openai.ChatMessagePart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case PartImage:
			out = append(out, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: p.URL},
			})
		case PartFile:
			// chat completions has no url-addressed file part
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: "[file] " + p.URL,
			})
		default:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: p.Text,
			})
		}
	}
	return out
}

// sanitizeToolPairs keeps every tool message directly behind the assistant
// message that requested it. Truncated history can start with an orphaned
// tool result, and the API rejects that.
func sanitizeToolPairs(msgs []openai.ChatCompletionMessage, logger *slog.Logger) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))

	for i := 0; i < len(msgs); i++ {
		msg := msgs[i]

		switch {
		case msg.Role == openai.ChatMessageRoleAssistant && len(msg.ToolCalls) > 0:
			expected := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expected[tc.ID] = true
			}
			out = append(out, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == openai.ChatMessageRoleTool {
				i++
				if expected[msgs[i].ToolCallID] {
					out = append(out, msgs[i])
					delete(expected, msgs[i].ToolCallID)
					continue
				}
				logger.Warn("dropping mismatched tool result", "tool_call_id", msgs[i].ToolCallID)
			}

			for _, tc := range msg.ToolCalls {
				if !expected[tc.ID] {
					continue
				}
				logger.Warn("synthesizing missing tool result", "tool_call_id", tc.ID)
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    "[tool result missing]",
					ToolCallID: tc.ID,
				})
			}

		case msg.Role == openai.ChatMessageRoleTool:
			logger.Warn("dropping orphaned tool result", "tool_call_id", msg.ToolCallID)

		default:
			out = append(out, msg)
		}
	}

	return out
}
