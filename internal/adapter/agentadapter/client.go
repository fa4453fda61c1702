package agentadapter

import (
	"context"
	"encoding/json"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Role values for conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation history.
type Message struct {
	Role string
	Text string
}

// Request describes a single streamed model turn.
type Request struct {
	Model     string
	System    string
	MaxTokens int
	Messages  []Message
}

// StreamEvent is one unit of streamed model output.
type StreamEvent struct {
	Type       string // "text" | "tool_call_start" | "error" | "done"
	Text       string
	ToolID     string
	ToolName   string
	ToolInput  json.RawMessage
	StopReason string
	Err        error
}

// Client streams model turns. The concrete implementation talks to the
// Anthropic Messages API; tests substitute a scripted fake.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// anthropicClient implements Client using the Anthropic SDK.
type anthropicClient struct {
	client anthropic.Client
}

func newAnthropicClient(apiKey string) *anthropicClient {
	if apiKey != "" {
		return &anthropicClient{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
	}
	// SDK default reads ANTHROPIC_API_KEY from the environment.
	return &anthropicClient{client: anthropic.NewClient()}
}

// Stream sends a streaming message request and forwards events on a channel.
func (c *anthropicClient) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Text)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		var acc anthropic.Message

		for stream.Next() {
			event := stream.Current()
			_ = acc.Accumulate(event)

			switch event.Type {
			case "content_block_delta":
				if event.Delta.Type == "text_delta" {
					ch <- StreamEvent{Type: "text", Text: event.Delta.Text}
				}
			case "content_block_stop":
				// The tool input arrives as input_json_delta fragments;
				// Accumulate has the complete block by the time it stops.
				if int(event.Index) < len(acc.Content) {
					if block := acc.Content[event.Index]; block.Type == "tool_use" {
						ch <- StreamEvent{
							Type:      "tool_call_start",
							ToolID:    block.ID,
							ToolName:  block.Name,
							ToolInput: json.RawMessage(block.Input),
						}
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- StreamEvent{Type: "error", Err: err}
			return
		}

		var text string
		for _, block := range acc.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		ch <- StreamEvent{Type: "done", Text: text, StopReason: string(acc.StopReason)}
	}()

	return ch, nil
}
