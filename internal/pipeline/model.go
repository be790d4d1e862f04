package pipeline

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/openai/openai-go"
)

// ChatMessage is a role/content pair sent to the model.
type ChatMessage struct {
	Role    string // "system", "user" or "assistant"
	Content string
}

// Model generates a streamed completion for a message sequence.
type Model interface {
	Stream(ctx context.Context, messages []ChatMessage) iter.Seq2[string, error]
}

// OpenAIOptions configure the OpenAI model adapter.
type OpenAIOptions struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// OpenAIModel adapts the OpenAI Chat Completions API to the Model
// interface, streaming text deltas.
type OpenAIModel struct {
	client *openai.Client
	opts   OpenAIOptions
}

// NewOpenAIModel creates a model adapter using ambient credentials.
func NewOpenAIModel(optFns ...func(o *OpenAIOptions)) *OpenAIModel {
	client := openai.NewClient()
	return NewOpenAIModelFromClient(&client, optFns...)
}

// NewOpenAIModelFromClient creates a model adapter from an existing client.
func NewOpenAIModelFromClient(client *openai.Client, optFns ...func(o *OpenAIOptions)) *OpenAIModel {
	opts := OpenAIOptions{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &OpenAIModel{client: client, opts: opts}
}

// Stream yields completion text deltas in order.
func (m *OpenAIModel) Stream(ctx context.Context, messages []ChatMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		params := openai.ChatCompletionNewParams{
			Messages:            buildMessages(messages),
			Model:               m.opts.Model,
			Temperature:         openai.Float(m.opts.Temperature),
			MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
		}

		stream := m.client.Chat.Completions.NewStreaming(ctx, params)
		defer func() {
			if err := stream.Close(); err != nil {
				slog.Debug("Failed to close completion stream", "error", err)
			}
		}()
		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !yield(choice.Delta.Content, nil) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield("", fmt.Errorf("openai streaming error: %w", err))
		}
	}
}

func buildMessages(messages []ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
