package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/model/chat"
)

// ArkGenerator runs the prompt template and Ark chat model as an eino chain.
type ArkGenerator struct {
	chain  compose.Runnable[map[string]any, *schema.Message]
	logger *zap.Logger
}

// NewArkGenerator compiles the chain around chatModel.
func NewArkGenerator(ctx context.Context, chatModel model.BaseChatModel, logger *zap.Logger) (*ArkGenerator, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &ArkGenerator{
		chain:  runnable,
		logger: logger.With(zap.String("component", "ark")),
	}, nil
}

// Generate implements Generator.
func (a *ArkGenerator) Generate(ctx context.Context, req Request) (string, error) {
	response, err := a.chain.Invoke(ctx, buildChainInput(req))
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	text := strings.TrimSpace(response.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}

	a.logger.Debug("generated response", zap.Int("length", len(text)))
	return text, nil
}

// GenerateStream implements StreamingGenerator.
func (a *ArkGenerator) GenerateStream(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	stream, err := a.chain.Stream(ctx, buildChainInput(req))
	if err != nil {
		return "", fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", recvErr
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" && onDelta != nil {
			onDelta(chunk.Content)
		}
	}

	if len(chunks) == 0 {
		return "", ErrEmptyResponse
	}

	merged, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", fmt.Errorf("concat ai chunks failed: %w", err)
	}

	text := strings.TrimSpace(merged.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func buildChainInput(req Request) map[string]any {
	return map[string]any{
		"system":  SystemPrompt(req.UserName),
		"history": buildHistoryMessages(req.History),
		"query":   req.Message,
	}
}

func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	recent := recentHistory(messages)
	if len(recent) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(recent))
	for _, msg := range recent {
		switch msg.Sender {
		case chat.SenderUser:
			history = append(history, schema.UserMessage(msg.Text))
		case chat.SenderBot:
			history = append(history, schema.AssistantMessage(msg.Text, nil))
		}
	}
	return history
}
