// Package ai 提供对话回复的生成器：Gemini、Ark（eino chain）以及离线演示回复。
package ai

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/config"
	"github.com/zhouzirui/zerocode-chat/backend/internal/model/chat"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Request is one generation turn.
type Request struct {
	UserName string
	// History holds the messages before Message, oldest first.
	History []chat.Message
	Message string
}

// Generator produces an assistant reply.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// StreamingGenerator additionally reports partial text as it arrives.
type StreamingGenerator interface {
	Generator
	GenerateStream(ctx context.Context, req Request, onDelta func(string)) (string, error)
}

// New 根据配置选择生成器：Gemini 优先，其次 Ark，否则使用演示回复。
func New(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (Generator, error) {
	switch {
	case cfg.GeminiEnabled():
		gen, err := NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini generator: %w", err)
		}
		logger.Info("using gemini generator", zap.String("model", cfg.GeminiModel))
		return gen, nil
	case cfg.Enabled():
		chatModel, err := cfg.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create chat model: %w", err)
		}
		gen, err := NewArkGenerator(ctx, chatModel, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("using ark generator", zap.String("model", cfg.Model))
		return gen, nil
	default:
		logger.Info("no model credentials configured, using demo responses")
		return NewDemoGenerator(nil), nil
	}
}
