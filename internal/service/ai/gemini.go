package ai

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/zhouzirui/zerocode-chat/backend/internal/model/chat"
)

// contentGenerator is the subset of *genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiGenerator calls the Gemini generateContent API.
type GeminiGenerator struct {
	models contentGenerator
	model  string
	logger *zap.Logger
}

// NewGeminiGenerator creates a client for the Gemini developer API.
func NewGeminiGenerator(ctx context.Context, apiKey, model string, logger *zap.Logger) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = "gemini-1.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return newGeminiGenerator(client.Models, model, logger), nil
}

func newGeminiGenerator(models contentGenerator, model string, logger *zap.Logger) *GeminiGenerator {
	return &GeminiGenerator{
		models: models,
		model:  model,
		logger: logger.With(zap.String("component", "gemini")),
	}
}

// Generate implements Generator.
func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := g.models.GenerateContent(ctx, g.model, buildContents(req), generationConfig(req.UserName))
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}

	g.logger.Debug("generated response", zap.Int("length", len(text)), zap.Int("history", len(req.History)))
	return text, nil
}

func buildContents(req Request) []*genai.Content {
	history := recentHistory(req.History)
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, msg := range history {
		switch msg.Sender {
		case chat.SenderUser:
			contents = append(contents, genai.NewContentFromText(msg.Text, genai.RoleUser))
		case chat.SenderBot:
			contents = append(contents, genai.NewContentFromText(msg.Text, genai.RoleModel))
		}
	}
	return append(contents, genai.NewContentFromText(req.Message, genai.RoleUser))
}

func generationConfig(userName string) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemPrompt(userName), genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.7),
		TopK:              genai.Ptr[float32](40),
		TopP:              genai.Ptr[float32](0.95),
		MaxOutputTokens:   1024,
		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
		},
	}
}
