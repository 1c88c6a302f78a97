package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/rcliao/voicekb/internal/apperr"
	"github.com/rcliao/voicekb/internal/model"
	"github.com/rcliao/voicekb/internal/prompt"
)

// Gemini generates replies through the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini generator.
func NewGemini(ctx context.Context, apiKey, modelName string) (*Gemini, error) {
	if modelName == "" {
		modelName = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: modelName}, nil
}

func (g *Gemini) Generate(ctx context.Context, p *prompt.Prompt, opts Options) (string, error) {
	system, contents := toGeminiContents(p.Messages)
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if opts.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", classifyGemini(err)
	}
	text := resp.Text()
	if text == "" {
		return "", apperr.New(apperr.ProviderUnavailable, "gemini returned no text")
	}
	return text, nil
}

// toGeminiContents folds system messages into one instruction; Gemini has no
// system role inside the conversation.
func toGeminiContents(msgs []prompt.Message) (string, []*genai.Content) {
	var system string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case model.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return system, contents
}

func classifyGemini(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apperr.FromStatus("gemini", apiErr.Code, "", err)
	}
	return apperr.FromStatus("gemini", 0, "", err)
}
