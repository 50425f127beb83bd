package extract

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// DefaultModel is used when no model is configured
const DefaultModel = "gemini-2.5-flash"

// Generator sends one prompt to a language model and returns its text reply
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Gemini is a Generator backed by the Gemini API
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini generator. An empty apiKey lets the SDK read
// GEMINI_API_KEY / GOOGLE_API_KEY from the environment.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.1),
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
