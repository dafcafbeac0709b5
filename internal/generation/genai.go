package generation

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const structuredMIMEType = "application/json"

// GenAIConfig configures the Gemini transport.
type GenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// GenAITransport performs single attempts against the Gemini API.
type GenAITransport struct {
	client *genai.Client
	model  string
}

// NewGenAITransport builds a transport. No network I/O happens here.
func NewGenAITransport(ctx context.Context, cfg GenAIConfig) (*GenAITransport, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("gemini model is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenAITransport{client: client, model: cfg.Model}, nil
}

// Do sends one request. Errors from the SDK (network or status) are wrapped in
// ErrTransport; a response without text yields ErrEmptyResponse.
func (t *GenAITransport) Do(ctx context.Context, req Request) (string, error) {
	gc := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.Structured {
		gc.ResponseMIMEType = structuredMIMEType
	}

	resp, err := t.client.Models.GenerateContent(ctx, t.model, genai.Text(req.Prompt), gc)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return extractText(resp)
}

// extractText walks candidates[0].content.parts[0].text.
func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	candidate := resp.Candidates[0]
	if candidate == nil || candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", ErrEmptyResponse
	}
	part := candidate.Content.Parts[0]
	if part == nil || part.Text == "" {
		return "", ErrEmptyResponse
	}
	return part.Text, nil
}
