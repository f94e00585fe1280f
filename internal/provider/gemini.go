package provider

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/denis-ea7/cluely-sub000/internal/fault"
	"github.com/denis-ea7/cluely-sub000/pkg/logger"
)

// Gemini serves chat completion through the Gemini API.
type Gemini struct {
	logger *logger.Logger
}

// NewGemini creates the provider.
func NewGemini(log *logger.Logger) *Gemini {
	return &Gemini{logger: log.Named("gemini")}
}

func (g *Gemini) ID() string { return "gemini" }

// Complete runs one chat completion. System messages become the system
// instruction; the rest map onto user/model turns.
func (g *Gemini) Complete(ctx context.Context, credential, model string, messages []ChatMessage) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  credential,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fault.Wrap(fault.KindTransport, "failed to create gemini client", err)
	}

	var config *genai.GenerateContentConfig
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			config = &genai.GenerateContentConfig{
				SystemInstruction: &genai.Content{
					Parts: []*genai.Part{{Text: m.Content}},
				},
			}
		case "assistant":
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}

	resp, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", g.classify(err)
	}

	text := resp.Text()
	if text == "" {
		return "", fault.New(fault.KindProtocol, "gemini returned no content")
	}
	return text, nil
}

// classify maps genai errors onto the shared fault taxonomy.
func (g *Gemini) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		kind := classifyHTTP(apiErr.Code, apiErr.Message)
		return fault.Wrap(kind, fmt.Sprintf("gemini chat completion failed (%s)", apiErr.Status), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTimeout, "gemini chat completion failed", err)
	}
	return fault.Wrap(fault.KindTransport, "gemini chat completion failed", err)
}
