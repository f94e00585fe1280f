package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/denis-ea7/cluely-sub000/internal/fault"
	"github.com/denis-ea7/cluely-sub000/pkg/logger"
)

// OpenAI serves both chat completion and audio-snippet transcription.
// Credentials come from the profile on every call, so one instance serves
// the whole key pool.
type OpenAI struct {
	baseURL string
	logger  *logger.Logger
}

// NewOpenAI creates the provider. baseURL may be empty for the default API.
func NewOpenAI(baseURL string, log *logger.Logger) *OpenAI {
	return &OpenAI{
		baseURL: baseURL,
		logger:  log.Named("openai"),
	}
}

func (o *OpenAI) ID() string { return "openai" }

func (o *OpenAI) client(credential string) *openai.Client {
	cfg := openai.DefaultConfig(credential)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Complete runs one chat completion.
func (o *OpenAI) Complete(ctx context.Context, credential, model string, messages []ChatMessage) (string, error) {
	reqMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		reqMessages = append(reqMessages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := o.client(credential).CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: reqMessages,
	})
	if err != nil {
		return "", o.classify(err, "chat completion failed")
	}
	if len(resp.Choices) == 0 {
		return "", fault.New(fault.KindProtocol, "openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Transcribe sends one recorded WAV clip to the transcription endpoint.
func (o *OpenAI) Transcribe(ctx context.Context, credential, model string, wav []byte) (string, error) {
	if model == "" {
		model = openai.Whisper1
	}
	resp, err := o.client(credential).CreateTranscription(ctx, openai.AudioRequest{
		Model:    model,
		FilePath: "snippet.wav",
		Reader:   bytes.NewReader(wav),
	})
	if err != nil {
		return "", o.classify(err, "snippet transcription failed")
	}
	return resp.Text, nil
}

// classify maps go-openai errors onto the shared fault taxonomy.
func (o *OpenAI) classify(err error, op string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		kind := classifyHTTP(apiErr.HTTPStatusCode, apiErr.Message)
		if apiErr.Code == "unsupported_country_region_territory" {
			kind = fault.KindRegionBlocked
		}
		return fault.Wrap(kind, fmt.Sprintf("openai %s", op), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTimeout, fmt.Sprintf("openai %s", op), err)
	}
	return fault.Wrap(fault.KindTransport, fmt.Sprintf("openai %s", op), err)
}
