package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/denis-ea7/cluely-sub000/internal/fault"
	"github.com/denis-ea7/cluely-sub000/pkg/logger"
)

// Ollama is the local fallback provider. It talks to a locally running
// Ollama instance over plain HTTP and needs no credential.
type Ollama struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewOllama creates the fallback client for the given base URL
// (e.g. http://localhost:11434).
func NewOllama(baseURL string, timeout time.Duration, log *logger.Logger) *Ollama {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Ollama{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.Named("ollama"),
	}
}

func (o *Ollama) ID() string { return "ollama" }

// Available probes the local instance by listing its models. A short
// timeout keeps the region-block fallback decision fast.
func (o *Ollama) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		o.logger.Debug("Local fallback probe failed", logger.Error(err))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error"`
}

// Complete runs one chat completion against the local instance.
func (o *Ollama) Complete(ctx context.Context, model string, messages []ChatMessage) (string, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.KindTransport, "ollama chat request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusNotFound {
			return "", fault.Newf(fault.KindUnsupportedModel, "ollama model %q not available: %s", model, string(raw))
		}
		return "", fault.Newf(fault.KindTransport, "ollama chat failed: %s %s", resp.Status, string(raw))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fault.Wrap(fault.KindProtocol, "failed to decode ollama response", err)
	}
	if result.Error != "" {
		return "", fault.Newf(fault.KindTransport, "ollama error: %s", result.Error)
	}
	return result.Message.Content, nil
}
