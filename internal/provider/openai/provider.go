package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"polychat/internal/config"
	"polychat/internal/models"
	"polychat/internal/provider"
	"polychat/internal/sse"
)

// Provider streams chat completions from an OpenAI-compatible API. The same
// implementation serves every vendor that speaks this dialect.
type Provider struct {
	vendor  models.Vendor
	headers map[string]string
	client  *http.Client
	models  []models.Model
	chatURL string
}

// New creates a new OpenAI-compatible provider for vendor.
func New(vendor models.Vendor, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if cfg.APIStyle != config.APIStyleOpenAI {
		return nil, fmt.Errorf("openai provider %q received unsupported api_style %q", vendor, cfg.APIStyle)
	}

	modelsList := make([]models.Model, 0, len(cfg.Models))
	for _, id := range cfg.Models {
		modelsList = append(modelsList, models.Model{
			ID:       id,
			Vendor:   vendor,
			APIStyle: cfg.APIStyle,
		})
	}

	return &Provider{
		vendor:  vendor,
		headers: cfg.Headers,
		client:  client,
		models:  modelsList,
		chatURL: baseURL + "/chat/completions",
	}, nil
}

func (p *Provider) Vendor() models.Vendor {
	return p.vendor
}

func (p *Provider) Models() []models.Model {
	result := make([]models.Model, len(p.models))
	copy(result, p.models)
	return result
}

func (p *Provider) Stream(ctx context.Context, req provider.Request, creds models.Credentials) iter.Seq[provider.Chunk] {
	if creds.APIKey == "" {
		return provider.Fail(provider.MissingCredentials(p.vendor))
	}

	headers := make(map[string]string, len(p.headers)+1)
	headers["Authorization"] = "Bearer " + creds.APIKey
	for k, v := range p.headers {
		headers[k] = v
	}

	return provider.StreamSSE(ctx, p.client, provider.Post{
		URL:     p.chatURL,
		Headers: headers,
		Body:    buildChatPayload(req),
	}, decodeChunk)
}

type chatPayload struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildChatPayload(req provider.Request) chatPayload {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openAIMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return chatPayload{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
}

type chunkResponse struct {
	Choices []chunkChoice   `json:"choices"`
	Error   *apiErrorObject `json:"error,omitempty"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Content string `json:"content"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// decodeChunk reads one chat.completion.chunk. The stream itself ends on the [DONE]
// sentinel, which the scanner reports as end of input.
func decodeChunk(ev sse.Event) (string, bool, *models.ProviderError) {
	var chunk chunkResponse
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return "", false, provider.Malformed(err)
	}
	if chunk.Error != nil {
		return "", false, classifyStreamError(chunk.Error)
	}

	var text strings.Builder
	for _, choice := range chunk.Choices {
		text.WriteString(choice.Delta.Content)
	}
	return text.String(), false, nil
}

func classifyStreamError(apiErr *apiErrorObject) *models.ProviderError {
	kind := models.ErrorKindUpstream
	switch apiErr.Type {
	case "rate_limit_error", "rate_limit_exceeded", "insufficient_quota":
		kind = models.ErrorKindRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		kind = models.ErrorKindCredentials
	}
	return models.NewProviderError(kind, "%s", apiErr.Message)
}
