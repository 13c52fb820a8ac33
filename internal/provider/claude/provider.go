package claude

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

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Provider streams Anthropic Messages API responses.
type Provider struct {
	vendor    models.Vendor
	headers   map[string]string
	client    *http.Client
	models    []models.Model
	maxTokens int
	messages  string
}

// New constructs a Claude provider instance.
func New(vendor models.Vendor, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if cfg.APIStyle != config.APIStyleClaude {
		return nil, fmt.Errorf("claude provider %q received unsupported api_style %q", vendor, cfg.APIStyle)
	}

	modelsList := make([]models.Model, 0, len(cfg.Models))
	for _, id := range cfg.Models {
		modelsList = append(modelsList, models.Model{
			ID:       id,
			Vendor:   vendor,
			APIStyle: cfg.APIStyle,
		})
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Provider{
		vendor:    vendor,
		headers:   cfg.Headers,
		client:    client,
		models:    modelsList,
		maxTokens: maxTokens,
		messages:  baseURL + "/v1/messages",
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

	payload, err := buildMessagePayload(req, p.maxTokens)
	if err != nil {
		return provider.Fail(models.NewProviderError(models.ErrorKindUpstream, "%v", err))
	}

	headers := map[string]string{
		"x-api-key":         creds.APIKey,
		"anthropic-version": apiVersion,
	}
	for k, v := range p.headers {
		headers[k] = v
	}

	return provider.StreamSSE(ctx, p.client, provider.Post{
		URL:     p.messages,
		Headers: headers,
		Body:    payload,
	}, decodeEvent)
}

type messagePayload struct {
	Model     string    `json:"model"`
	Messages  []message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// buildMessagePayload folds consecutive turns of the same role, since the Messages API
// requires alternating roles starting with the user.
func buildMessagePayload(req provider.Request, maxTokens int) (messagePayload, error) {
	messages := make([]message, 0, len(req.Messages))

	for _, msg := range req.Messages {
		text := strings.TrimSpace(msg.Content)
		if text == "" {
			continue
		}
		role := string(msg.Role)
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, contentBlock{Type: "text", Text: text})
			continue
		}
		messages = append(messages, message{
			Role:    role,
			Content: []contentBlock{{Type: "text", Text: text}},
		})
	}

	if len(messages) == 0 {
		return messagePayload{}, errors.New("claude request requires at least one user message")
	}
	if messages[0].Role != string(models.RoleUser) {
		return messagePayload{}, errors.New("claude conversation must start with a user message")
	}

	return messagePayload{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    true,
	}, nil
}

type streamEvent struct {
	Type  string    `json:"type"`
	Delta *delta    `json:"delta,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type delta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func decodeEvent(ev sse.Event) (string, bool, *models.ProviderError) {
	var event streamEvent
	if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
		return "", false, provider.Malformed(err)
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta != nil && event.Delta.Type == "text_delta" {
			return event.Delta.Text, false, nil
		}
	case "message_stop":
		return "", true, nil
	case "error":
		if event.Error == nil {
			return "", false, models.NewProviderError(models.ErrorKindUpstream, "claude stream error")
		}
		return "", false, classifyStreamError(event.Error)
	}
	return "", false, nil
}

func classifyStreamError(apiErr *apiError) *models.ProviderError {
	kind := models.ErrorKindUpstream
	switch apiErr.Type {
	case "rate_limit_error", "overloaded_error":
		kind = models.ErrorKindRateLimit
	case "authentication_error", "permission_error":
		kind = models.ErrorKindCredentials
	}
	return models.NewProviderError(kind, "%s", apiErr.Message)
}
