// Package gemini streams responses from the Gemini streamGenerateContent endpoint.
package gemini

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

// Provider implements provider.Adapter for the Gemini API.
type Provider struct {
	vendor    models.Vendor
	baseURL   string
	headers   map[string]string
	client    *http.Client
	models    []models.Model
	maxTokens int
}

// New constructs a Gemini provider instance.
func New(vendor models.Vendor, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if cfg.APIStyle != config.APIStyleGemini {
		return nil, fmt.Errorf("gemini provider %q received unsupported api_style %q", vendor, cfg.APIStyle)
	}

	modelsList := make([]models.Model, 0, len(cfg.Models))
	for _, id := range cfg.Models {
		modelsList = append(modelsList, models.Model{ID: id, Vendor: vendor, APIStyle: cfg.APIStyle})
	}

	return &Provider{
		vendor:    vendor,
		baseURL:   baseURL,
		headers:   cfg.Headers,
		client:    client,
		models:    modelsList,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (p *Provider) Vendor() models.Vendor { return p.vendor }

func (p *Provider) Models() []models.Model {
	result := make([]models.Model, len(p.models))
	copy(result, p.models)
	return result
}

func (p *Provider) Stream(ctx context.Context, req provider.Request, creds models.Credentials) iter.Seq[provider.Chunk] {
	if creds.APIKey == "" {
		return provider.Fail(provider.MissingCredentials(p.vendor))
	}

	headers := map[string]string{"x-goog-api-key": creds.APIKey}
	for k, v := range p.headers {
		headers[k] = v
	}

	return provider.StreamSSE(ctx, p.client, provider.Post{
		URL:     fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", p.baseURL, req.Model),
		Headers: headers,
		Body:    buildPayload(req, p.maxTokens),
	}, newDecoder())
}

type payload struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

func buildPayload(req provider.Request, maxTokens int) payload {
	out := payload{Contents: make([]content, 0, len(req.Messages))}
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == models.RoleAssistant {
			role = "model"
		}
		out.Contents = append(out.Contents, content{Role: role, Parts: []part{{Text: msg.Content}}})
	}
	if maxTokens > 0 {
		out.GenerationConfig = &generationConfig{MaxOutputTokens: maxTokens}
	}
	return out
}

type response struct {
	Candidates     []candidate     `json:"candidates"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
	Error          *apiError       `json:"error,omitempty"`
}

type candidate struct {
	Content      *content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// newDecoder returns a per-call decoder. Each event normally carries only new text, but
// some deployments resend the cumulative text; when an event extends what was already
// emitted only the new suffix is returned.
func newDecoder() provider.Decoder {
	var emitted strings.Builder
	return func(ev sse.Event) (string, bool, *models.ProviderError) {
		var resp response
		if err := json.Unmarshal([]byte(ev.Data), &resp); err != nil {
			return "", false, provider.Malformed(err)
		}
		if resp.Error != nil {
			return "", false, classifyError(resp.Error)
		}
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", false, models.NewProviderError(models.ErrorKindUpstream, "prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		if len(resp.Candidates) == 0 {
			return "", false, nil
		}

		cand := resp.Candidates[0]
		var text strings.Builder
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				text.WriteString(p.Text)
			}
		}

		delta := text.String()
		sofar := emitted.String()
		if sofar != "" && len(delta) > len(sofar) && strings.HasPrefix(delta, sofar) {
			delta = delta[len(sofar):]
		}
		emitted.WriteString(delta)

		return delta, cand.FinishReason != "", nil
	}
}

func classifyError(apiErr *apiError) *models.ProviderError {
	if apiErr.Code != 0 {
		return provider.ClassifyStatus(apiErr.Code, apiErr.Message)
	}
	kind := models.ErrorKindUpstream
	if apiErr.Status == "RESOURCE_EXHAUSTED" {
		kind = models.ErrorKindRateLimit
	}
	return models.NewProviderError(kind, "%s", apiErr.Message)
}
