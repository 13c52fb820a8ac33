// Package client talks to a polychat server: JSON endpoints plus the multiplexed
// stream of chat, synthesis, catch-up and batch dispatches.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"polychat/internal/conversation"
	"polychat/internal/models"
	"polychat/internal/protocol"
)

const maxErrorBody = 64 << 10

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
	Type    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Type)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// Client is an authenticated API client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for baseURL. A nil httpClient uses a client without an overall
// timeout, since streams stay open for as long as the providers answer.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

// ChatParams is the body of a chat dispatch.
type ChatParams struct {
	Message        string            `json:"message"`
	Models         []string          `json:"models"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Paused         []string          `json:"paused,omitempty"`
	Roles          map[string]string `json:"roles,omitempty"`
	GlobalContext  *string           `json:"global_context,omitempty"`
}

// SynthesisParams is the body of a synthesis dispatch.
type SynthesisParams struct {
	ConversationID   string   `json:"conversation_id"`
	SelectedMessages []string `json:"selected_messages"`
	TargetModels     []string `json:"target_models"`
	SynthesisPrompt  string   `json:"synthesis_prompt,omitempty"`
}

// CatchupParams is the body of a catch-up dispatch.
type CatchupParams struct {
	ConversationID string   `json:"conversation_id"`
	NewModels      []string `json:"new_models"`
	MessageIDs     []string `json:"message_ids,omitempty"`
}

// BatchParams is the body of a batch run.
type BatchParams struct {
	Prompts        []string `json:"prompts"`
	Models         []string `json:"models"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Paused         []string `json:"paused,omitempty"`
}

// SettingsParams updates conversation settings.
type SettingsParams struct {
	Roles         map[string]string `json:"roles,omitempty"`
	GlobalContext *string           `json:"global_context,omitempty"`
}

// Chat dispatches a prompt and calls onFrame for every frame until the done frame.
func (c *Client) Chat(ctx context.Context, p ChatParams, onFrame func(protocol.Frame) error) error {
	return c.Stream(ctx, "/api/chat/stream", p, onFrame)
}

// Synthesis dispatches a synthesis of earlier messages.
func (c *Client) Synthesis(ctx context.Context, p SynthesisParams, onFrame func(protocol.Frame) error) error {
	return c.Stream(ctx, "/api/chat/synthesis", p, onFrame)
}

// Catchup brings new models up to speed on the conversation.
func (c *Client) Catchup(ctx context.Context, p CatchupParams, onFrame func(protocol.Frame) error) error {
	return c.Stream(ctx, "/api/chat/catchup", p, onFrame)
}

// Batch runs prompts sequentially on the server.
func (c *Client) Batch(ctx context.Context, p BatchParams, onFrame func(protocol.Frame) error) error {
	return c.Stream(ctx, "/api/chat/batch", p, onFrame)
}

// Stream posts body to path and reads the protocol stream. A connection lost before the
// done frame returns an error wrapping models.ErrTransport.
func (c *Client) Stream(ctx context.Context, path string, body any, onFrame func(protocol.Frame) error) error {
	resp, err := c.do(ctx, http.MethodPost, path, body, "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return fmt.Errorf("unexpected content type %q", ct)
	}
	err = protocol.Read(resp.Body, onFrame)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Models lists the server catalog.
func (c *Client) Models(ctx context.Context) ([]models.Model, error) {
	var out struct {
		Models []models.Model `json:"models"`
	}
	if err := c.getJSON(ctx, "/api/models", &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// Export fetches the structured export of a conversation.
func (c *Client) Export(ctx context.Context, conversationID string) (conversation.Export, error) {
	var out conversation.Export
	err := c.getJSON(ctx, "/api/conversations/"+conversationID+"/export", &out)
	return out, err
}

// PutSettings replaces roles and global context of a conversation.
func (c *Client) PutSettings(ctx context.Context, conversationID string, p SettingsParams) error {
	return c.sendJSON(ctx, http.MethodPut, "/api/conversations/"+conversationID+"/settings", p, nil)
}

// Feedback records a thumbs up or down.
func (c *Client) Feedback(ctx context.Context, messageID, feedback string) error {
	body := map[string]string{"message_id": messageID, "feedback": feedback}
	return c.sendJSON(ctx, http.MethodPost, "/api/chat/feedback", body, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.sendJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, accept string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}

	var payload struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error.Message != "" {
		apiErr.Message = payload.Error.Message
		apiErr.Type = payload.Error.Type
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// IsUnauthorized reports whether err is a 401 response.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}
