package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"polychat/internal/models"
	"polychat/internal/sse"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "polychat/0.1"
	maxErrorBody    = 64 * 1024
)

// Decoder turns one upstream SSE event into text. done reports a vendor-specific end of
// stream; a non-nil error ends the stream with that failure.
type Decoder func(ev sse.Event) (text string, done bool, err *models.ProviderError)

// Post is one streaming POST to an upstream endpoint.
type Post struct {
	URL     string
	Headers map[string]string
	Body    any
}

// StreamSSE performs req with client and converts the SSE response into chunks. The
// returned sequence always ends with exactly one Done chunk unless the consumer stops early.
func StreamSSE(ctx context.Context, client *http.Client, req Post, decode Decoder) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		httpReq, err := newStreamRequest(ctx, req)
		if err != nil {
			yield(Chunk{Done: true, Err: models.NewProviderError(models.ErrorKindUpstream, "%v", err)})
			return
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			yield(Chunk{Done: true, Err: TransportError(ctx, err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			yield(Chunk{Done: true, Err: StatusError(resp)})
			return
		}

		scanner := sse.NewScanner(resp.Body)
		for {
			ev, err := scanner.Next()
			if errors.Is(err, io.EOF) {
				yield(Chunk{Done: true})
				return
			}
			if err != nil {
				yield(Chunk{Done: true, Err: TransportError(ctx, err)})
				return
			}

			text, done, perr := decode(ev)
			if perr != nil {
				yield(Chunk{Done: true, Err: perr})
				return
			}
			if text != "" {
				if !yield(Chunk{Text: text}) {
					return
				}
			}
			if done {
				yield(Chunk{Done: true})
				return
			}
		}
	}
}

// Fail returns a stream holding only a terminal failure.
func Fail(err *models.ProviderError) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		yield(Chunk{Done: true, Err: err})
	}
}

// MissingCredentials is the failure for a vendor with no resolvable key.
func MissingCredentials(vendor models.Vendor) *models.ProviderError {
	return models.NewProviderError(models.ErrorKindCredentials, "No API key configured for %s", vendor)
}

// StatusError classifies a non-2xx upstream response.
func StatusError(resp *http.Response) *models.ProviderError {
	message := readErrorMessage(resp.Body)
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return ClassifyStatus(resp.StatusCode, message)
}

// ClassifyStatus maps an upstream HTTP status to an error kind.
func ClassifyStatus(status int, message string) *models.ProviderError {
	kind := models.ErrorKindUpstream
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = models.ErrorKindCredentials
	case status == http.StatusTooManyRequests:
		kind = models.ErrorKindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = models.ErrorKindTimeout
	}
	return models.NewProviderError(kind, "status %d: %s", status, message)
}

// TransportError classifies a failure to reach or read from the upstream.
func TransportError(ctx context.Context, err error) *models.ProviderError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.AsProviderError(ctxErr)
	}
	return models.AsProviderError(fmt.Errorf("upstream connection: %w", err))
}

// Malformed reports an upstream event that could not be decoded.
func Malformed(err error) *models.ProviderError {
	return models.NewProviderError(models.ErrorKindMalformed, "decode upstream event: %v", err)
}

func newStreamRequest(ctx context.Context, req Post) (*http.Request, error) {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("User-Agent", userAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// readErrorMessage extracts error.message from the common {"error":{"message":...}}
// envelope, falling back to the raw body.
func readErrorMessage(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return ""
	}

	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Error) > 0 {
		var detail struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Error, &detail); err == nil && detail.Message != "" {
			return detail.Message
		}
		var plain string
		if err := json.Unmarshal(envelope.Error, &plain); err == nil && plain != "" {
			return plain
		}
	}
	return strings.TrimSpace(string(body))
}
