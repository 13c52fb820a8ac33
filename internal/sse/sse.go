// Package sse reads and writes Server-Sent Events. The scanner is used both for upstream
// provider streams and for the client side of the stream protocol.
package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maxLineSize bounds a single SSE line. The bufio default of 64 KiB is too small for
// long completions delivered in one chunk.
const maxLineSize = 1 << 20

// Event is one dispatched SSE event.
type Event struct {
	Name string
	Data string
}

// Scanner reads SSE events from a reader.
type Scanner struct {
	scanner *bufio.Scanner
}

// NewScanner creates a Scanner over r.
func NewScanner(r io.Reader) *Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Scanner{scanner: scanner}
}

// Next returns the next event that carries data. Comments and data-less events are
// skipped. Multi-line data fields are joined with newlines. The OpenAI "[DONE]"
// sentinel and the end of input both return io.EOF.
func (s *Scanner) Next() (Event, error) {
	var (
		name      string
		dataLines []string
	)

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if len(dataLines) > 0 {
				return Event{Name: name, Data: strings.Join(dataLines, "\n")}, nil
			}
			name = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			name = strings.TrimSpace(value)
		case "data":
			if strings.TrimSpace(value) == "[DONE]" {
				return Event{}, io.EOF
			}
			dataLines = append(dataLines, value)
		}
	}

	if err := s.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("sse scan: %w", err)
	}

	if len(dataLines) > 0 {
		return Event{Name: name, Data: strings.Join(dataLines, "\n")}, nil
	}
	return Event{}, io.EOF
}

// WriteEvent writes one named event whose data is the JSON encoding of payload.
func WriteEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return fmt.Errorf("write SSE event name: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
