package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// EventWriter receives the client-facing events of one chat exchange.
type EventWriter interface {
	WriteToken(token string) error
	WriteDone() error
	WriteError(msg string) error
}

type tokenEvent struct {
	Token string `json:"token"`
}

type doneEvent struct {
	Done bool `json:"done"`
}

type errorEvent struct {
	Error string `json:"error"`
}

// SSEWriter encodes events as "data: <json>\n\n" frames and flushes after
// each one. Once a write fails (client gone) later writes are dropped.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
	mu      sync.Mutex
	err     error
}

func NewSSEWriter(w io.Writer) *SSEWriter {
	f, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: f}
}

// PrepareHeaders sets the streaming response headers. It must run before
// the first body write.
func PrepareHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func (s *SSEWriter) WriteToken(token string) error {
	return s.writeEvent(tokenEvent{Token: token})
}

func (s *SSEWriter) WriteDone() error {
	return s.writeEvent(doneEvent{Done: true})
}

func (s *SSEWriter) WriteError(msg string) error {
	return s.writeEvent(errorEvent{Error: msg})
}

// Err reports the first write failure, if any.
func (s *SSEWriter) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *SSEWriter) writeEvent(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}

	frame, err := encodeFrame(v)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(frame); err != nil {
		s.err = fmt.Errorf("write event: %w", err)
		return s.err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func encodeFrame(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("data: ")
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	// Encode already appended one newline.
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
