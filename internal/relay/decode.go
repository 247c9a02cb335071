package relay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// ReadDeltas decodes an upstream event stream and calls onDelta for every
// non-empty choices[0].delta.content, in arrival order. Bytes are decoded
// as UTF-8 statefully, so a rune split across reads is reassembled, and a
// line split across reads is held until its newline arrives. Lines without
// the data prefix, the [DONE] sentinel and lines that are not valid JSON
// are skipped. It returns nil when the body ends cleanly.
func ReadDeltas(body io.Reader, onDelta func(string)) error {
	br := bufio.NewReader(transform.NewReader(body, unicode.UTF8.NewDecoder()))
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if delta, ok := parseLine(line); ok {
				onDelta(delta)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read upstream stream: %w", err)
		}
	}
}

func parseLine(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if raw == "" || raw == doneSentinel {
		return "", false
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(raw), &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return "", false
	}
	return chunk.Choices[0].Delta.Content, true
}
