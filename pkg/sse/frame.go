// Package sse decodes OpenAI-compatible Server-Sent Events chat completion streams.
package sse

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pario-ai/llmrace/pkg/models"
)

const (
	dataPrefix = "data: "
	doneMarker = "[DONE]"
)

// FrameKind classifies a decoded line.
type FrameKind int

const (
	// FrameSkip is a line that carries no content: comments, blank lines,
	// malformed JSON, or chunks without a delta.
	FrameSkip FrameKind = iota
	// FrameContent carries a completion fragment.
	FrameContent
	// FrameDone is the terminal data: [DONE] marker.
	FrameDone
)

func (k FrameKind) String() string {
	switch k {
	case FrameContent:
		return "content"
	case FrameDone:
		return "done"
	default:
		return "skip"
	}
}

// Frame is one decoded SSE line.
type Frame struct {
	Kind    FrameKind
	Content string
}

// ParseLine decodes a single line without its trailing newline.
// Protocol errors never fail: they produce a FrameSkip.
func ParseLine(line string) Frame {
	line = strings.TrimSuffix(line, "\r")
	data, ok := strings.CutPrefix(line, dataPrefix)
	if !ok {
		return Frame{Kind: FrameSkip}
	}
	if strings.TrimSpace(data) == doneMarker {
		return Frame{Kind: FrameDone}
	}

	var chunk models.ChatCompletionChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return Frame{Kind: FrameSkip}
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return Frame{Kind: FrameSkip}
	}
	return Frame{Kind: FrameContent, Content: chunk.Choices[0].Delta.Content}
}

// Decoder splits an arbitrarily chunked byte stream into frames.
// The zero value is ready to use.
type Decoder struct {
	buf []byte
}

// Feed appends chunk to the carry-over buffer and returns the content and
// done frames of every complete line. A trailing partial line is kept.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		f := ParseLine(string(d.buf[:i]))
		d.buf = d.buf[i+1:]
		if f.Kind != FrameSkip {
			frames = append(frames, f)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

// Flush parses whatever is left in the buffer as a final line.
func (d *Decoder) Flush() (Frame, bool) {
	if len(d.buf) == 0 {
		return Frame{}, false
	}
	f := ParseLine(string(d.buf))
	d.buf = nil
	return f, f.Kind != FrameSkip
}

// Buffered returns the number of bytes waiting for a newline.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// EstimateTokens approximates the token count of s as ceil(bytes/4).
// It is a heuristic, not a tokenizer, and throughput figures are defined
// relative to it.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}
