package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DoneSentinel is the terminal payload chat-completion providers emit to mark
// end-of-stream.
const DoneSentinel = "[DONE]"

// ErrNoEvents is returned when a stream terminates without producing a single
// valid event. Callers treat it as a transient upstream failure.
var ErrNoEvents = errors.New("event stream produced no valid events")

// ErrBodyLimit is returned when a buffered relay exceeds its byte budget.
var ErrBodyLimit = errors.New("buffered event stream exceeds body limit")

// EmitFunc receives each decoded event payload in arrival order. Returning an
// error stops the relay; the remainder of the stream is abandoned.
type EmitFunc func(data []byte) error

const (
	scanInitialBuffer = 64 * 1024
	scanMaxToken      = 1024 * 1024
)

// Relay consumes one upstream event stream until the DONE sentinel, a clean
// close, ctx cancellation, or a consumer error.
type Relay struct {
	// Coalesce extracts chat-completion content deltas and joins them into
	// one logical text value in buffered mode.
	Coalesce bool
	// MaxBody bounds the accumulated buffered body; zero means no limit.
	MaxBody int64
}

// Buffered accumulates the full stream and returns it as one body. With
// Coalesce set, the body is the concatenation of the extracted delta text of
// every event; a stream whose events carry no delta shape at all falls back
// to the raw payloads joined by newlines, which is also the non-Coalesce
// behavior. The returned count is the number of valid events observed.
func (rl *Relay) Buffered(ctx context.Context, r io.Reader) ([]byte, int, error) {
	var raw, text bytes.Buffer
	events := 0

	err := rl.scan(ctx, r, func(data []byte) error {
		events++
		if rl.Coalesce {
			if delta, ok := ExtractDelta(data); ok {
				text.WriteString(delta)
			}
		}
		if raw.Len() > 0 {
			raw.WriteByte('\n')
		}
		raw.Write(data)
		return rl.checkLimit(&raw)
	})
	if err != nil {
		return nil, events, err
	}
	if events == 0 {
		return nil, 0, ErrNoEvents
	}
	if rl.Coalesce && text.Len() > 0 {
		return text.Bytes(), events, nil
	}
	return raw.Bytes(), events, nil
}

// Incremental emits each decoded event payload as it arrives, preserving
// arrival order, and returns the number of events delivered. End-of-stream
// (sentinel or clean close) is signalled by returning nil; the caller sends
// its own terminal marker to the client.
func (rl *Relay) Incremental(ctx context.Context, r io.Reader, emit EmitFunc) (int, error) {
	events := 0
	err := rl.scan(ctx, r, func(data []byte) error {
		events++
		return emit(data)
	})
	if err != nil {
		return events, err
	}
	if events == 0 {
		return 0, ErrNoEvents
	}
	return events, nil
}

func (rl *Relay) checkLimit(body *bytes.Buffer) error {
	if rl.MaxBody > 0 && int64(body.Len()) > rl.MaxBody {
		return ErrBodyLimit
	}
	return nil
}

// scan walks the stream one event block at a time. Malformed blocks (no data
// after a non-blank line, or unscannable fields) are skipped rather than
// aborting the stream.
func (rl *Relay) scan(ctx context.Context, r io.Reader, onEvent func([]byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scanInitialBuffer), scanMaxToken)

	var block bytes.Buffer
	flush := func() (bool, error) {
		defer block.Reset()
		if block.Len() == 0 {
			return false, nil
		}
		event, err := ParseEvent(block.Bytes())
		if err != nil || len(event.Data) == 0 {
			// Garbled frame: skip it, keep the stream alive.
			return false, nil
		}
		if string(event.Data) == DoneSentinel {
			return true, nil
		}
		return false, onEvent(event.Data)
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		if strings.TrimSuffix(line, "\r") == "" {
			done, err := flush()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}
		block.WriteString(line)
		block.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}

	// Clean close without a trailing blank line still flushes the last block.
	_, err := flush()
	return err
}

// deltaEnvelope covers the two common chat-completion stream shapes:
// OpenAI-style choices[0].delta.content and Anthropic-style top-level
// delta.text.
type deltaEnvelope struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

// ExtractDelta pulls the content fragment out of a chat-completion stream
// event. It reports false for events that carry no delta text (role
// preambles, usage frames, unparseable payloads).
func ExtractDelta(data []byte) (string, bool) {
	var env deltaEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", false
	}
	if len(env.Choices) > 0 && env.Choices[0].Delta.Content != "" {
		return env.Choices[0].Delta.Content, true
	}
	if env.Delta.Text != "" {
		return env.Delta.Text, true
	}
	return "", false
}
