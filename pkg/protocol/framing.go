package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	// frameLengthSize is the width of the big-endian length prefix.
	frameLengthSize = 4
	// kindSize is the width of the message-kind tag.
	kindSize = 1
	// MaxPayloadSize bounds a single frame payload. Frames announcing more
	// are treated as protocol corruption and abort the channel.
	MaxPayloadSize = 10 * 1024 * 1024
)

// ErrFrameTooLarge is returned when a frame length prefix exceeds MaxPayloadSize.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d byte payload limit", MaxPayloadSize)

// Frame is one decoded transport frame.
type Frame struct {
	Kind    MessageKind
	Payload []byte
}

// FrameReader decodes length-prefixed frames from a byte stream.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for frame decoding.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Read blocks until one complete frame is available or the stream fails.
// io.EOF is returned unchanged on clean close between frames.
func (fr *FrameReader) Read() (Frame, error) {
	var lenBuf [frameLengthSize]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Frame{}, fmt.Errorf("truncated frame header: %w", err)
		}
		return Frame{}, err
	}

	total := binary.BigEndian.Uint32(lenBuf[:])
	if total < kindSize {
		return Frame{}, fmt.Errorf("invalid frame length %d", total)
	}
	if total-kindSize > MaxPayloadSize {
		return Frame{}, ErrFrameTooLarge
	}

	kind, err := fr.r.ReadByte()
	if err != nil {
		return Frame{}, fmt.Errorf("truncated frame kind: %w", err)
	}

	payload := make([]byte, total-kindSize)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return Frame{}, fmt.Errorf("truncated frame payload: %w", err)
	}

	return Frame{Kind: MessageKind(kind), Payload: payload}, nil
}

// FrameWriter encodes frames onto a byte stream. It is not safe for
// concurrent use; callers serialize writes themselves.
type FrameWriter struct {
	w *bufio.Writer
}

// NewFrameWriter wraps w for frame encoding.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(w)}
}

// Write emits one frame and flushes it to the underlying stream.
func (fw *FrameWriter) Write(kind MessageKind, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return ErrFrameTooLarge
	}

	var lenBuf [frameLengthSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(kindSize+len(payload)))

	if _, err := fw.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if err := fw.w.WriteByte(byte(kind)); err != nil {
		return err
	}
	if _, err := fw.w.Write(payload); err != nil {
		return err
	}
	return fw.w.Flush()
}

// WriteMessage JSON-encodes v and writes it as a frame of the given kind.
func (fw *FrameWriter) WriteMessage(kind MessageKind, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return fw.Write(kind, payload)
}

// DecodeExecuteRequest parses and normalizes an execute-request payload.
// Duplicate header names (case-insensitive) merge with the later occurrence
// in document order winning; the first spelling seen is preserved.
func DecodeExecuteRequest(payload []byte) (*ExecuteRequest, error) {
	var req ExecuteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode execute request: %w", err)
	}
	if len(req.Headers) > 0 {
		headers, err := decodeOrderedHeaders(payload)
		if err != nil {
			return nil, fmt.Errorf("decode execute request: %w", err)
		}
		req.Headers = headers
	}
	req.Normalize()
	return &req, nil
}

// decodeOrderedHeaders re-reads the headers object token by token. A Go map
// forgets document order, so the duplicate-name merge has to happen while the
// JSON is still a byte stream.
func decodeOrderedHeaders(payload []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if key, _ := keyTok.(string); key != "headers" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}

		open, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if open == nil {
			return nil, nil
		}
		if d, ok := open.(json.Delim); !ok || d != '{' {
			return nil, fmt.Errorf("headers is not an object")
		}

		headers := make(map[string]string)
		spelling := make(map[string]string)
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			name, _ := nameTok.(string)
			var value string
			if err := dec.Decode(&value); err != nil {
				return nil, fmt.Errorf("header %q value: %w", name, err)
			}
			lower := strings.ToLower(name)
			if prior, ok := spelling[lower]; ok {
				headers[prior] = value
				continue
			}
			spelling[lower] = name
			headers[name] = value
		}
		return headers, nil
	}
	return nil, nil
}

// DecodeCancel parses a cancel payload.
func DecodeCancel(payload []byte) (*Cancel, error) {
	var c Cancel
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("decode cancel: %w", err)
	}
	return &c, nil
}
