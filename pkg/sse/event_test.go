package sse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseEventBasic(t *testing.T) {
	event, err := ParseEvent([]byte("id: 42\nevent: message\ndata: {\"v\":1}\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "42", event.ID)
	assert.Equal(t, "message", event.Type)
	assert.Equal(t, `{"v":1}`, string(event.Data))
}

func TestParseEventMultilineData(t *testing.T) {
	event, err := ParseEvent([]byte("data: line1\ndata: line2\ndata: line3\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\nline3", string(event.Data))
}

func TestParseEventCommentsAndUnknownFields(t *testing.T) {
	event, err := ParseEvent([]byte(": keepalive\nfoo: bar\ndata: x\nretry: 1500\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(event.Data))
	assert.Equal(t, 1500, event.Retry)
}

func TestParseEventCRLF(t *testing.T) {
	event, err := ParseEvent([]byte("event: delta\r\ndata: hello\r\n\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "delta", event.Type)
	assert.Equal(t, "hello", string(event.Data))
}

func TestSerializeEventMultiline(t *testing.T) {
	raw := SerializeEvent(&Event{Data: []byte("a\nb")})
	assert.Equal(t, "data: a\ndata: b\n\n", string(raw))
}

func TestEventRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.StringMatching(`[!-~]*`).Draw(t, "id")
		typ := rapid.StringMatching(`[!-~]*`).Draw(t, "event")
		data := rapid.String().Draw(t, "data")
		retry := rapid.IntRange(0, 10000).Draw(t, "retry")

		// Carriage returns and newlines are structural in the grammar, so
		// they cannot round-trip inside field values.
		if strings.ContainsAny(data, "\r") {
			t.Skip("CR is normalized by the parser")
		}

		input := &Event{ID: id, Type: typ, Retry: retry, Data: []byte(data)}
		parsed, err := ParseEvent(SerializeEvent(input))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}

		if parsed.ID != id || parsed.Type != typ {
			t.Fatalf("field mismatch: got (%q,%q) want (%q,%q)", parsed.ID, parsed.Type, id, typ)
		}
		if string(parsed.Data) != data {
			t.Fatalf("data mismatch: got %q want %q", parsed.Data, data)
		}
	})
}
