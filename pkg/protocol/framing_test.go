package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)

	require.NoError(t, fw.Write(KindExecuteRequest, []byte(`{"request_id":1}`)))
	require.NoError(t, fw.Write(KindCancel, []byte(`{"request_id":1}`)))

	fr := NewFrameReader(&buf)

	first, err := fr.Read()
	require.NoError(t, err)
	assert.Equal(t, KindExecuteRequest, first.Kind)
	assert.Equal(t, `{"request_id":1}`, string(first.Payload))

	second, err := fr.Read()
	require.NoError(t, err)
	assert.Equal(t, KindCancel, second.Kind)

	_, err = fr.Read()
	assert.Equal(t, io.EOF, err)
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	require.NoError(t, fw.Write(KindExecuteResponse, nil))

	frame, err := NewFrameReader(&buf).Read()
	require.NoError(t, err)
	assert.Equal(t, KindExecuteResponse, frame.Kind)
	assert.Empty(t, frame.Payload)
}

func TestFrameOversized(t *testing.T) {
	var header [5]byte
	binary.BigEndian.PutUint32(header[:4], MaxPayloadSize+2)
	header[4] = byte(KindExecuteRequest)

	_, err := NewFrameReader(bytes.NewReader(header[:])).Read()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameZeroLength(t *testing.T) {
	var header [4]byte
	_, err := NewFrameReader(bytes.NewReader(header[:])).Read()
	assert.Error(t, err)
}

func TestFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	require.NoError(t, fw.Write(KindExecuteRequest, []byte("abcdef")))

	// Drop the tail of the payload.
	raw := buf.Bytes()[:buf.Len()-3]

	_, err := NewFrameReader(bytes.NewReader(raw)).Read()
	assert.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestDecodeExecuteRequestDefaults(t *testing.T) {
	req, err := DecodeExecuteRequest([]byte(`{"request_id":7,"method":"GET","url":"https://api.example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), req.RequestID)
	assert.Equal(t, DefaultTenantID, req.TenantID)
	assert.Zero(t, req.Timeout())
}

func TestDecodeExecuteRequestMalformed(t *testing.T) {
	_, err := DecodeExecuteRequest([]byte(`{"request_id":`))
	assert.Error(t, err)
}

func TestDecodeMergesDuplicateHeadersLastWins(t *testing.T) {
	req, err := DecodeExecuteRequest([]byte(`{
		"request_id": 9,
		"method": "GET",
		"url": "https://api.example.com",
		"headers": {
			"Content-Type": "text/plain",
			"Accept": "application/json",
			"content-type": "application/json",
			"CONTENT-TYPE": "text/html"
		}
	}`))
	require.NoError(t, err)

	require.Len(t, req.Headers, 2)
	v, ok := req.Header("content-type")
	require.True(t, ok)
	assert.Equal(t, "text/html", v)
	// The first spelling survives the merge.
	_, ok = req.Headers["Content-Type"]
	assert.True(t, ok)
	assert.Equal(t, "application/json", req.Headers["Accept"])
}

func TestDecodeRejectsNonStringHeaderValue(t *testing.T) {
	_, err := DecodeExecuteRequest([]byte(`{"request_id":1,"method":"GET","url":"https://a.example.com","headers":{"X-N":7}}`))
	assert.Error(t, err)
}

func TestErrorClassRetryable(t *testing.T) {
	assert.True(t, ErrTransient.Retryable())
	assert.True(t, ErrRateLimited.Retryable())
	assert.True(t, ErrTimeout.Retryable())
	assert.False(t, ErrSuccess.Retryable())
	assert.False(t, ErrPermanent.Retryable())
	assert.False(t, ErrInvalidRequest.Retryable())
}

func TestErrorClassWireValues(t *testing.T) {
	assert.Equal(t, ErrorClass(0), ErrSuccess)
	assert.Equal(t, ErrorClass(1), ErrTransient)
	assert.Equal(t, ErrorClass(2), ErrPermanent)
	assert.Equal(t, ErrorClass(3), ErrRateLimited)
	assert.Equal(t, ErrorClass(4), ErrTimeout)
	assert.Equal(t, ErrorClass(5), ErrInvalidRequest)
}
