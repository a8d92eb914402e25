package protocol

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/lut"
)

func testHandler(t *testing.T) *Handler {
	t.Helper()
	return NewHandler(nil, 0)
}

func TestParseEnvelope(t *testing.T) {
	h := testHandler(t)

	env, err := h.ParseEnvelope(bson.M{
		"command":   CommandSetLUT,
		"service":   "opengradeio",
		"instance":  "node-a",
		"type":      "lutbox",
		"arguments": bson.M{"lutSize": int32(33)},
	})
	require.NoError(t, err)
	require.NotNil(t, env)

	assert.Equal(t, CommandSetLUT, env.Command)
	assert.Equal(t, int32(33), env.Arguments["lutSize"])
	// Everything except command and arguments is metadata
	assert.Equal(t, "opengradeio", env.Metadata["service"])
	assert.Equal(t, "node-a", env.Metadata["instance"])
	assert.Equal(t, "lutbox", env.Metadata["type"])
	assert.NotContains(t, env.Metadata, "command")
	assert.NotContains(t, env.Metadata, "arguments")
}

func TestParseEnvelope_MissingArgumentsDefaultsEmpty(t *testing.T) {
	h := testHandler(t)

	env, err := h.ParseEnvelope(bson.M{"command": CommandSetCDL})
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.NotNil(t, env.Arguments)
	assert.Empty(t, env.Arguments)
}

func TestParseEnvelope_UnsupportedCommandReturnsNil(t *testing.T) {
	h := testHandler(t)

	env, err := h.ParseEnvelope(bson.M{"command": "setGamma"})
	require.NoError(t, err)
	assert.Nil(t, env, "unsupported command is not dispatched")
}

func TestParseEnvelope_MissingCommandIsError(t *testing.T) {
	h := testHandler(t)

	for _, doc := range []bson.M{
		{},
		{"command": ""},
		{"command": int32(7)},
	} {
		env, err := h.ParseEnvelope(doc)
		require.Error(t, err)
		assert.Nil(t, env)
		assert.ErrorIs(t, err, errors.ErrMalformedPayload)
	}
}

func TestHandleSetLUT(t *testing.T) {
	h := testHandler(t)
	identity, err := lut.Identity(4)
	require.NoError(t, err)

	cube, residual, err := h.HandleSetLUT(map[string]any{
		"lutData": primitive.Binary{Data: identity.WireBytes()},
		"lutSize": int32(4),
		"softclip": true,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, cube.Size)

	// Residual metadata keeps everything except the raw payload
	assert.NotContains(t, residual, "lutData")
	assert.Equal(t, int32(4), residual["lutSize"])
	assert.Equal(t, true, residual["softclip"])
}

func TestHandleSetLUT_MissingData(t *testing.T) {
	h := testHandler(t)

	_, _, err := h.HandleSetLUT(map[string]any{"lutSize": int32(4)})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingLUTData)
}

func TestHandleSetLUT_SizeMismatch(t *testing.T) {
	h := testHandler(t)
	identity, err := lut.Identity(4)
	require.NoError(t, err)

	_, _, err = h.HandleSetLUT(map[string]any{
		"lutData": primitive.Binary{Data: identity.WireBytes()},
		"lutSize": int32(8),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSizeMismatch)
}

func TestHandleSetLUT_BadPayload(t *testing.T) {
	h := testHandler(t)

	// 100 floats is not a perfect cube
	_, _, err := h.HandleSetLUT(map[string]any{
		"lutData": primitive.Binary{Data: make([]byte, 400)},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMalformedPayload)

	// Wrong argument type
	_, _, err = h.HandleSetLUT(map[string]any{"lutData": "not bytes"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMalformedPayload)
}

func TestChannel(t *testing.T) {
	h := testHandler(t)

	tests := []struct {
		name     string
		env      *Envelope
		expected string
	}{
		{
			"explicit channel argument wins",
			&Envelope{
				Arguments: map[string]any{"channel": "hero"},
				Metadata:  map[string]any{"instance": "node-a"},
			},
			"hero",
		},
		{
			"instance metadata fallback",
			&Envelope{
				Arguments: map[string]any{},
				Metadata:  map[string]any{"instance": "node-a"},
			},
			"node-a",
		},
		{
			"default channel when absent",
			&Envelope{Arguments: map[string]any{}, Metadata: map[string]any{}},
			"",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, h.Channel(test.env))
		})
	}
}

func TestResponses(t *testing.T) {
	ok := SuccessResponse()
	assert.Equal(t, 1, ok.Result)
	assert.Empty(t, ok.Error)

	fail := FailureResponse(errors.New("boom"))
	assert.Equal(t, 0, fail.Result)
	assert.Equal(t, "boom", fail.Error)

	fail = FailureResponse(nil)
	assert.Equal(t, 0, fail.Result)
	assert.NotEmpty(t, fail.Error)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	request := bson.M{
		"command":   CommandSetLUT,
		"arguments": bson.M{"lutData": primitive.Binary{Data: []byte{1, 2, 3, 4}}},
	}
	require.NoError(t, WriteFrame(&buf, request))

	frame, err := ReadFrame(&buf, 0)
	require.NoError(t, err)

	doc, err := DecodeDocument(frame)
	require.NoError(t, err)
	assert.Equal(t, CommandSetLUT, doc["command"])
}

func TestReadFrame_EOFOnClosedPeer(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), 0)
	assert.Equal(t, io.EOF, err)
}

func TestReadFrame_RejectsBadLengths(t *testing.T) {
	// Declared length below the minimal BSON document size
	_, err := ReadFrame(bytes.NewReader([]byte{4, 0, 0, 0}), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMalformedPayload)

	// Declared length above the configured maximum
	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 1}), 1024)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFrameTooLarge)

	// Truncated body
	_, err = ReadFrame(bytes.NewReader([]byte{32, 0, 0, 0, 1, 2}), 0)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func marshalFrame(t *testing.T, doc bson.M) []byte {
	t.Helper()
	data, err := bson.Marshal(doc)
	require.NoError(t, err)
	return data
}

func TestReadFrameDeadline_SlowFrameSurvivesPollWindow(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	frame := marshalFrame(t, bson.M{"command": CommandSetLUT})
	split := len(frame) / 2

	go func() {
		_, _ = client.Write(frame[:split])
		time.Sleep(300 * time.Millisecond)
		_, _ = client.Write(frame[split:])
	}()

	// The pause is well past the poll window; only the progress window
	// applies once the frame has begun
	got, err := ReadFrameDeadline(server, 0, 100*time.Millisecond, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestReadFrameDeadline_IdleSurfacesTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, err := ReadFrameDeadline(server, 0, 20*time.Millisecond, time.Second)
	require.Error(t, err)

	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
}

func TestReadFrameDeadline_MidFrameStallIsNotTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		// Two header bytes, then silence
		_, _ = client.Write([]byte{0x10, 0x00})
	}()

	_, err := ReadFrameDeadline(server, 0, time.Second, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	// A stalled frame must not look like an idle connection or the caller
	// would keep polling a desynchronized stream
	var netErr net.Error
	assert.False(t, errors.As(err, &netErr) && netErr.Timeout())
}

func TestReadFrameDeadline_EOFOnClosedPeer(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	require.NoError(t, client.Close())

	_, err := ReadFrameDeadline(server, 0, time.Second, time.Second)
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameDeadline_ClosedMidFrame(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	frame := marshalFrame(t, bson.M{"command": CommandSetLUT})
	go func() {
		_, _ = client.Write(frame[:6])
		_ = client.Close()
	}()

	_, err := ReadFrameDeadline(server, 0, time.Second, time.Second)
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
	assert.True(t, errors.IsTransient(err))
}

func TestHandleSetLUT_NonPositiveDeclaredSize(t *testing.T) {
	h := testHandler(t)
	identity, err := lut.Identity(4)
	require.NoError(t, err)

	for _, declared := range []int32{0, -4} {
		_, _, err := h.HandleSetLUT(map[string]any{
			"lutData": primitive.Binary{Data: identity.WireBytes()},
			"lutSize": declared,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrSizeMismatch)
		assert.True(t, errors.IsInvalid(err))
	}
}
