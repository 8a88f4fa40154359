package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Automattic/pingbridge/internal/bus"
)

func TestParseControlMessage(t *testing.T) {
	msg, err := ParseControlMessage(registerFrame("addr1"))
	require.NoError(t, err)
	assert.Equal(t, TypeRegister, msg.Type)
	assert.Equal(t, "addr1", msg.Address)
	assert.Equal(t, Headers{"Accept": "application/json"}, msg.Headers)

	msg, err = ParseControlMessage([]byte(`{"type":"send","address":"a","headers":{"n":1,"b":true},"body":{"x":[1,2]},"replyAddress":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, Headers{"n": "1", "b": "true"}, msg.Headers)
	assert.JSONEq(t, `{"x":[1,2]}`, string(msg.Body))
	assert.Equal(t, "r1", msg.ReplyAddress)

	msg, err = ParseControlMessage([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, TypePing, msg.Type)
}

func TestParseControlMessageMalformed(t *testing.T) {
	for name, frame := range map[string]string{
		"not json":         `{"type":`,
		"not object":       `[1,2]`,
		"missing type":     `{"address":"a"}`,
		"unknown type":     `{"type":"subscribe","address":"a"}`,
		"missing address":  `{"type":"register"}`,
		"blank address":    `{"type":"publish","address":"  "}`,
		"reply on publish": `{"type":"publish","address":"a","replyAddress":"r"}`,
		"bad headers":      `{"type":"register","address":"a","headers":[1]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseControlMessage([]byte(frame))
			require.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestEncodeDelivery(t *testing.T) {
	b := encodeDelivery("addr1", nil, json.RawMessage(`42`))
	assert.JSONEq(t, `{"type":"rec","address":"addr1","body":42,"headers":{}}`, string(b))

	b = encodeDelivery("addr1", Headers{"k": "v"}, nil)
	assert.JSONEq(t, `{"type":"rec","address":"addr1","body":null,"headers":{"k":"v"}}`, string(b))

	b = encodeDelivery("addr1", nil, json.RawMessage(`{broken`))
	assert.JSONEq(t, `{"type":"rec","address":"addr1","body":null,"headers":{}}`, string(b))
}

func TestEncodeError(t *testing.T) {
	b := encodeError("addr1", failureFor(fmt.Errorf("register %q: %w", "addr1", ErrAlreadyRegistered)))
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "err", m["type"])
	assert.Equal(t, float64(409), m["failureCode"])
	assert.Equal(t, "already_registered", m["failureType"])
	assert.Equal(t, "addr1", m["address"])
	assert.Contains(t, m["message"], "already registered")
}

func TestFailureFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
		typ  string
	}{
		{ErrMalformedFrame, 400, "invalid_json"},
		{ErrPolicyDenied, 403, "access_denied"},
		{ErrPipelineTimeout, 403, "access_denied"},
		{ErrPolicyRevoked, 403, "policy_revoked"},
		{ErrNotRegistered, 404, "not_registered"},
		{ErrAlreadyRegistered, 409, "already_registered"},
		{ErrAddressTooLong, 414, "address_too_long"},
		{ErrTooManyHandlers, 429, "max_handlers_reached"},
		{ErrRateLimited, 429, "rate_limited"},
		{bus.ErrNoHandlers, 503, "NO_HANDLERS"},
		{ErrReplyTimeout, 504, "TIMEOUT"},
		{errors.New("boom"), 500, "internal_error"},
		{ProtocolError{Code: 418, Type: "teapot"}, 418, "teapot"},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			f := failureFor(fmt.Errorf("wrapped: %w", tt.err))
			assert.Equal(t, tt.code, f.Code)
			assert.Equal(t, tt.typ, f.Type)
		})
	}
}
