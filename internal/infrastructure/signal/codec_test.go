package signal

import (
	"encoding/json"
	"testing"
	"time"

	"sfuclient/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCodec(t *testing.T) {
	for name, frameType := range map[string]int{"": websocket.TextMessage, "json": websocket.TextMessage, "cbor": websocket.BinaryMessage} {
		codec, err := NewCodec(name)
		require.NoError(t, err, name)
		assert.Equal(t, frameType, codec.FrameType(), name)

		env := domain.Envelope{
			ID:      "r1",
			Kind:    domain.EnvelopeResponse,
			Type:    domain.MsgCreateTransport,
			ReplyTo: "q1",
			Code:    domain.CodeTransportNotFound,
			Content: json.RawMessage(`{"peerId":"p1"}`),
		}
		data, err := codec.Marshal(env)
		require.NoError(t, err)
		var got domain.Envelope
		require.NoError(t, codec.Unmarshal(data, &got))
		assert.Equal(t, env.ReplyTo, got.ReplyTo)
		assert.Equal(t, env.Code, got.Code)
		assert.JSONEq(t, string(env.Content), string(got.Content))
	}

	_, err := NewCodec("xml")
	assert.Error(t, err)
}

func signToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return raw
}

func TestParseJoinToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	token, err := ParseJoinToken(signToken(t, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}), now)
	require.NoError(t, err)
	assert.Equal(t, "alice", token.UserID)
	assert.Equal(t, time.Hour, token.TTL(now))

	token, err = ParseJoinToken(signToken(t, jwt.RegisteredClaims{Subject: "bob"}), now)
	require.NoError(t, err)
	assert.Zero(t, token.TTL(now))

	_, err = ParseJoinToken(signToken(t, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute)),
	}), now)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = ParseJoinToken(signToken(t, jwt.RegisteredClaims{}), now)
	assert.Error(t, err)

	_, err = ParseJoinToken("not-a-token", now)
	assert.Error(t, err)
}
