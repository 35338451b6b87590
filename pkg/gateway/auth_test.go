package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign(t *testing.T) {
	sig := Sign("test-secret", "abc")
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, Sign("test-secret", "abc"))
	assert.NotEqual(t, sig, Sign("other-secret", "abc"))
	assert.NotEqual(t, sig, Sign("test-secret", "abd"))
}

func TestAuthHandler_Challenge(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	first, second := &Client{ID: "a"}, &Client{ID: "b"}
	msg, err := auth.Challenge(first)
	require.NoError(t, err)
	_, err = auth.Challenge(second)
	require.NoError(t, err)

	t.Run("should send the challenge stored on the client", func(t *testing.T) {
		assert.Equal(t, "auth.challenge", msg.Event)
		assert.Equal(t, first.Challenge, msg.Challenge)
		assert.Len(t, msg.Challenge, 64)
		assert.Equal(t, StateAuthenticating, first.State)
		assert.False(t, first.ChallengeIssued.IsZero())
	})

	t.Run("should issue unique challenges", func(t *testing.T) {
		assert.NotEqual(t, first.Challenge, second.Challenge)
	})
}

func TestAuthHandler_VerifySecret(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	assert.True(t, auth.VerifySecret("test-secret"))
	assert.False(t, auth.VerifySecret("test-secre"))
	assert.False(t, auth.VerifySecret(""))
}

func TestAuthHandler_HandleAuthResponse(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	auth := NewAuthHandler("test-secret")
	auth.now = func() time.Time { return now }

	challenged := func(attempts int, age time.Duration) *Client {
		return &Client{
			ID:              "test-client",
			Challenge:       "test-challenge",
			ChallengeIssued: now.Add(-age),
			AuthAttempts:    attempts,
			State:           StateAuthenticating,
		}
	}

	tests := []struct {
		name          string
		client        *Client
		signature     string
		success       bool
		message       string
		attempts      int
		authenticated bool
	}{
		{"should accept the signed challenge", challenged(1, time.Second), Sign("test-secret", "test-challenge"), true, "", 0, true},
		{"should count a bad signature", challenged(0, time.Second), "invalid-signature", false, "Invalid signature", 1, false},
		{"should reject a signature with the wrong secret", challenged(0, time.Second), Sign("wrong", "test-challenge"), false, "Invalid signature", 1, false},
		{"should block after the last attempt", challenged(MaxAuthAttempts-1, time.Second), "invalid-signature", false, "Too many failed attempts", MaxAuthAttempts, false},
		{"should refuse an expired challenge", challenged(0, ChallengeTTL+time.Second), Sign("test-secret", "test-challenge"), false, "Challenge expired", MaxAuthAttempts, false},
		{"should refuse a client without challenge", &Client{ID: "test-client"}, "any", false, "No challenge found", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := auth.HandleAuthResponse(tt.client, tt.signature)

			assert.Equal(t, tt.success, result.Success)
			assert.Equal(t, tt.message, result.Message)
			assert.Equal(t, tt.attempts, tt.client.AuthAttempts)
			assert.Equal(t, tt.authenticated, tt.client.Authenticated)
			if tt.success {
				assert.Equal(t, "auth.success", result.Event)
				assert.Equal(t, StateAuthenticated, tt.client.State)
				assert.Empty(t, tt.client.Challenge)
			} else {
				assert.Equal(t, "auth.failure", result.Event)
			}
		})
	}
}
