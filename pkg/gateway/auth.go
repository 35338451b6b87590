package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// MaxAuthAttempts is how many bad signatures a client may send before
	// the connection is closed.
	MaxAuthAttempts = 3

	// ChallengeTTL bounds how long a challenge can be answered.
	ChallengeTTL = 30 * time.Second
)

// Auth result events.
const (
	eventAuthChallenge = "auth.challenge"
	eventAuthSuccess   = "auth.success"
	eventAuthFailure   = "auth.failure"
)

// AuthHandler issues HMAC challenges and checks the answers.
type AuthHandler struct {
	sharedSecret []byte
	ttl          time.Duration
	now          func() time.Time
}

// NewAuthHandler creates a handler for sharedSecret
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: []byte(sharedSecret),
		ttl:          ChallengeTTL,
		now:          time.Now,
	}
}

// Sign returns the hex HMAC-SHA256 of challenge under secret, which is
// what a client answers an auth.challenge with.
func Sign(secret, challenge string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// Challenge gives client a fresh random challenge and returns the message
// to send it.
func (a *AuthHandler) Challenge(client *Client) (AuthChallenge, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return AuthChallenge{}, fmt.Errorf("failed to generate challenge: %w", err)
	}

	client.Challenge = hex.EncodeToString(nonce)
	client.ChallengeIssued = a.now()
	client.State = StateAuthenticating
	return AuthChallenge{Event: eventAuthChallenge, Challenge: client.Challenge}, nil
}

// VerifySignature checks signature against challenge in constant time.
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	expected := Sign(string(a.sharedSecret), challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// VerifySecret compares a secret presented over plain HTTP.
func (a *AuthHandler) VerifySecret(secret string) bool {
	return subtle.ConstantTimeCompare(a.sharedSecret, []byte(secret)) == 1
}

// HandleAuthResponse checks a client's answer and updates its state. A
// challenge is single use: it is cleared on success and on expiry.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return AuthResult{Event: eventAuthFailure, Message: "No challenge found"}
	}
	if a.now().Sub(client.ChallengeIssued) > a.ttl {
		client.Challenge = ""
		client.AuthAttempts = MaxAuthAttempts
		return AuthResult{Event: eventAuthFailure, Message: "Challenge expired"}
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= MaxAuthAttempts {
			return AuthResult{Event: eventAuthFailure, Message: "Too many failed attempts"}
		}
		return AuthResult{Event: eventAuthFailure, Message: "Invalid signature"}
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""
	return AuthResult{Event: eventAuthSuccess, Success: true}
}
