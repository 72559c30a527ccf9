// Package auth validates the shared credential presented by relay clients.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrNoSecret is returned by New when neither a secret nor a hash is given.
var ErrNoSecret = errors.New("auth: no shared secret configured")

// Validator checks presented tokens against the relay's shared secret.
// It is immutable after construction and safe for concurrent use.
type Validator struct {
	secret []byte
	hash   []byte
}

// New creates a validator. When hash is non-empty it is a bcrypt hash and
// takes precedence over secret.
func New(secret, hash string) (*Validator, error) {
	if secret == "" && hash == "" {
		return nil, ErrNoSecret
	}
	v := &Validator{}
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, err
		}
		v.hash = []byte(hash)
		return v, nil
	}
	v.secret = []byte(secret)
	return v, nil
}

// Validate reports whether token matches the shared secret.
// An empty token is always rejected.
func (v *Validator) Validate(token string) bool {
	if token == "" {
		return false
	}
	if v.hash != nil {
		return bcrypt.CompareHashAndPassword(v.hash, []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare(v.secret, []byte(token)) == 1
}

// HashSecret returns a bcrypt hash of secret suitable for auth.secret_hash.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// GenerateSecret returns a random 256-bit secret, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ExtractToken returns the value of the first "token" pair in rawQuery.
// The key must match exactly; "tokenx=1" or "xtoken=1" do not count.
// The value is returned exactly as sent, without percent-decoding, so it
// compares equal to the shared secret the client was configured with.
func ExtractToken(rawQuery string) (string, bool) {
	if rawQuery == "" {
		return "", false
	}
	for _, pair := range strings.Split(rawQuery, "&") {
		key, value, found := strings.Cut(pair, "=")
		if !found || key != "token" {
			continue
		}
		return value, true
	}
	return "", false
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// TokenFrom looks for a token in the query first and falls back to the
// Authorization header.
func TokenFrom(rawQuery, authorization string) (string, bool) {
	if token, ok := ExtractToken(rawQuery); ok {
		return token, true
	}
	return BearerToken(authorization)
}
