// Package token issues compact HMAC-SHA256 signed tokens carrying a JSON payload.
//
// Format: base64url(payload) "." base64url(signature). Set-password links use
// Issue and Verify, which bind a subject to a purpose and an expiry.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidToken     = errors.New("invalid token format")
	ErrSignatureInvalid = errors.New("token signature mismatch")
	ErrExpired          = errors.New("token expired")
	ErrWrongPurpose     = errors.New("token issued for another purpose")
	ErrEmptySecret      = errors.New("token secret is empty")
)

// Generate signs the JSON encoding of payload.
func Generate[T any](payload T, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data) + "." +
		base64.RawURLEncoding.EncodeToString(sign(data, secret)), nil
}

// Parse verifies the signature and decodes the payload.
func Parse[T any](tok, secret string) (T, error) {
	var payload T
	if secret == "" {
		return payload, ErrEmptySecret
	}
	body, sig, ok := strings.Cut(tok, ".")
	if !ok {
		return payload, ErrInvalidToken
	}
	data, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return payload, errors.Join(ErrInvalidToken, err)
	}
	mac, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return payload, errors.Join(ErrInvalidToken, err)
	}
	if !hmac.Equal(mac, sign(data, secret)) {
		return payload, ErrSignatureInvalid
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, errors.Join(ErrInvalidToken, err)
	}
	return payload, nil
}

func sign(data []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return h.Sum(nil)
}

// Claims bind a subject to a purpose until an expiry.
type Claims struct {
	Subject   string `json:"sub"`
	Purpose   string `json:"pur"`
	ExpiresAt int64  `json:"exp"`
}

// Issue creates a token for subject valid for ttl from now.
func Issue(secret, subject, purpose string, ttl time.Duration, now time.Time) (string, error) {
	return Generate(Claims{Subject: subject, Purpose: purpose, ExpiresAt: now.Add(ttl).Unix()}, secret)
}

// Verify checks signature, purpose and expiry.
func Verify(secret, tok, purpose string, now time.Time) (Claims, error) {
	c, err := Parse[Claims](tok, secret)
	if err != nil {
		return Claims{}, err
	}
	if c.Purpose != purpose {
		return Claims{}, ErrWrongPurpose
	}
	if now.Unix() >= c.ExpiresAt {
		return Claims{}, ErrExpired
	}
	return c, nil
}
