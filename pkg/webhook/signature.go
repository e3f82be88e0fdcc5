package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Sign returns the hex encoded HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	return hex.EncodeToString(digest(secret, payload))
}

// SignBase64 returns the standard base64 encoded HMAC-SHA256 of payload.
func SignBase64(secret string, payload []byte) string {
	return base64.StdEncoding.EncodeToString(digest(secret, payload))
}

// VerifyHMAC checks signature against the HMAC-SHA256 of the raw payload.
// The signature may be hex or base64 encoded.
func VerifyHMAC(secret string, payload []byte, signature string) error {
	if secret == "" {
		return ErrMissingSecret
	}

	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, "sha256=")
	if signature == "" {
		return ErrMissingSignature
	}

	expected := digest(secret, payload)
	for _, candidate := range decodeSignature(signature) {
		if hmac.Equal(expected, candidate) {
			return nil
		}
	}

	return ErrSignatureMismatch
}

func digest(secret string, payload []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return h.Sum(nil)
}

// decodeSignature returns every plausible decoding of the signature.
// All candidates are compared; a wrong length simply fails hmac.Equal.
func decodeSignature(signature string) [][]byte {
	candidates := make([][]byte, 0, 2)

	if b, err := hex.DecodeString(signature); err == nil {
		candidates = append(candidates, b)
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(signature); err == nil {
			candidates = append(candidates, b)
			break
		}
	}

	return candidates
}
