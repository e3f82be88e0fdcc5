// Package webhook authenticates inbound webhook requests signed with a shared
// secret using HMAC-SHA256.
//
// Gateways disagree on how they encode the digest, so VerifyHMAC accepts
// lowercase or uppercase hex as well as standard and URL-safe base64, with or
// without padding. An optional "sha256=" prefix is stripped. The comparison is
// constant-time.
//
// # Usage
//
//	body, _ := io.ReadAll(r.Body)
//	if err := webhook.VerifyHMAC(secret, body, r.Header.Get("X-Signature")); err != nil {
//		if webhook.IsAuthenticationError(err) {
//			// 401
//		}
//		// missing secret: 500
//	}
//
// Sign produces the hex digest a sender would attach; it is mostly useful in tests
// and for local replay tooling.
package webhook
