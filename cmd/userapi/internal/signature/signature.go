// Package signature signs and verifies request bodies exchanged with trusted
// machine senders. Signatures are SHA-256 digests signed with RSA PKCS#1 v1.5
// or ECDSA (ASN.1), carried as base64 in a request header.
package signature

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Algorithm names the only scheme in use.
const Algorithm = "sha256+asymmetric"

// Envelope is a payload together with its signature.
type Envelope struct {
	Payload   []byte
	Signature string
	Algorithm string
}

// Seal signs payload and wraps both in an Envelope.
func Seal(payload []byte, priv crypto.Signer) (Envelope, error) {
	sig, err := Sign(payload, priv)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Payload: payload, Signature: sig, Algorithm: Algorithm}, nil
}

// Sign returns the base64 signature of payload. An empty payload is signable.
func Sign(payload []byte, priv crypto.Signer) (string, error) {
	if priv == nil {
		return "", fmt.Errorf("sign: no private key")
	}
	switch priv.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
	default:
		return "", fmt.Errorf("sign: unsupported key type %T", priv)
	}

	digest := sha256.Sum256(payload)
	sig, err := priv.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether sig is a valid signature of payload under pub.
// It never panics: malformed input, unknown key types and nil keys all
// yield false.
func Verify(payload []byte, sig string, pub crypto.PublicKey) bool {
	raw, ok := decodeBase64(sig)
	if !ok || len(raw) == 0 {
		return false
	}

	digest := sha256.Sum256(payload)
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k == nil {
			return false
		}
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], raw) == nil
	case *ecdsa.PublicKey:
		if k == nil {
			return false
		}
		return ecdsa.VerifyASN1(k, digest[:], raw)
	default:
		return false
	}
}

// CanonicalBody returns the bytes a sender signs for a JSON request body:
// the compact serialization with members in the order they were sent.
// A body with no content canonicalizes to the empty payload.
func CanonicalBody(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return []byte{}, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("canonical body: %w", err)
	}
	return buf.Bytes(), nil
}

// SignJSON marshals v compactly and signs the result. It returns the exact
// bytes that were signed so callers send what they signed.
func SignJSON(v any, priv crypto.Signer) ([]byte, string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	sig, err := Sign(payload, priv)
	if err != nil {
		return nil, "", err
	}
	return payload, sig, nil
}

// decodeBase64 accepts standard or URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, bool) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, true
		}
	}
	return nil, false
}
