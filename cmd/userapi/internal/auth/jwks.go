package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of pub, base64url encoded.
// It is used as the stable kid for a key.
func Thumbprint(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// PublicJWKS renders pub as a single-key JSON Web Key Set so third parties
// can verify session tokens and webhook signatures.
func PublicJWKS(pub crypto.PublicKey) (jose.JSONWebKeySet, error) {
	kid, err := Thumbprint(pub)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	var alg string
	switch k := pub.(type) {
	case *rsa.PublicKey:
		alg = string(jose.RS256)
	case *ecdsa.PublicKey:
		switch k.Curve.Params().BitSize {
		case 384:
			alg = string(jose.ES384)
		case 521:
			alg = string(jose.ES512)
		default:
			alg = string(jose.ES256)
		}
	default:
		return jose.JSONWebKeySet{}, fmt.Errorf("unsupported public key type %T", pub)
	}

	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       pub,
			KeyID:     kid,
			Algorithm: alg,
			Use:       "sig",
		}},
	}, nil
}
