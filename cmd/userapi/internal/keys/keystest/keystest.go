// Package keystest provides throwaway key material for tests.
package keystest

import (
	"crypto/rsa"
	"testing"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/config"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/keys"
)

// RSAKey generates a 2048-bit RSA key or fails the test.
func RSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := keys.GenerateRSAKey(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// Pair returns a signing key pair backed by a fresh RSA key.
func Pair(t testing.TB) keys.KeyPair {
	t.Helper()
	key := RSAKey(t)
	return keys.KeyPair{Public: &key.PublicKey, Private: key}
}

// Store returns a key store with independent keys for every signer, plus the
// Cognito private key so tests can play the lambda.
func Store(t testing.TB) (*keys.Store, *rsa.PrivateKey) {
	t.Helper()
	cognito := RSAKey(t)
	return &keys.Store{
		Cognito: keys.KeyPair{Public: &cognito.PublicKey},
		Webhook: Pair(t),
		Session: Pair(t),
	}, cognito
}

// WriteConfig writes three fresh key pairs under a temp dir and returns the
// matching config section.
func WriteConfig(t testing.TB) config.KeysConfig {
	t.Helper()
	dir := t.TempDir()

	write := func(name string) (string, string) {
		priv, pub, err := keys.WriteKeyPair(dir, name, RSAKey(t), false)
		if err != nil {
			t.Fatalf("write %s keys: %v", name, err)
		}
		return priv, pub
	}

	_, cognitoPub := write("cognito")
	webhookPriv, webhookPub := write("webhook")
	sessionPriv, sessionPub := write("session")

	return config.KeysConfig{
		CognitoPublicKeyPath:  cognitoPub,
		WebhookPublicKeyPath:  webhookPub,
		WebhookPrivateKeyPath: webhookPriv,
		SessionPublicKeyPath:  sessionPub,
		SessionPrivateKeyPath: sessionPriv,
	}
}
