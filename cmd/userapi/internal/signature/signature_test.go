package signature_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/keys/keystest"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/signature"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	rsaKey := keystest.RSAKey(t)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	payloads := [][]byte{
		{},
		[]byte(`{}`),
		[]byte(`{"triggerSource":"PostConfirmation_ConfirmSignUp","userPoolId":"us-east-1_123"}`),
		[]byte(strings.Repeat("x", 64*1024)),
	}

	for _, payload := range payloads {
		sig, err := signature.Sign(payload, rsaKey)
		require.NoError(t, err)
		assert.True(t, signature.Verify(payload, sig, &rsaKey.PublicKey), "rsa round trip, len=%d", len(payload))

		sig, err = signature.Sign(payload, ecKey)
		require.NoError(t, err)
		assert.True(t, signature.Verify(payload, sig, &ecKey.PublicKey), "ecdsa round trip, len=%d", len(payload))
	}
}

func TestVerify_Rejects(t *testing.T) {
	key := keystest.RSAKey(t)
	other := keystest.RSAKey(t)
	payload := []byte(`{"email":"a@example.com"}`)

	sig, err := signature.Sign(payload, key)
	require.NoError(t, err)
	otherSig, err := signature.Sign(payload, other)
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
		sig     string
		pub     any
	}{
		{"tampered payload", []byte(`{"email":"b@example.com"}`), sig, &key.PublicKey},
		{"signature from another key", payload, otherSig, &key.PublicKey},
		{"wrong public key", payload, sig, &other.PublicKey},
		{"not base64", payload, "%%%not-base64%%%", &key.PublicKey},
		{"empty signature", payload, "", &key.PublicKey},
		{"garbage bytes", payload, base64.StdEncoding.EncodeToString([]byte("garbage")), &key.PublicKey},
		{"nil key", payload, sig, nil},
		{"unsupported key type", payload, sig, "not a key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.False(t, signature.Verify(tt.payload, tt.sig, tt.pub))
			})
		})
	}
}

func TestVerify_AcceptsUnpaddedAndURLSafe(t *testing.T) {
	key := keystest.RSAKey(t)
	payload := []byte(`{"a":1}`)

	sig, err := signature.Sign(payload, key)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)

	assert.True(t, signature.Verify(payload, base64.RawStdEncoding.EncodeToString(raw), &key.PublicKey))
	assert.True(t, signature.Verify(payload, base64.URLEncoding.EncodeToString(raw), &key.PublicKey))
}

func TestSign_NoKey(t *testing.T) {
	_, err := signature.Sign([]byte("x"), nil)
	assert.Error(t, err)
}

func TestCanonicalBody(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace only", " \n\t", ""},
		{"already compact", `{"b":1,"a":2}`, `{"b":1,"a":2}`},
		{"pretty printed keeps member order", "{\n  \"b\": 1,\n  \"a\": [1, 2]\n}\n", `{"b":1,"a":[1,2]}`},
		{"string content untouched", `{"p":"a  b"}`, `{"p":"a  b"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := signature.CanonicalBody([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	_, err := signature.CanonicalBody([]byte(`{"unterminated":`))
	assert.Error(t, err)
}

func TestSignJSON_SignsWhatItReturns(t *testing.T) {
	key := keystest.RSAKey(t)

	body, sig, err := signature.SignJSON(map[string]string{"event": "user.created"}, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"user.created"}`, string(body))
	assert.True(t, signature.Verify(body, sig, &key.PublicKey))

	env, err := signature.Seal(body, key)
	require.NoError(t, err)
	assert.Equal(t, signature.Algorithm, env.Algorithm)
	assert.True(t, signature.Verify(env.Payload, env.Signature, &key.PublicKey))
}
