package identity

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/models"
)

func decodeJSON(t *testing.T, s string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewBufferString(s))
	dec.UseNumber()
	var raw map[string]any
	require.NoError(t, dec.Decode(&raw))
	return raw
}

func TestDecodeAttributes(t *testing.T) {
	attrs, err := DecodeAttributes(decodeJSON(t, `{
		"username": "dreamer",
		"preferences": {"width": 768, "model": "sdxl"},
		"features": {"large_start_image": true},
		"terms_accepted_at": 1740830400000,
		"idp:discord:id": 80351110224678912,
		"idp:google:id": "1234"
	}`))
	require.NoError(t, err)

	require.NotNil(t, attrs.Username)
	assert.Equal(t, "dreamer", *attrs.Username)
	assert.Equal(t, "sdxl", attrs.Preferences["model"])
	assert.Equal(t, true, attrs.Features["large_start_image"])
	require.NotNil(t, attrs.TermsAcceptedAt)
	assert.Equal(t, int64(1740830400000), *attrs.TermsAcceptedAt)
	assert.Equal(t, map[string]string{"discord": "80351110224678912", "google": "1234"}, attrs.Links)
	assert.Equal(t, []string{"discord", "google"}, attrs.linkedProviders())
	assert.False(t, attrs.IsZero())
}

func TestDecodeAttributes_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":        `{"iceCreamFlavor": "chocolate"}`,
		"wrong type":         `{"username": true}`,
		"empty link subject": `{"idp:google:id": ""}`,
		"fractional subject": `{"idp:google:id": 1.5}`,
		"object subject":     `{"idp:google:id": {"id": 1}}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeAttributes(decodeJSON(t, body))
			assert.ErrorIs(t, err, ErrInvalidAttributes)
		})
	}
}

func TestDecodeAttributes_Empty(t *testing.T) {
	attrs, err := DecodeAttributes(map[string]any{})
	require.NoError(t, err)
	assert.True(t, attrs.IsZero())
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in      any
		want    string
		wantErr bool
	}{
		{in: "sub-123", want: "sub-123"},
		{in: " padded ", want: "padded"},
		{in: json.Number("80351110224678912"), want: "80351110224678912"},
		{in: 42, want: "42"},
		{in: int64(80351110224678912), want: "80351110224678912"},
		{in: uint64(18446744073709551615), want: "18446744073709551615"},
		{in: float64(1234567), want: "1234567"},
		{in: float64(1e21), want: "1000000000000000000000"},
		{in: 1.5, wantErr: true},
		{in: "", wantErr: true},
		{in: nil, wantErr: true},
		{in: true, wantErr: true},
	}
	for _, tt := range tests {
		got, err := NormalizeSubject(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %v", tt.in)
			continue
		}
		require.NoError(t, err, "input %v", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "a@example.com", NormalizeEmail("  A@Example.COM "))
}

func TestAttributes_UpdateFor(t *testing.T) {
	stored := &models.User{
		Preferences: models.JSONMap{"width": float64(512), "height": float64(512)},
		Features:    models.JSONMap{"large_start_image": false},
	}
	name := "nelly"

	upd := Attributes{
		Username:    &name,
		Preferences: map[string]any{"width": float64(768), "model": "sdxl"},
	}.UpdateFor(stored)

	assert.Equal(t, &name, upd.Username)
	assert.Equal(t, models.JSONMap{"width": float64(768), "height": float64(512), "model": "sdxl"}, upd.Preferences)
	assert.Nil(t, upd.Features, "untouched maps are left out of the update")
	assert.Equal(t, float64(512), stored.Preferences["width"], "stored map is not modified")

	assert.True(t, Attributes{}.UpdateFor(stored).IsZero())
}
