package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestUser_ValidateForCreate(t *testing.T) {
	valid := func() *User {
		return &User{
			ID:        "0190d5c8-7c4e-7f3a-9b1d-2f4e5a6b7c8d",
			Email:     "a@example.com",
			QueueName: "sd-jobs_0190d5c8-7c4e-7f3a-9b1d-2f4e5a6b7c8d",
			Identities: []Identity{
				{Provider: ProviderCognito, Subject: "sub-123"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(u *User)
		wantErr string
	}{
		{name: "valid", mutate: func(*User) {}},
		{name: "valid username", mutate: func(u *User) { u.Username = strPtr("dream.er_01-x") }},
		{name: "bad id", mutate: func(u *User) { u.ID = "nope" }, wantErr: "id must be a valid UUID"},
		{name: "no email", mutate: func(u *User) { u.Email = "" }, wantErr: "email is required"},
		{name: "no queue", mutate: func(u *User) { u.QueueName = "" }, wantErr: "queue_name is required"},
		{name: "short username", mutate: func(u *User) { u.Username = strPtr("ab") }, wantErr: "invalid username"},
		{name: "username with space", mutate: func(u *User) { u.Username = strPtr("a b c") }, wantErr: "invalid username"},
		{name: "empty subject", mutate: func(u *User) { u.Identities[0].Subject = "" }, wantErr: "identity provider and subject are required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := valid()
			tt.mutate(u)
			err := u.ValidateForCreate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUser_ProviderLinks(t *testing.T) {
	u := &User{Identities: []Identity{
		{Provider: ProviderCognito, Subject: "c-1"},
		{Provider: ProviderDiscord, Subject: "80351110224678912"},
	}}

	assert.Equal(t, map[string]string{"cognito": "c-1", "discord": "80351110224678912"}, u.ProviderLinks())

	sub, ok := u.Subject(ProviderDiscord)
	assert.True(t, ok)
	assert.Equal(t, "80351110224678912", sub)

	_, ok = u.Subject(ProviderGoogle)
	assert.False(t, ok)
}

func TestJSONMap_ScanValue(t *testing.T) {
	var m JSONMap
	require.NoError(t, m.Scan([]byte(`{"width":512,"model":"sdxl"}`)))
	assert.Equal(t, JSONMap{"width": float64(512), "model": "sdxl"}, m)

	require.NoError(t, m.Scan(`{"large_start_image":true}`))
	assert.Equal(t, JSONMap{"large_start_image": true}, m)

	require.NoError(t, m.Scan(nil))
	assert.Equal(t, JSONMap{}, m)

	assert.Error(t, m.Scan(42))
	assert.Error(t, m.Scan([]byte(`[1,2]`)))

	v, err := JSONMap(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", v)

	v, err = DefaultPreferences().Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"width":512,"height":512}`, v.(string))
}

func TestJSONMap_Clone(t *testing.T) {
	orig := JSONMap{"a": 1}
	c := orig.Clone()
	c["b"] = 2
	assert.NotContains(t, orig, "b")
	assert.NotNil(t, JSONMap(nil).Clone())
}
