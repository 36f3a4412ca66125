package secrets_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/portal/internal/secrets"
)

func newSealer(t *testing.T) *secrets.Sealer {
	t.Helper()
	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	s, err := secrets.NewSealer(key)
	require.NoError(t, err)
	return s
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	_, err := secrets.NewSealer(make([]byte, 16))
	assert.ErrorIs(t, err, secrets.ErrInvalidKeySize)
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := newSealer(t)
	aad := []byte("integration-1")

	sealed, err := s.Seal([]byte("xoxb-token"), aad)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "xoxb-token")

	got, err := s.Open(sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, "xoxb-token", string(got))

	again, err := s.Seal([]byte("xoxb-token"), aad)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces must differ")
}

func TestOpenFailures(t *testing.T) {
	s := newSealer(t)
	sealed, err := s.Seal([]byte("secret"), []byte("row-a"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff

	tests := []struct {
		name   string
		sealed []byte
		aad    string
	}{
		{"tampered", tampered, "row-a"},
		{"other row", sealed, "row-b"},
		{"truncated", sealed[:10], "row-a"},
		{"empty", nil, "row-a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Open(tt.sealed, []byte(tt.aad))
			assert.ErrorIs(t, err, secrets.ErrOpen)
		})
	}

	_, err = newSealer(t).Open(sealed, []byte("row-a"))
	assert.ErrorIs(t, err, secrets.ErrOpen, "different key")
}

func TestCredentials(t *testing.T) {
	s := newSealer(t)
	aad := []byte("integration-2")

	none, err := s.SealCredentials(map[string]string{}, aad)
	require.NoError(t, err)
	assert.Nil(t, none)

	creds, err := s.OpenCredentials(nil, aad)
	require.NoError(t, err)
	assert.Nil(t, creds)

	sealed, err := s.SealCredentials(map[string]string{"token": "abc", "team": "T1"}, aad)
	require.NoError(t, err)
	creds, err = s.OpenCredentials(sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "abc", "team": "T1"}, creds)
}
