package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerateAPIKey(t *testing.T) {
	key, hash, prefix, err := GenerateAPIKey()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(key, "gwk_"))
	require.Len(t, key, 4+64)
	require.Equal(t, key[:KeyPrefixLength], prefix)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)))

	other, _, _, err := GenerateAPIKey()
	require.NoError(t, err)
	require.NotEqual(t, key, other)
}

func TestSplitScopes(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"analyze", []string{"analyze"}},
		{"Analyze, chat ,,admin", []string{"analyze", "chat", "admin"}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, SplitScopes(tt.in), tt.in)
	}
}
