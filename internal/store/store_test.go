package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGenerateClientKey(t *testing.T) {
	fullKey, hash, prefix, err := GenerateClientKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(fullKey, "fgk_"))
	assert.Len(t, fullKey, 52)
	assert.Equal(t, fullKey[:KeyPrefixLen], prefix)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(fullKey)))

	other, _, _, err := GenerateClientKey()
	require.NoError(t, err)
	assert.NotEqual(t, fullKey, other)
}

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"shop.example.com", "shop.example.com"},
		{"  Shop.Example.COM. ", "shop.example.com"},
		{"PAY.EXAMPLE.COM", "pay.example.com"},
		{"trailing.dot.", "trailing.dot"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeDomain(tt.in); got != tt.want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidMode(t *testing.T) {
	assert.True(t, ValidMode(ModeEnforce))
	assert.True(t, ValidMode(ModeObserve))
	assert.False(t, ValidMode("shadow"))
	assert.False(t, ValidMode(""))
}
