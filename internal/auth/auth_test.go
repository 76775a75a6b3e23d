package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/formguard/formguard/internal/store"
)

func TestExtractKey(t *testing.T) {
	tests := []struct {
		name          string
		authorization string
		apiKey        string
		want          string
	}{
		{"x-api-key header", "", "fgk_abc123", "fgk_abc123"},
		{"x-api-key wins over authorization", "Bearer fgk_other", "fgk_abc123", "fgk_abc123"},
		{"x-api-key trimmed", "", " fgk_abc123 ", "fgk_abc123"},
		{"bearer token", "Bearer fgk_abc123", "", "fgk_abc123"},
		{"lowercase bearer", "bearer fgk_abc123", "", "fgk_abc123"},
		{"bearer with extra whitespace", "Bearer  fgk_abc123 ", "", "fgk_abc123"},
		{"bare key in authorization", "fgk_abc123", "", "fgk_abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractKey(tt.authorization, tt.apiKey)
			if err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected key %q, got %q", tt.want, got)
			}
		})
	}
}

func TestExtractKey_Missing(t *testing.T) {
	tests := []struct {
		name          string
		authorization string
		apiKey        string
	}{
		{"no headers", "", ""},
		{"whitespace only x-api-key", "", "   "},
		{"whitespace only authorization", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractKey(tt.authorization, tt.apiKey)
			if !errors.Is(err, ErrMissingClientKey) {
				t.Errorf("expected ErrMissingClientKey, got: %v", err)
			}
		})
	}
}

func TestStaticAuthenticator_ValidKey(t *testing.T) {
	a := NewStaticAuthenticator()

	client, err := a.Authenticate(context.Background(), "fgk_abc123")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if client.ClientID != "local" {
		t.Errorf("expected client ID 'local', got %q", client.ClientID)
	}
	if client.Mode != store.ModeEnforce {
		t.Errorf("expected mode enforce, got %q", client.Mode)
	}
	if client.Observing() {
		t.Error("static client should not be in observe mode")
	}
}

func TestStaticAuthenticator_MissingKey(t *testing.T) {
	a := NewStaticAuthenticator()

	_, err := a.Authenticate(context.Background(), "")
	if !errors.Is(err, ErrMissingClientKey) {
		t.Errorf("expected ErrMissingClientKey, got: %v", err)
	}
}

func TestStaticAuthenticator_MalformedKey(t *testing.T) {
	a := NewStaticAuthenticator()

	tests := []struct {
		name string
		key  string
	}{
		{"wrong prefix", "bad_abc123"},
		{"no prefix", "abc123"},
		{"sk_ prefix", "sk_abc123"},
		{"bearer residue", "Bearer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), tt.key)
			if !errors.Is(err, ErrInvalidClientKey) {
				t.Errorf("expected ErrInvalidClientKey for key %q, got: %v", tt.key, err)
			}
		})
	}
}

func TestClientContext_Observing(t *testing.T) {
	enforce := &ClientContext{Mode: store.ModeEnforce}
	if enforce.Observing() {
		t.Error("enforce mode should not be observing")
	}

	observe := &ClientContext{Mode: store.ModeObserve}
	if !observe.Observing() {
		t.Error("observe mode should be observing")
	}
}

func BenchmarkStaticAuthenticator(b *testing.B) {
	a := NewStaticAuthenticator()
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		a.Authenticate(ctx, "fgk_abc123")
	}
}

var _ Authenticator = (*StaticAuthenticator)(nil)
