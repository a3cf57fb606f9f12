package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestValidateKey_Valid(t *testing.T) {
	valid := []string{
		"a",
		"users:42:name",
		"backlog",
		"seq:messages",
		"agents:swift-otter",
		"messages:000001",
		"ключ:значение", // UTF-8 above 0x7F is allowed
		"a-b_c.d:e",
	}
	for _, key := range valid {
		got, err := ValidateKey(key)
		if err != nil {
			t.Errorf("ValidateKey(%q) unexpected error: %v", key, err)
		}
		if got != key {
			t.Errorf("ValidateKey(%q) = %q, want unchanged", key, got)
		}
	}
}

func TestValidateKey_Invalid(t *testing.T) {
	invalid := []string{
		"",
		"a/b",
		`a\b`,
		"a::b",
		":a",
		"a:",
		"a*b",
		"a?b",
		`a"b`,
		"a'b",
		"a<b",
		"a>b",
		"a|b",
		"a\x00b",
		"a\tb",
		"a\nb",
		".",
		"..",
		"..hidden",
		"a:..:b",
		"a:.",
		"a:..x",
	}
	for _, key := range invalid {
		if _, err := ValidateKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ValidateKey(%q) = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestKeyToPath_RoundTrip(t *testing.T) {
	tests := []struct {
		key  string
		path string
	}{
		{"a", "a"},
		{"users:42:name", filepath.Join("users", "42", "name")},
		{"seq:messages", filepath.Join("seq", "messages")},
	}
	for _, tt := range tests {
		if got := KeyToPath(tt.key); got != tt.path {
			t.Errorf("KeyToPath(%q) = %q, want %q", tt.key, got, tt.path)
		}
		if back := PathToKey(tt.path); back != tt.key {
			t.Errorf("PathToKey(%q) = %q, want %q", tt.path, back, tt.key)
		}
	}
}
