package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Key syntax: one or more non-empty segments separated by ':'. Validation is
// parse-don't-sanitize — invalid keys are rejected, valid keys pass through
// unchanged.

// forbiddenKeyChars are rejected anywhere in a key. '/' and '\' would break
// the filesystem path mapping; the rest are shell/filesystem hazards.
const forbiddenKeyChars = "/\\*?\"'<>|"

// ValidateKey checks key syntax and returns the key unchanged on success.
func ValidateKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 {
			return "", fmt.Errorf("%w: control character in %q", ErrInvalidKey, key)
		}
		if strings.ContainsRune(forbiddenKeyChars, r) {
			return "", fmt.Errorf("%w: character %q in %q", ErrInvalidKey, r, key)
		}
	}
	if strings.HasPrefix(key, ":") || strings.HasSuffix(key, ":") {
		return "", fmt.Errorf("%w: leading or trailing separator in %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, ":") {
		if seg == "" {
			return "", fmt.Errorf("%w: consecutive separators in %q", ErrInvalidKey, key)
		}
		if seg == "." || seg == ".." || strings.HasPrefix(seg, "..") {
			return "", fmt.Errorf("%w: path-traversal segment %q in %q", ErrInvalidKey, seg, key)
		}
	}
	return key, nil
}

// KeyToPath maps a validated key to a relative filesystem path by replacing
// ':' with the OS path separator.
func KeyToPath(key string) string {
	return filepath.Join(strings.Split(key, ":")...)
}

// PathToKey is the inverse of KeyToPath for paths relative to the base dir.
func PathToKey(rel string) string {
	return strings.Join(strings.Split(filepath.ToSlash(rel), "/"), ":")
}
