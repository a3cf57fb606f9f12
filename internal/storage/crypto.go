package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"
)

// cryptoVersionTag prefixes every encrypted value so a store mixing encrypted
// and plaintext rows stays readable: untagged values pass through unchanged.
const cryptoVersionTag = 0x01

// ResolveEncryptionKey resolves key material in order: environment variable,
// file path, direct value. Returns nil when no key is configured.
func ResolveEncryptionKey(envVar, filePath, direct string) ([]byte, error) {
	if v := os.Getenv(envVar); v != "" {
		return deriveKey(v), nil
	}
	if filePath != "" {
		raw, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("%w: read encryption key file: %v", ErrOperationFailed, err)
		}
		return deriveKey(strings.TrimSpace(string(raw))), nil
	}
	if direct != "" {
		return deriveKey(direct), nil
	}
	return nil, nil
}

// deriveKey stretches arbitrary key material to the AES-256 key size.
func deriveKey(material string) []byte {
	sum := sha256.Sum256([]byte(material))
	return sum[:]
}

// Encrypted decorates a Backend with at-rest AES-256-GCM value encryption.
// Keys, counters, locks, and pub/sub payloads are not encrypted; only values
// written through Set/SetIfAbsent/CompareAndSwap/AtomicUpdate.
type Encrypted struct {
	inner Backend
	aead  cipher.AEAD
}

// NewEncrypted wraps inner with value encryption under the given 32-byte key.
func NewEncrypted(inner Backend, key []byte) (*Encrypted, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: encryption enabled but no key material", ErrOperationFailed)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: init cipher: %v", ErrOperationFailed, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: init gcm: %v", ErrOperationFailed, err)
	}
	return &Encrypted{inner: inner, aead: aead}, nil
}

func (e *Encrypted) seal(plain string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrOperationFailed, err)
	}
	ct := e.aead.Seal(nonce, nonce, []byte(plain), nil)
	return string([]byte{cryptoVersionTag}) + base64.StdEncoding.EncodeToString(ct), nil
}

// open decrypts a stored value. Values without the version tag are returned
// unchanged so pre-encryption rows stay readable.
func (e *Encrypted) open(stored string) (string, error) {
	if stored == "" || stored[0] != cryptoVersionTag {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(stored[1:])
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", ErrOperationFailed, err)
	}
	ns := e.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("%w: ciphertext too short", ErrOperationFailed)
	}
	plain, err := e.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: decrypt: %v", ErrOperationFailed, err)
	}
	return string(plain), nil
}

func (e *Encrypted) Get(ctx context.Context, key string) (string, bool, error) {
	stored, ok, err := e.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	plain, err := e.open(stored)
	if err != nil {
		return "", false, err
	}
	return plain, true, nil
}

func (e *Encrypted) Set(ctx context.Context, key, value string) error {
	sealed, err := e.seal(value)
	if err != nil {
		return err
	}
	return e.inner.Set(ctx, key, sealed)
}

func (e *Encrypted) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	sealed, err := e.seal(value)
	if err != nil {
		return false, err
	}
	return e.inner.SetIfAbsent(ctx, key, sealed)
}

// CompareAndSwap compares against the decrypted current value, then swaps on
// the raw stored bytes so the atomicity guarantee stays with the inner
// backend.
func (e *Encrypted) CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error) {
	stored, ok, err := e.inner.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	plain, err := e.open(stored)
	if err != nil {
		return false, err
	}
	if plain != expected {
		return false, nil
	}
	sealed, err := e.seal(value)
	if err != nil {
		return false, err
	}
	return e.inner.CompareAndSwap(ctx, key, stored, sealed)
}

func (e *Encrypted) AtomicUpdate(ctx context.Context, key string, fn UpdateFunc) error {
	return e.inner.AtomicUpdate(ctx, key, func(old *string) (string, error) {
		var plainOld *string
		if old != nil {
			plain, err := e.open(*old)
			if err != nil {
				return "", err
			}
			plainOld = &plain
		}
		next, err := fn(plainOld)
		if err != nil {
			return "", err
		}
		return e.seal(next)
	})
}

func (e *Encrypted) GetAll(ctx context.Context, prefix string) ([]Entry, error) {
	entries, err := e.inner.GetAll(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		plain, err := e.open(entries[i].Value)
		if err != nil {
			return nil, err
		}
		entries[i].Value = plain
	}
	return entries, nil
}

// Remaining operations carry no value payloads and pass straight through.

func (e *Encrypted) Delete(ctx context.Context, key string) (bool, error) {
	return e.inner.Delete(ctx, key)
}

func (e *Encrypted) Exists(ctx context.Context, key string) (bool, error) {
	return e.inner.Exists(ctx, key)
}

func (e *Encrypted) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return e.inner.ListKeys(ctx, prefix)
}

func (e *Encrypted) AtomicIncrement(ctx context.Context, key string) (int64, error) {
	return e.inner.AtomicIncrement(ctx, key)
}

func (e *Encrypted) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return e.inner.AcquireLock(ctx, key, owner, ttl)
}

func (e *Encrypted) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	return e.inner.ReleaseLock(ctx, key, owner)
}

func (e *Encrypted) ExtendLock(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error) {
	return e.inner.ExtendLock(ctx, key, ttl, owner)
}

func (e *Encrypted) Publish(ctx context.Context, channel, msg string) (int, error) {
	return e.inner.Publish(ctx, channel, msg)
}

func (e *Encrypted) Subscribe(ctx context.Context, channel string, handler func(string)) error {
	return e.inner.Subscribe(ctx, channel, handler)
}

func (e *Encrypted) HealthCheck(ctx context.Context) error { return e.inner.HealthCheck(ctx) }

func (e *Encrypted) Close() error { return e.inner.Close() }
