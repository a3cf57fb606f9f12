// Package auth stores agent credentials and enforces the role permission
// table. Tokens are random, shown once at issuance, and persisted only as
// bcrypt hashes under auth:<agent>.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/masclabs/masc/internal/storage"
)

const credPrefix = "auth:"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// ForbiddenError reports a valid credential whose role does not cover the
// attempted action.
type ForbiddenError struct {
	Agent  string
	Action string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s may not %s", e.Agent, e.Action)
}

// Permission classes checked against the role table.
type Permission string

const (
	PermRead    Permission = "read"
	PermJoin    Permission = "join"
	PermTask    Permission = "task"
	PermMessage Permission = "message"
	PermPortal  Permission = "portal"
	PermLock    Permission = "lock"
	PermAdmin   Permission = "admin"
)

// rolePerms is the fixed permission table. Readers observe and join; workers
// additionally mutate tasks, messages, portals, and locks; admins
// additionally run lifecycle and token operations.
var rolePerms = map[string]map[Permission]bool{
	"reader": {
		PermRead: true, PermJoin: true,
	},
	"worker": {
		PermRead: true, PermJoin: true,
		PermTask: true, PermMessage: true, PermPortal: true, PermLock: true,
	},
	"admin": {
		PermRead: true, PermJoin: true,
		PermTask: true, PermMessage: true, PermPortal: true, PermLock: true,
		PermAdmin: true,
	},
}

// Allowed reports whether role covers perm.
func Allowed(role string, perm Permission) bool {
	return rolePerms[role][perm]
}

// Credential is the persisted shape of an issued token.
type Credential struct {
	AgentName string     `json:"agent_name"`
	TokenHash string     `json:"token_hash"`
	Role      string     `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Service issues and verifies credentials against the backend.
type Service struct {
	store storage.Backend
	now   func() time.Time
}

// New builds an auth service over the backend.
func New(store storage.Backend) *Service {
	return &Service{store: store, now: time.Now}
}

// Issue creates (or replaces) the credential for an agent and returns the
// plaintext token. The plaintext is never stored.
func (s *Service) Issue(ctx context.Context, agent, role string, ttl time.Duration) (string, Credential, error) {
	if _, ok := rolePerms[role]; !ok {
		return "", Credential{}, fmt.Errorf("unknown role %q", role)
	}
	token := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", Credential{}, fmt.Errorf("hash token: %w", err)
	}
	cred := Credential{
		AgentName: agent,
		TokenHash: string(hash),
		Role:      role,
		CreatedAt: s.now(),
	}
	if ttl > 0 {
		exp := s.now().Add(ttl)
		cred.ExpiresAt = &exp
	}
	raw, err := json.Marshal(cred)
	if err != nil {
		return "", Credential{}, fmt.Errorf("encode credential: %w", err)
	}
	if err := s.store.Set(ctx, credPrefix+agent, string(raw)); err != nil {
		return "", Credential{}, err
	}
	slog.Info("auth.token_issued", "agent", agent, "role", role)
	return token, cred, nil
}

// Revoke deletes the agent's credential. Revoking a missing credential is
// not an error.
func (s *Service) Revoke(ctx context.Context, agent string) (bool, error) {
	deleted, err := s.store.Delete(ctx, credPrefix+agent)
	if err != nil {
		return false, err
	}
	if deleted {
		slog.Info("auth.token_revoked", "agent", agent)
	}
	return deleted, nil
}

// Verify resolves (agent, token) to a credential. Missing credential or
// wrong token fail with ErrUnauthorized / ErrInvalidToken; expired tokens
// fail with ErrTokenExpired.
func (s *Service) Verify(ctx context.Context, agent, token string) (Credential, error) {
	raw, ok, err := s.store.Get(ctx, credPrefix+agent)
	if err != nil {
		return Credential{}, err
	}
	if !ok {
		return Credential{}, fmt.Errorf("%w: no credential for %s", ErrUnauthorized, agent)
	}
	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	if cred.ExpiresAt != nil && !cred.ExpiresAt.After(s.now()) {
		return Credential{}, fmt.Errorf("%w: %s", ErrTokenExpired, agent)
	}
	if token == "" {
		return Credential{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.TokenHash), []byte(token)) != nil {
		return Credential{}, fmt.Errorf("%w: %s", ErrInvalidToken, agent)
	}
	return cred, nil
}

// Authorize verifies the token and checks the permission in one step.
func (s *Service) Authorize(ctx context.Context, agent, token string, perm Permission) (Credential, error) {
	cred, err := s.Verify(ctx, agent, token)
	if err != nil {
		return Credential{}, err
	}
	if !Allowed(cred.Role, perm) {
		return Credential{}, &ForbiddenError{Agent: agent, Action: string(perm)}
	}
	return cred, nil
}

// List returns every stored credential, hashes included, for admin review.
func (s *Service) List(ctx context.Context) ([]Credential, error) {
	entries, err := s.store.GetAll(ctx, credPrefix)
	if err != nil {
		return nil, err
	}
	creds := make([]Credential, 0, len(entries))
	for _, ent := range entries {
		var c Credential
		if err := json.Unmarshal([]byte(ent.Value), &c); err != nil {
			slog.Warn("auth.credential_decode_failed", "key", ent.Key, "error", err)
			continue
		}
		creds = append(creds, c)
	}
	return creds, nil
}
