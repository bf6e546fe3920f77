package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefixLength is the number of leading key characters stored in clear
// for lookup.
const KeyPrefixLength = 8

// Caller represents a row in the callers table.
type Caller struct {
	ID           string
	Name         string
	APIKeyHash   string
	APIKeyPrefix string
	Scopes       []string
	Disabled     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GenerateAPIKey creates a new gwk_ API key with its bcrypt hash and prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the user once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := "gwk_" + hex.EncodeToString(raw)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	return fullKey, string(hashBytes), fullKey[:KeyPrefixLength], nil
}

// LookupByPrefix finds an enabled caller by API key prefix. Used by auth to
// narrow candidates before bcrypt verify. Returns nil if none matches.
func (s *Store) LookupByPrefix(ctx context.Context, prefix string) (*Caller, error) {
	var (
		c         Caller
		scopeList string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix,
		       array_to_string(scopes, ','), disabled, created_at, updated_at
		FROM callers
		WHERE api_key_prefix = $1 AND NOT disabled`, prefix,
	).Scan(&c.ID, &c.Name, &c.APIKeyHash, &c.APIKeyPrefix, &scopeList, &c.Disabled, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupByPrefix: %w", err)
	}
	c.Scopes = SplitScopes(scopeList)
	return &c, nil
}

// SplitScopes parses a comma-separated scope list, dropping blanks.
func SplitScopes(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(strings.ToLower(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
