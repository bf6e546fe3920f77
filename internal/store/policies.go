package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/triage-ai/palisade-gateway/internal/policy"
	"github.com/triage-ai/palisade-gateway/internal/provider"
)

// ActivePolicy returns the caller's most recently updated enabled policy, or
// nil if there is none. The rules column holds a JSON rule array.
func (s *Store) ActivePolicy(ctx context.Context, callerID string) (*policy.Policy, error) {
	var (
		id, name string
		enabled  bool
		rules    []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, enabled, COALESCE(rules, '[]'::jsonb)
		FROM policies
		WHERE caller_id = $1 AND enabled
		ORDER BY updated_at DESC
		LIMIT 1`, callerID,
	).Scan(&id, &name, &enabled, &rules)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ActivePolicy: %w", err)
	}
	p, err := policy.ParseRules(id, callerID, name, enabled, rules)
	if err != nil {
		return nil, fmt.Errorf("ActivePolicy %s: %w", id, err)
	}
	return p, nil
}

// ResolveProviderKey returns the caller's stored secret for a provider.
// Missing rows map to provider.ErrNoCredential so credential chains fall
// through to the next store.
func (s *Store) ResolveProviderKey(ctx context.Context, callerID, providerName string) (string, error) {
	var secret string
	err := s.db.QueryRowContext(ctx, `
		SELECT secret FROM provider_keys
		WHERE caller_id = $1 AND provider = $2`,
		callerID, providerName,
	).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: caller %s, provider %s", provider.ErrNoCredential, callerID, providerName)
	}
	if err != nil {
		return "", fmt.Errorf("ResolveProviderKey: %w", err)
	}
	return secret, nil
}

var (
	_ policy.Source            = (*Store)(nil)
	_ provider.CredentialStore = (*Store)(nil)
)
