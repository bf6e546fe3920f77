package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoCredential means no key is configured for a caller and provider.
var ErrNoCredential = errors.New("no provider credential")

// CredentialStore resolves the secret used to call a provider on behalf of a
// caller.
type CredentialStore interface {
	ResolveProviderKey(ctx context.Context, callerID, provider string) (string, error)
}

// EnvCredentials reads keys from environment variables, one per provider,
// e.g. {"openai": "OPENAI_API_KEY"}.
type EnvCredentials map[string]string

func (e EnvCredentials) ResolveProviderKey(_ context.Context, _ string, provider string) (string, error) {
	name, ok := e[strings.ToLower(provider)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoCredential, provider)
	}
	key := strings.TrimSpace(os.Getenv(name))
	if key == "" {
		return "", fmt.Errorf("%w: %s unset", ErrNoCredential, name)
	}
	return key, nil
}

// CredentialChain tries stores in order, skipping ErrNoCredential.
type CredentialChain []CredentialStore

func (c CredentialChain) ResolveProviderKey(ctx context.Context, callerID, provider string) (string, error) {
	for _, s := range c {
		key, err := s.ResolveProviderKey(ctx, callerID, provider)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, ErrNoCredential) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: caller %s, provider %s", ErrNoCredential, callerID, provider)
}
