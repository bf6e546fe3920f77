package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
)

// StaticAuthenticator serves keys configured at startup, for local runs and
// tests. It never touches a database.
type StaticAuthenticator struct {
	keys []staticKey
}

type staticKey struct {
	key       []byte
	principal *Principal
}

// NewStaticAuthenticator parses a key list of the form
// "key:caller:scope|scope,key2:caller2:scope". A missing scope list grants
// DefaultScopes.
func NewStaticAuthenticator(spec string) (*StaticAuthenticator, error) {
	a := &StaticAuthenticator{}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("NewStaticAuthenticator: malformed entry %q", redactKey(entry))
		}
		scopes := DefaultScopes
		if len(parts) == 3 && parts[2] != "" {
			scopes = nil
			for _, s := range strings.Split(parts[2], "|") {
				sc, err := ParseScope(s)
				if err != nil {
					return nil, fmt.Errorf("NewStaticAuthenticator: caller %s: %w", parts[1], err)
				}
				scopes = append(scopes, sc)
			}
		}
		a.keys = append(a.keys, staticKey{
			key:       []byte(parts[0]),
			principal: &Principal{CallerID: parts[1], Scopes: scopes},
		})
	}
	return a, nil
}

// Len returns the number of configured keys.
func (a *StaticAuthenticator) Len() int { return len(a.keys) }

func (a *StaticAuthenticator) Authenticate(_ context.Context, apiKey string) (*Principal, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	candidate := []byte(apiKey)
	var found *Principal
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(k.key, candidate) == 1 {
			found = k.principal
		}
	}
	if found == nil {
		return nil, ErrInvalidAPIKey
	}
	return found, nil
}

func redactKey(entry string) string {
	if i := strings.IndexByte(entry, ':'); i >= 0 {
		return "***" + entry[i:]
	}
	return "***"
}
