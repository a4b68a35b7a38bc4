// ABOUTME: Per-owner API credential resolution for upstream providers
// ABOUTME: Owner-specific keys first, shared key only when explicitly allowed

package provider

import (
	"errors"
	"fmt"
)

// ErrNoCredential is returned when no API key can be resolved for an owner.
// Generation fails fast instead of burning a request against the backend.
var ErrNoCredential = errors.New("no credential for owner")

// CredentialResolver picks the API key to use for a given owner.
type CredentialResolver struct {
	sharedKey      string
	allowSharedKey bool
	ownerKeys      map[string]string
}

// NewCredentialResolver builds a resolver. The shared key is only ever handed
// out when allowShared is set; configuring a key without opting in keeps it
// inert rather than silently billing one account for every owner.
func NewCredentialResolver(sharedKey string, allowShared bool, ownerKeys map[string]string) *CredentialResolver {
	return &CredentialResolver{
		sharedKey:      sharedKey,
		allowSharedKey: allowShared,
		ownerKeys:      ownerKeys,
	}
}

// Resolve returns the API key for an owner.
func (r *CredentialResolver) Resolve(ownerID string) (string, error) {
	if key, ok := r.ownerKeys[ownerID]; ok && key != "" {
		return key, nil
	}
	if r.allowSharedKey && r.sharedKey != "" {
		return r.sharedKey, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoCredential, ownerID)
}

// HasAnyCredential reports whether the resolver could serve at least one owner.
func (r *CredentialResolver) HasAnyCredential() bool {
	if r.allowSharedKey && r.sharedKey != "" {
		return true
	}
	for _, key := range r.ownerKeys {
		if key != "" {
			return true
		}
	}
	return false
}
