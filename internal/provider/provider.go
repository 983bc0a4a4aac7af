// Package provider wraps identity-provider admin APIs behind a uniform,
// page-cursor based listing contract. Adapters normalize provider-specific
// grant representations into Token records; nothing downstream ever sees a
// raw provider payload.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ConsentType is the mechanism by which a scope was granted.
type ConsentType string

const (
	ConsentDelegated ConsentType = "delegated"
	ConsentAdmin     ConsentType = "admin"
	ConsentAppRole   ConsentType = "app_role"
)

// Token is one OAuth grant as returned by a provider, normalized. It is a
// transient DTO: produced here, consumed by the aggregator, never persisted.
type Token struct {
	AppID    string // provider application/client id; may be empty
	AppName  string
	UserID   string // provider user id; empty for tenant-wide admin consent
	Scopes   []string
	Consent  ConsentType
	IssuedAt time.Time // zero when the provider does not expose it
}

// DirectoryUser is an organization member as seen by the provider.
type DirectoryUser struct {
	ID          string
	Email       string
	DisplayName string
	Title       string
	Department  string
}

// UserPage is one page of directory users. An empty NextCursor means the
// listing is exhausted.
type UserPage struct {
	Users      []DirectoryUser
	NextCursor string
}

// GrantPage is one page of OAuth grants.
type GrantPage struct {
	Tokens     []Token
	NextCursor string
}

// Provider lists an organization's users and OAuth grants page by page.
// A caller resumes from the cursor of the last successful page rather than
// replaying from the start, which bounds memory for large tenants.
type Provider interface {
	Name() string
	ListUsers(ctx context.Context, cursor string) (*UserPage, error)
	ListGrants(ctx context.Context, cursor string) (*GrantPage, error)
}

// Credentials holds the opaque provider credentials captured at login.
// The refresh token lets adapters mint fresh access tokens mid-run.
type Credentials struct {
	Provider     string    `json:"provider"` // "google" | "microsoft"
	TenantID     string    `json:"tenant_id,omitempty"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// ParseCredentials decodes and validates a credentials JSON blob.
func ParseCredentials(raw []byte) (*Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	switch creds.Provider {
	case ProviderGoogle, ProviderMicrosoft:
	default:
		return nil, fmt.Errorf("unknown provider %q (expected %s or %s)", creds.Provider, ProviderGoogle, ProviderMicrosoft)
	}
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("credentials missing client_id or client_secret")
	}
	if creds.AccessToken == "" && creds.RefreshToken == "" {
		return nil, fmt.Errorf("credentials missing both access_token and refresh_token")
	}
	return &creds, nil
}

const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
)

// New returns the adapter for the provider named in the credentials.
func New(creds *Credentials) (Provider, error) {
	switch creds.Provider {
	case ProviderGoogle:
		return NewGoogle(creds), nil
	case ProviderMicrosoft:
		return NewMicrosoft(creds), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", creds.Provider)
	}
}

// NormalizeScopes lowercases, trims, and deduplicates scope strings,
// dropping empties. Order of first appearance is preserved.
func NormalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	out := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		normalized := strings.ToLower(strings.TrimSpace(scope))
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

// SplitScopeString splits a space-delimited scope string and normalizes the
// result. Microsoft's oauth2PermissionGrants carry scopes in this form.
func SplitScopeString(s string) []string {
	return NormalizeScopes(strings.Fields(s))
}

// NormalizeAppName produces the fallback matching key used when a provider
// exposes no stable per-installation application id.
func NormalizeAppName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
