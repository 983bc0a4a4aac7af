package db

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Sync job lifecycle states.
const (
	StatusPending             = "PENDING"
	StatusInProgress          = "IN_PROGRESS"
	StatusCompleted           = "COMPLETED"
	StatusCompletedWithErrors = "COMPLETED_WITH_ERRORS"
	StatusFailed              = "FAILED"
)

// Sync phases, in execution order.
const (
	PhaseUsers          = "users"
	PhaseTokens         = "tokens"
	PhaseRelations      = "relations"
	PhaseCategorization = "categorization"
)

// Application management triage states.
const (
	ManagementManaged     = "MANAGED"
	ManagementUnmanaged   = "UNMANAGED"
	ManagementNeedsReview = "NEEDS_REVIEW"
)

// ValidManagementStatus reports whether v is a known management status.
func ValidManagementStatus(v string) bool {
	switch v {
	case ManagementManaged, ManagementUnmanaged, ManagementNeedsReview:
		return true
	}
	return false
}

// Organization is one identity-provider tenant.
type Organization struct {
	Domain        string
	Provider      string
	OperatorEmail string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SyncJob is the persisted checkpoint record for one discovery run. Rows are
// never deleted; they double as an audit trail.
type SyncJob struct {
	ID                   string
	OrgDomain            string
	Phase                string
	Progress             int
	Message              string
	Status               string
	CredentialsEncrypted []byte
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Terminal reports whether the job has reached a final state.
func (j *SyncJob) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	}
	return false
}

// DiscoveredUser is an organization member as seen by the provider.
type DiscoveredUser struct {
	OrgDomain      string
	ProviderUserID string
	Email          string
	DisplayName    string
	Title          string
	Department     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Application is a discovered third-party app. AppKey is the provider
// application id when stable, else the normalized display name.
type Application struct {
	OrgDomain        string
	AppKey           string
	Name             string
	Provider         string
	Category         string // empty until categorized
	RiskLevel        string
	Scopes           []string
	PermissionCount  int
	UserCount        int
	ManagementStatus string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UserApplicationGrant joins one user to one application with the unioned
// scope set observed for that pair.
type UserApplicationGrant struct {
	OrgDomain      string
	AppKey         string
	ProviderUserID string
	Scopes         []string
	RiskLevel      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CategorizationJob mirrors SyncJob for the categorization stage, which runs
// past the main sync's completion.
type CategorizationJob struct {
	ID        string
	OrgDomain string
	AppKey    string
	Progress  int
	Message   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// scopesToJSON serializes a scope set as a sorted JSON array so stored rows
// compare bytewise regardless of arrival order.
func scopesToJSON(scopes []string) (string, error) {
	if len(scopes) == 0 {
		return "[]", nil
	}
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	raw, err := json.Marshal(sorted)
	if err != nil {
		return "", fmt.Errorf("marshal scopes: %w", err)
	}
	return string(raw), nil
}

func scopesFromJSON(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}
	return scopes, nil
}

// mergeScopes unions two scope sets, returning a sorted result.
func mergeScopes(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		seen[s] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
