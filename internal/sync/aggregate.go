// Package sync implements the discovery pipeline: it walks a provider's
// users and OAuth grants, aggregates grants into per-application views, and
// persists the result through checkpointed phases.
package sync

import (
	"sort"

	"github.com/shadowsift/shadowsift/internal/provider"
	"github.com/shadowsift/shadowsift/internal/risk"
)

// Aggregator folds a stream of provider tokens into per-application
// aggregates. Tokens may arrive in any order and any batch partitioning;
// the same token added twice changes nothing.
type Aggregator struct {
	providerName string
	apps         map[string]*appAgg
}

type appAgg struct {
	appID       string
	name        string
	scopes      map[string]struct{} // union across every token
	adminScopes map[string]struct{} // tenant-wide admin consent only
	users       map[string]map[string]struct{} // user id -> directly granted scopes
}

// AppResult is one application after aggregation.
type AppResult struct {
	Key       string // provider app id, else normalized display name
	AppID     string
	Name      string
	Scopes    []string
	Risk      risk.Level
	UserCount int
	Grants    []GrantResult
}

// GrantResult is one (application, user) relation with the user's effective
// scope set: direct grants plus inherited admin-consent scopes.
type GrantResult struct {
	UserID string
	Scopes []string
	Risk   risk.Level
}

func NewAggregator(providerName string) *Aggregator {
	return &Aggregator{
		providerName: providerName,
		apps:         make(map[string]*appAgg),
	}
}

// Add folds one token into the aggregate. Tokens with no stable app id fall
// back to the normalized display name, so the same app seen under slightly
// different spellings still collapses into one record.
func (a *Aggregator) Add(t provider.Token) {
	key := t.AppID
	if key == "" {
		key = provider.NormalizeAppName(t.AppName)
	}
	if key == "" {
		return
	}

	agg, ok := a.apps[key]
	if !ok {
		agg = &appAgg{
			appID:       t.AppID,
			name:        t.AppName,
			scopes:      make(map[string]struct{}),
			adminScopes: make(map[string]struct{}),
			users:       make(map[string]map[string]struct{}),
		}
		a.apps[key] = agg
	}
	if agg.name == "" {
		agg.name = t.AppName
	}

	for _, s := range t.Scopes {
		agg.scopes[s] = struct{}{}
	}

	// Tenant-wide admin consent carries no user. Its scopes are held apart
	// and inherited at finalize, only by users who actually touched the app:
	// admin consent alone must not fabricate per-user relations.
	if t.UserID == "" {
		if t.Consent == provider.ConsentAdmin {
			for _, s := range t.Scopes {
				agg.adminScopes[s] = struct{}{}
			}
		}
		return
	}

	userScopes, ok := agg.users[t.UserID]
	if !ok {
		userScopes = make(map[string]struct{})
		agg.users[t.UserID] = userScopes
	}
	for _, s := range t.Scopes {
		userScopes[s] = struct{}{}
	}
}

// Finalize materializes the per-application results, sorted by key for
// deterministic output. The aggregator may keep receiving tokens afterwards;
// Finalize reads, it does not consume.
func (a *Aggregator) Finalize() []AppResult {
	keys := make([]string, 0, len(a.apps))
	for k := range a.apps {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	results := make([]AppResult, 0, len(keys))
	for _, key := range keys {
		agg := a.apps[key]
		appScopes := setToSorted(agg.scopes)

		userIDs := make([]string, 0, len(agg.users))
		for id := range agg.users {
			userIDs = append(userIDs, id)
		}
		sort.Strings(userIDs)

		grants := make([]GrantResult, 0, len(userIDs))
		appRisk := risk.Classify(appScopes)
		for _, id := range userIDs {
			effective := make(map[string]struct{}, len(agg.users[id])+len(agg.adminScopes))
			for s := range agg.users[id] {
				effective[s] = struct{}{}
			}
			for s := range agg.adminScopes {
				effective[s] = struct{}{}
			}
			scopes := setToSorted(effective)
			g := GrantResult{UserID: id, Scopes: scopes, Risk: risk.Classify(scopes)}
			appRisk = risk.Max(appRisk, g.Risk)
			grants = append(grants, g)
		}

		results = append(results, AppResult{
			Key:       key,
			AppID:     agg.appID,
			Name:      agg.name,
			Scopes:    appScopes,
			Risk:      appRisk,
			UserCount: len(userIDs),
			Grants:    grants,
		})
	}
	return results
}

func setToSorted(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
