package db

import (
	"database/sql"
	"fmt"

	"github.com/shadowsift/shadowsift/internal/risk"
)

// UpsertGrant writes one (application, user) relation. On conflict the new
// scope set is merged into the stored one, so grants discovered in separate
// token batches accumulate rather than clobber each other. The stored risk
// level tracks the merged scope set, never just the incoming batch.
func (s *Store) UpsertGrant(g *UserApplicationGrant) error {
	existing, err := s.getGrant(g.OrgDomain, g.AppKey, g.ProviderUserID)
	if err != nil {
		return err
	}
	if g.RiskLevel == "" {
		g.RiskLevel = "LOW"
	}
	scopes := g.Scopes
	if existing != nil {
		scopes = mergeScopes(existing.Scopes, g.Scopes)
		g.RiskLevel = string(risk.Max(risk.Level(existing.RiskLevel), risk.Level(g.RiskLevel)))
	}
	scopesJSON, err := scopesToJSON(scopes)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO user_app_grants (org_domain, app_key, provider_user_id, scopes, risk_level)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(org_domain, app_key, provider_user_id) DO UPDATE SET
			scopes = excluded.scopes,
			risk_level = excluded.risk_level,
			updated_at = CURRENT_TIMESTAMP`,
		g.OrgDomain, g.AppKey, g.ProviderUserID, scopesJSON, g.RiskLevel,
	)
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}
	return nil
}

func (s *Store) getGrant(orgDomain, appKey, providerUserID string) (*UserApplicationGrant, error) {
	g := &UserApplicationGrant{}
	var scopes string
	err := s.db.QueryRow(
		`SELECT org_domain, app_key, provider_user_id, scopes, risk_level
		 FROM user_app_grants WHERE org_domain = ? AND app_key = ? AND provider_user_id = ?`,
		orgDomain, appKey, providerUserID,
	).Scan(&g.OrgDomain, &g.AppKey, &g.ProviderUserID, &scopes, &g.RiskLevel)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	if g.Scopes, err = scopesFromJSON(scopes); err != nil {
		return nil, err
	}
	return g, nil
}

// ListGrantsForApp returns every user grant of one application.
func (s *Store) ListGrantsForApp(orgDomain, appKey string) ([]UserApplicationGrant, error) {
	return s.listGrants(
		`SELECT org_domain, app_key, provider_user_id, scopes, risk_level
		 FROM user_app_grants WHERE org_domain = ? AND app_key = ? ORDER BY provider_user_id`,
		orgDomain, appKey,
	)
}

// ListGrantsForUser returns every application grant held by one user.
func (s *Store) ListGrantsForUser(orgDomain, providerUserID string) ([]UserApplicationGrant, error) {
	return s.listGrants(
		`SELECT org_domain, app_key, provider_user_id, scopes, risk_level
		 FROM user_app_grants WHERE org_domain = ? AND provider_user_id = ? ORDER BY app_key`,
		orgDomain, providerUserID,
	)
}

func (s *Store) listGrants(query string, args ...any) ([]UserApplicationGrant, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var grants []UserApplicationGrant
	for rows.Next() {
		var g UserApplicationGrant
		var scopes string
		if err := rows.Scan(&g.OrgDomain, &g.AppKey, &g.ProviderUserID, &scopes, &g.RiskLevel); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		if g.Scopes, err = scopesFromJSON(scopes); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// CountGrantsForApp returns the number of distinct users holding a grant
// on the application.
func (s *Store) CountGrantsForApp(orgDomain, appKey string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM user_app_grants WHERE org_domain = ? AND app_key = ?`,
		orgDomain, appKey,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count grants: %w", err)
	}
	return n, nil
}
