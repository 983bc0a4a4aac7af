package db

import (
	"database/sql"
	"fmt"
)

// UpsertApplication writes one application keyed by (organization, app key).
// Risk level, scope set and counts are overwritten rather than accumulated,
// so a re-sync reflects revocations. Category and management status survive
// the overwrite: both are operator/categorizer state, not provider state.
func (s *Store) UpsertApplication(app *Application) error {
	scopes, err := scopesToJSON(app.Scopes)
	if err != nil {
		return err
	}
	if app.RiskLevel == "" {
		app.RiskLevel = "LOW"
	}
	if app.ManagementStatus == "" {
		app.ManagementStatus = ManagementNeedsReview
	}
	_, err = s.db.Exec(
		`INSERT INTO applications (org_domain, app_key, name, provider, risk_level, scopes, permission_count, user_count, management_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(org_domain, app_key) DO UPDATE SET
			name = excluded.name,
			provider = excluded.provider,
			risk_level = excluded.risk_level,
			scopes = excluded.scopes,
			permission_count = excluded.permission_count,
			user_count = excluded.user_count,
			updated_at = CURRENT_TIMESTAMP`,
		app.OrgDomain, app.AppKey, app.Name, app.Provider, app.RiskLevel, scopes,
		app.PermissionCount, app.UserCount, app.ManagementStatus,
	)
	if err != nil {
		return fmt.Errorf("upsert application: %w", err)
	}
	return nil
}

// GetApplication retrieves one application. Returns (nil, nil) when not found.
func (s *Store) GetApplication(orgDomain, appKey string) (*Application, error) {
	app := &Application{}
	var category sql.NullString
	var scopes string
	err := s.db.QueryRow(
		`SELECT org_domain, app_key, name, provider, category, risk_level, scopes, permission_count, user_count, management_status, created_at, updated_at
		 FROM applications WHERE org_domain = ? AND app_key = ?`, orgDomain, appKey,
	).Scan(&app.OrgDomain, &app.AppKey, &app.Name, &app.Provider, &category, &app.RiskLevel,
		&scopes, &app.PermissionCount, &app.UserCount, &app.ManagementStatus, &app.CreatedAt, &app.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	app.Category = category.String
	if app.Scopes, err = scopesFromJSON(scopes); err != nil {
		return nil, err
	}
	return app, nil
}

// ApplicationFilter narrows ListApplications.
type ApplicationFilter struct {
	Category string
	Risk     string
}

// ListApplications returns the organization's applications ordered by name.
func (s *Store) ListApplications(orgDomain string, filter ApplicationFilter) ([]Application, error) {
	query := `SELECT org_domain, app_key, name, provider, category, risk_level, scopes, permission_count, user_count, management_status, created_at, updated_at
		 FROM applications WHERE org_domain = ?`
	args := []any{orgDomain}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.Risk != "" {
		query += ` AND risk_level = ?`
		args = append(args, filter.Risk)
	}
	query += ` ORDER BY name`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var apps []Application
	for rows.Next() {
		var app Application
		var category sql.NullString
		var scopes string
		if err := rows.Scan(&app.OrgDomain, &app.AppKey, &app.Name, &app.Provider, &category, &app.RiskLevel,
			&scopes, &app.PermissionCount, &app.UserCount, &app.ManagementStatus, &app.CreatedAt, &app.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		app.Category = category.String
		if app.Scopes, err = scopesFromJSON(scopes); err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// ListUncategorizedApplications returns applications with no category yet.
func (s *Store) ListUncategorizedApplications(orgDomain string) ([]Application, error) {
	rows, err := s.db.Query(
		`SELECT org_domain, app_key, name, provider, scopes
		 FROM applications WHERE org_domain = ? AND (category IS NULL OR category = '') ORDER BY name`, orgDomain,
	)
	if err != nil {
		return nil, fmt.Errorf("list uncategorized: %w", err)
	}
	defer rows.Close()

	var apps []Application
	for rows.Next() {
		var app Application
		var scopes string
		if err := rows.Scan(&app.OrgDomain, &app.AppKey, &app.Name, &app.Provider, &scopes); err != nil {
			return nil, fmt.Errorf("scan application: %w", err)
		}
		if app.Scopes, err = scopesFromJSON(scopes); err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// SetApplicationCategory records the category assigned by the
// categorization stage. Returns true if the application existed.
func (s *Store) SetApplicationCategory(orgDomain, appKey, category string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE applications SET category = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE org_domain = ? AND app_key = ?`, category, orgDomain, appKey,
	)
	if err != nil {
		return false, fmt.Errorf("set application category: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetManagementStatus records the operator's triage decision.
// Returns true if the application existed.
func (s *Store) SetManagementStatus(orgDomain, appKey, status string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE applications SET management_status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE org_domain = ? AND app_key = ?`, status, orgDomain, appKey,
	)
	if err != nil {
		return false, fmt.Errorf("set management status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetApplicationRisk overwrites the application's risk level, used when the
// relations phase recomputes risk as the max over its grants.
func (s *Store) SetApplicationRisk(orgDomain, appKey, risk string) error {
	_, err := s.db.Exec(
		`UPDATE applications SET risk_level = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE org_domain = ? AND app_key = ?`, risk, orgDomain, appKey,
	)
	if err != nil {
		return fmt.Errorf("set application risk: %w", err)
	}
	return nil
}
