package db

import (
	"database/sql"
	"fmt"
)

// UpsertOrganization creates the organization on first login and refreshes
// provider/operator details on every subsequent sync.
func (s *Store) UpsertOrganization(org *Organization) error {
	_, err := s.db.Exec(
		`INSERT INTO organizations (domain, provider, operator_email)
		 VALUES (?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET
			provider = excluded.provider,
			operator_email = CASE WHEN excluded.operator_email != '' THEN excluded.operator_email ELSE organizations.operator_email END,
			updated_at = CURRENT_TIMESTAMP`,
		org.Domain, org.Provider, org.OperatorEmail,
	)
	if err != nil {
		return fmt.Errorf("upsert organization: %w", err)
	}
	return nil
}

// GetOrganization retrieves an organization by domain. Returns (nil, nil)
// when it does not exist.
func (s *Store) GetOrganization(domain string) (*Organization, error) {
	org := &Organization{}
	err := s.db.QueryRow(
		`SELECT domain, provider, operator_email, created_at, updated_at
		 FROM organizations WHERE domain = ?`, domain,
	).Scan(&org.Domain, &org.Provider, &org.OperatorEmail, &org.CreatedAt, &org.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return org, nil
}
