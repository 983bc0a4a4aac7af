package db

import (
	"fmt"
)

// UpsertDiscoveredUser writes one directory user keyed by
// (organization, provider user id). The pipeline never deletes users: a
// shrunken or failed directory fetch must not erase previously known members.
func (s *Store) UpsertDiscoveredUser(u *DiscoveredUser) error {
	_, err := s.db.Exec(
		`INSERT INTO discovered_users (org_domain, provider_user_id, email, display_name, title, department)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(org_domain, provider_user_id) DO UPDATE SET
			email = excluded.email,
			display_name = excluded.display_name,
			title = excluded.title,
			department = excluded.department,
			updated_at = CURRENT_TIMESTAMP`,
		u.OrgDomain, u.ProviderUserID, u.Email, u.DisplayName, u.Title, u.Department,
	)
	if err != nil {
		return fmt.Errorf("upsert discovered user: %w", err)
	}
	return nil
}

// ListDiscoveredUsers returns the organization's users ordered by email.
func (s *Store) ListDiscoveredUsers(orgDomain string) ([]DiscoveredUser, error) {
	rows, err := s.db.Query(
		`SELECT org_domain, provider_user_id, email, display_name, title, department, created_at, updated_at
		 FROM discovered_users WHERE org_domain = ? ORDER BY email`, orgDomain,
	)
	if err != nil {
		return nil, fmt.Errorf("list discovered users: %w", err)
	}
	defer rows.Close()

	var users []DiscoveredUser
	for rows.Next() {
		var u DiscoveredUser
		if err := rows.Scan(&u.OrgDomain, &u.ProviderUserID, &u.Email, &u.DisplayName, &u.Title, &u.Department, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan discovered user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// KnownUserIDs returns the set of provider user ids known for the
// organization, used to resolve grant references during the relations phase.
func (s *Store) KnownUserIDs(orgDomain string) (map[string]struct{}, error) {
	rows, err := s.db.Query(
		`SELECT provider_user_id FROM discovered_users WHERE org_domain = ?`, orgDomain,
	)
	if err != nil {
		return nil, fmt.Errorf("known user ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// CountDiscoveredUsers returns the organization's user count.
func (s *Store) CountDiscoveredUsers(orgDomain string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM discovered_users WHERE org_domain = ?`, orgDomain,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count discovered users: %w", err)
	}
	return n, nil
}
