package db

import (
	"database/sql"
	"fmt"
)

// CreateCategorizationJob records the start of a categorization pass.
func (s *Store) CreateCategorizationJob(job *CategorizationJob) error {
	if job.Status == "" {
		job.Status = StatusInProgress
	}
	_, err := s.db.Exec(
		`INSERT INTO categorization_jobs (id, org_domain, app_key, progress, message, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.OrgDomain, job.AppKey, job.Progress, job.Message, job.Status,
	)
	if err != nil {
		return fmt.Errorf("create categorization job: %w", err)
	}
	return nil
}

// UpdateCategorizationJob overwrites progress, message and status.
func (s *Store) UpdateCategorizationJob(job *CategorizationJob) error {
	_, err := s.db.Exec(
		`UPDATE categorization_jobs SET progress = ?, message = ?, status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		job.Progress, job.Message, job.Status, job.ID,
	)
	if err != nil {
		return fmt.Errorf("update categorization job: %w", err)
	}
	return nil
}

// GetCategorizationJob returns (nil, nil) when the job does not exist.
func (s *Store) GetCategorizationJob(id string) (*CategorizationJob, error) {
	job := &CategorizationJob{}
	err := s.db.QueryRow(
		`SELECT id, org_domain, app_key, progress, message, status, created_at, updated_at
		 FROM categorization_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.OrgDomain, &job.AppKey, &job.Progress, &job.Message, &job.Status, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get categorization job: %w", err)
	}
	return job, nil
}
