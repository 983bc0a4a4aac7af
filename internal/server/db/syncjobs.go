package db

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateSyncJob inserts a new sync job in PENDING state.
func (s *Store) CreateSyncJob(job *SyncJob) error {
	if job.Status == "" {
		job.Status = StatusPending
	}
	_, err := s.db.Exec(
		`INSERT INTO sync_jobs (id, org_domain, phase, progress, message, status, credentials_encrypted)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OrgDomain, job.Phase, job.Progress, job.Message, job.Status, job.CredentialsEncrypted,
	)
	if err != nil {
		return fmt.Errorf("insert sync job: %w", err)
	}
	return nil
}

// GetSyncJob retrieves a sync job by id. Returns (nil, nil) when not found.
func (s *Store) GetSyncJob(id string) (*SyncJob, error) {
	job := &SyncJob{}
	err := s.db.QueryRow(
		`SELECT id, org_domain, phase, progress, message, status, credentials_encrypted, created_at, updated_at
		 FROM sync_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.OrgDomain, &job.Phase, &job.Progress, &job.Message, &job.Status,
		&job.CredentialsEncrypted, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync job: %w", err)
	}
	return job, nil
}

// UpdateSyncJob persists the job's phase, progress, message and status.
// Progress never moves backwards: the stored value wins when higher, so a
// polling caller always observes a non-decreasing sequence.
func (s *Store) UpdateSyncJob(id, phase string, progress int, message, status string) error {
	_, err := s.db.Exec(
		`UPDATE sync_jobs
		 SET phase = ?, progress = MAX(progress, ?), message = ?, status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		phase, progress, message, status, id,
	)
	if err != nil {
		return fmt.Errorf("update sync job: %w", err)
	}
	return nil
}

// ActiveSyncJob returns the organization's PENDING or IN_PROGRESS job, or
// (nil, nil) when there is none. At most one job is expected to be active
// per organization; the newest wins if that invariant was ever violated.
func (s *Store) ActiveSyncJob(orgDomain string) (*SyncJob, error) {
	job := &SyncJob{}
	err := s.db.QueryRow(
		`SELECT id, org_domain, phase, progress, message, status, credentials_encrypted, created_at, updated_at
		 FROM sync_jobs
		 WHERE org_domain = ? AND status IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		orgDomain, StatusPending, StatusInProgress,
	).Scan(&job.ID, &job.OrgDomain, &job.Phase, &job.Progress, &job.Message, &job.Status,
		&job.CredentialsEncrypted, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active sync job: %w", err)
	}
	return job, nil
}

// Stuck reports whether the job has been active without a progress update
// for longer than the threshold.
func (j *SyncJob) Stuck(threshold time.Duration, now time.Time) bool {
	if j.Terminal() {
		return false
	}
	return now.Sub(j.UpdatedAt) > threshold
}

// ListSyncJobs returns the organization's jobs, newest first.
func (s *Store) ListSyncJobs(orgDomain string) ([]SyncJob, error) {
	rows, err := s.db.Query(
		`SELECT id, org_domain, phase, progress, message, status, created_at, updated_at
		 FROM sync_jobs WHERE org_domain = ? ORDER BY created_at DESC`, orgDomain,
	)
	if err != nil {
		return nil, fmt.Errorf("list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []SyncJob
	for rows.Next() {
		var j SyncJob
		if err := rows.Scan(&j.ID, &j.OrgDomain, &j.Phase, &j.Progress, &j.Message, &j.Status, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sync job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
