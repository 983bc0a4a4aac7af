package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shadowsift/shadowsift/internal/category"
	"github.com/shadowsift/shadowsift/internal/logx"
	"github.com/shadowsift/shadowsift/internal/notify"
	"github.com/shadowsift/shadowsift/internal/provider"
	"github.com/shadowsift/shadowsift/internal/risk"
	"github.com/shadowsift/shadowsift/internal/server/db"
)

// Progress checkpoints. Each phase owns a slice of the 0..100 range so a
// polling client sees steady forward motion across phase boundaries.
const (
	progressStart        = 5
	progressUsersDone    = 40
	progressTokensDone   = 75
	progressRelationsEnd = 95
	progressDone         = 100
)

// ActiveSyncError reports that the organization already has a running sync.
type ActiveSyncError struct {
	JobID string
}

func (e *ActiveSyncError) Error() string {
	return fmt.Sprintf("sync %s already in progress", e.JobID)
}

// Orchestrator drives discovery runs end to end and owns the sync job state
// machine. One instance serves all organizations.
type Orchestrator struct {
	store      *db.Store
	notifier   notify.Notifier
	classifier *category.Classifier
	tuning     Tuning

	now         func() time.Time
	newProvider func(*provider.Credentials) (provider.Provider, error)
}

func NewOrchestrator(store *db.Store, notifier notify.Notifier, classifier *category.Classifier, tuning Tuning) *Orchestrator {
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	if classifier == nil {
		classifier = category.NewClassifier("", "", "")
	}
	return &Orchestrator{
		store:       store,
		notifier:    notifier,
		classifier:  classifier,
		tuning:      tuning.withDefaults(),
		now:         time.Now,
		newProvider: provider.New,
	}
}

// StartSync registers a new sync job for the organization, or refuses with
// ActiveSyncError when one is already running. A running job that has gone
// silent past the stuck threshold is failed and superseded instead of
// blocking the organization forever. The caller runs the returned job via
// Run, typically in its own goroutine.
func (o *Orchestrator) StartSync(orgDomain, operatorEmail string, creds *provider.Credentials, encrypted []byte) (*db.SyncJob, error) {
	if err := o.store.UpsertOrganization(&db.Organization{
		Domain:        orgDomain,
		Provider:      creds.Provider,
		OperatorEmail: operatorEmail,
	}); err != nil {
		return nil, err
	}

	active, err := o.store.ActiveSyncJob(orgDomain)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if !active.Stuck(o.tuning.StuckAfter, o.now()) {
			return nil, &ActiveSyncError{JobID: active.ID}
		}
		logx.Warnf("sync %s for %s stuck for over %s, superseding", active.ID, orgDomain, o.tuning.StuckAfter)
		if err := o.store.UpdateSyncJob(active.ID, active.Phase, active.Progress,
			"superseded by a newer sync", db.StatusFailed); err != nil {
			return nil, err
		}
	}

	job := &db.SyncJob{
		ID:                   uuid.NewString(),
		OrgDomain:            orgDomain,
		CredentialsEncrypted: encrypted,
		Status:               db.StatusPending,
	}
	if err := o.store.CreateSyncJob(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Run executes the job's phases synchronously. Any error short of a
// checkpoint-write failure lands in the job row, so Run itself only returns
// an error when even that write failed.
func (o *Orchestrator) Run(ctx context.Context, jobID string, creds *provider.Credentials) error {
	started := o.now()

	prov, err := o.newProvider(creds)
	if err != nil {
		return o.fail(jobID, db.PhaseUsers, fmt.Sprintf("invalid credentials: %v", err))
	}

	job, err := o.store.GetSyncJob(jobID)
	if err != nil || job == nil {
		return fmt.Errorf("load sync job %s: %w", jobID, err)
	}
	orgDomain := job.OrgDomain

	if err := o.checkpoint(jobID, db.PhaseUsers, progressStart, "discovering users"); err != nil {
		return err
	}

	userCount, err := o.runUsersPhase(ctx, jobID, orgDomain, prov)
	if err != nil {
		return o.fail(jobID, db.PhaseUsers, fmt.Sprintf("user discovery failed: %v", err))
	}
	if userCount == 0 {
		if err := o.finish(jobID, db.StatusCompleted, "no users found in directory"); err != nil {
			return err
		}
		o.notifyDone(jobID, orgDomain, db.StatusCompleted, 0, 0, 0, started)
		return nil
	}

	if err := o.checkpoint(jobID, db.PhaseTokens, progressUsersDone, fmt.Sprintf("discovered %d users, fetching OAuth grants", userCount)); err != nil {
		return err
	}

	agg := NewAggregator(prov.Name())
	tokenCount, err := o.runTokensPhase(ctx, jobID, orgDomain, prov, agg)
	if err != nil {
		return o.fail(jobID, db.PhaseTokens, fmt.Sprintf("grant discovery failed: %v", err))
	}
	if tokenCount == 0 {
		if err := o.finish(jobID, db.StatusCompleted, "no OAuth grants found"); err != nil {
			return err
		}
		o.notifyDone(jobID, orgDomain, db.StatusCompleted, userCount, 0, 0, started)
		return nil
	}

	if err := o.checkpoint(jobID, db.PhaseRelations, progressTokensDone, fmt.Sprintf("aggregating %d grants", tokenCount)); err != nil {
		return err
	}

	apps, highRisk, skipped, err := o.runRelationsPhase(ctx, jobID, orgDomain, agg, tokenCount)
	if err != nil {
		return o.fail(jobID, db.PhaseRelations, fmt.Sprintf("persisting applications failed: %v", err))
	}

	if err := o.checkpoint(jobID, db.PhaseCategorization, progressRelationsEnd, "queueing categorization"); err != nil {
		return err
	}

	status := db.StatusCompleted
	message := fmt.Sprintf("discovered %d users and %d applications", userCount, apps)
	if skipped > 0 {
		status = db.StatusCompletedWithErrors
		message = fmt.Sprintf("%s (%d grants referenced unknown users and were skipped)", message, skipped)
	}
	if err := o.finish(jobID, status, message); err != nil {
		return err
	}
	o.notifyDone(jobID, orgDomain, status, userCount, apps, highRisk, started)

	// Categorization outlives the sync: the dashboard is usable as soon as
	// the run completes, categories fill in behind it.
	go func() {
		if err := o.Categorize(context.Background(), orgDomain); err != nil {
			logx.Errorf("categorization for %s: %v", orgDomain, err)
		}
	}()
	return nil
}

func (o *Orchestrator) runUsersPhase(ctx context.Context, jobID, orgDomain string, prov provider.Provider) (int, error) {
	count := 0
	cursor := ""
	progress := progressStart
	for {
		page, err := prov.ListUsers(ctx, cursor)
		if err != nil {
			return count, err
		}
		for _, u := range page.Users {
			if err := o.store.UpsertDiscoveredUser(&db.DiscoveredUser{
				OrgDomain:      orgDomain,
				ProviderUserID: u.ID,
				Email:          u.Email,
				DisplayName:    u.DisplayName,
				Title:          u.Title,
				Department:     u.Department,
			}); err != nil {
				return count, err
			}
		}
		count += len(page.Users)

		// Total page count is unknown up front, so progress creeps page by
		// page and saturates just short of the phase boundary.
		if progress < progressUsersDone-1 {
			progress += 2
		}
		if err := o.checkpoint(jobID, db.PhaseUsers, progress, fmt.Sprintf("discovered %d users", count)); err != nil {
			return count, err
		}

		if page.NextCursor == "" {
			return count, nil
		}
		cursor = page.NextCursor
	}
}

func (o *Orchestrator) runTokensPhase(ctx context.Context, jobID, orgDomain string, prov provider.Provider, agg *Aggregator) (int, error) {
	count := 0
	cursor := ""
	progress := progressUsersDone
	for {
		page, err := prov.ListGrants(ctx, cursor)
		if err != nil {
			return count, err
		}
		for _, t := range page.Tokens {
			agg.Add(t)
		}
		count += len(page.Tokens)

		if progress < progressTokensDone-1 {
			progress += 2
		}
		if err := o.checkpoint(jobID, db.PhaseTokens, progress, fmt.Sprintf("fetched %d grants", count)); err != nil {
			return count, err
		}

		if page.NextCursor == "" {
			return count, nil
		}
		cursor = page.NextCursor
	}
}

// runRelationsPhase writes the aggregated applications and their grants in
// paced batches. Grants referencing users the directory never returned are
// counted and skipped rather than failing the run.
func (o *Orchestrator) runRelationsPhase(ctx context.Context, jobID, orgDomain string, agg *Aggregator, tokenCount int) (apps, highRisk, skipped int, err error) {
	known, err := o.store.KnownUserIDs(orgDomain)
	if err != nil {
		return 0, 0, 0, err
	}
	results := agg.Finalize()

	report := func(progress, done, total int) error {
		return o.checkpoint(jobID, db.PhaseRelations, progress,
			fmt.Sprintf("stored %d/%d applications", done, total))
	}
	err = forEachBatch(ctx, o.tuning, results, tokenCount, progressTokensDone, progressRelationsEnd, report, func(batch []AppResult) error {
		for _, r := range batch {
			if err := o.store.UpsertApplication(&db.Application{
				OrgDomain:       orgDomain,
				AppKey:          r.Key,
				Name:            r.Name,
				Provider:        agg.providerName,
				RiskLevel:       string(r.Risk),
				Scopes:          r.Scopes,
				PermissionCount: len(r.Scopes),
				UserCount:       r.UserCount,
			}); err != nil {
				return err
			}
			for _, g := range r.Grants {
				if _, ok := known[g.UserID]; !ok {
					skipped++
					continue
				}
				if err := o.store.UpsertGrant(&db.UserApplicationGrant{
					OrgDomain:      orgDomain,
					AppKey:         r.Key,
					ProviderUserID: g.UserID,
					Scopes:         g.Scopes,
					RiskLevel:      string(g.Risk),
				}); err != nil {
					return err
				}
			}
			effective, err := o.effectiveAppRisk(orgDomain, r.Key, r.Risk)
			if err != nil {
				return err
			}
			apps++
			if effective == risk.High {
				highRisk++
			}
		}
		return nil
	})
	if err != nil {
		return apps, highRisk, skipped, err
	}
	return apps, highRisk, skipped, nil
}

// effectiveAppRisk raises an application's stored risk level to the maximum
// over its current grant rows. Grant upserts merge scope sets across runs, so
// a row can carry a higher risk than the run that just rewrote the
// application.
func (o *Orchestrator) effectiveAppRisk(orgDomain, appKey string, current risk.Level) (risk.Level, error) {
	grants, err := o.store.ListGrantsForApp(orgDomain, appKey)
	if err != nil {
		return current, err
	}
	effective := current
	for _, g := range grants {
		effective = risk.Max(effective, risk.Level(g.RiskLevel))
	}
	if effective != current {
		if err := o.store.SetApplicationRisk(orgDomain, appKey, string(effective)); err != nil {
			return current, err
		}
	}
	return effective, nil
}

// ForceComplete is the operator escape hatch for a wedged job. No-op on jobs
// that already reached a terminal state.
func (o *Orchestrator) ForceComplete(jobID string) (*db.SyncJob, error) {
	job, err := o.store.GetSyncJob(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	if job.Terminal() {
		return job, nil
	}
	if err := o.store.UpdateSyncJob(jobID, job.Phase, progressDone, "completion forced by operator", db.StatusCompleted); err != nil {
		return nil, err
	}
	return o.store.GetSyncJob(jobID)
}

// Stuck reports whether the job has gone silent past the configured
// threshold.
func (o *Orchestrator) Stuck(job *db.SyncJob) bool {
	return job.Stuck(o.tuning.StuckAfter, o.now())
}

func (o *Orchestrator) checkpoint(jobID, phase string, progress int, message string) error {
	return o.store.UpdateSyncJob(jobID, phase, progress, message, db.StatusInProgress)
}

func (o *Orchestrator) finish(jobID, status, message string) error {
	job, err := o.store.GetSyncJob(jobID)
	if err != nil || job == nil {
		return fmt.Errorf("load sync job %s: %w", jobID, err)
	}
	return o.store.UpdateSyncJob(jobID, job.Phase, progressDone, message, status)
}

func (o *Orchestrator) fail(jobID, phase, message string) error {
	logx.Errorf("sync %s failed: %s", jobID, message)
	job, err := o.store.GetSyncJob(jobID)
	if err != nil || job == nil {
		return fmt.Errorf("load sync job %s: %w", jobID, err)
	}
	return o.store.UpdateSyncJob(jobID, phase, job.Progress, message, db.StatusFailed)
}

func (o *Orchestrator) notifyDone(jobID, orgDomain, status string, users, apps, highRisk int, started time.Time) {
	var operator string
	if org, err := o.store.GetOrganization(orgDomain); err == nil && org != nil {
		operator = org.OperatorEmail
	}
	o.notifier.SyncCompleted(notify.Summary{
		JobID:         jobID,
		OrgDomain:     orgDomain,
		OperatorEmail: operator,
		Status:        status,
		UserCount:     users,
		AppCount:      apps,
		HighRisk:      highRisk,
		DurationMS:    o.now().Sub(started).Milliseconds(),
	})
}
