package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shadowsift/shadowsift/internal/logx"
	"github.com/shadowsift/shadowsift/internal/server/db"
)

// Categorize assigns a taxonomy category to every application that does not
// have one yet, in small batches tracked by its own job record. It runs
// after the sync completes so discovery results are never held up by the
// classifier.
func (o *Orchestrator) Categorize(ctx context.Context, orgDomain string) error {
	apps, err := o.store.ListUncategorizedApplications(orgDomain)
	if err != nil {
		return err
	}
	if len(apps) == 0 {
		return nil
	}

	job := &db.CategorizationJob{
		ID:        uuid.NewString(),
		OrgDomain: orgDomain,
		Status:    db.StatusInProgress,
		Message:   fmt.Sprintf("0/%d applications", len(apps)),
	}
	if err := o.store.CreateCategorizationJob(job); err != nil {
		return err
	}

	total := len(apps)
	processed := 0
	size := o.tuning.CategorizeBatch
	for start := 0; start < total; start += size {
		if err := ctx.Err(); err != nil {
			job.Status = db.StatusFailed
			job.Message = "canceled"
			if uerr := o.store.UpdateCategorizationJob(job); uerr != nil {
				logx.Errorf("update categorization job %s: %v", job.ID, uerr)
			}
			return err
		}
		end := start + size
		if end > total {
			end = total
		}
		for _, app := range apps[start:end] {
			cat := o.classifier.Categorize(ctx, app.Name, app.Scopes)
			if _, err := o.store.SetApplicationCategory(orgDomain, app.AppKey, cat); err != nil {
				job.Status = db.StatusFailed
				job.Message = err.Error()
				if uerr := o.store.UpdateCategorizationJob(job); uerr != nil {
					logx.Errorf("update categorization job %s: %v", job.ID, uerr)
				}
				return err
			}
			processed++
		}
		job.Progress = 100 * processed / total
		job.Message = fmt.Sprintf("%d/%d applications", processed, total)
		if err := o.store.UpdateCategorizationJob(job); err != nil {
			return err
		}
	}

	job.Progress = 100
	job.Status = db.StatusCompleted
	job.Message = fmt.Sprintf("%d applications categorized", total)
	return o.store.UpdateCategorizationJob(job)
}
