package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shadowsift/shadowsift/internal/crypto"
	"github.com/shadowsift/shadowsift/internal/provider"
	"github.com/shadowsift/shadowsift/internal/server/db"
	"github.com/shadowsift/shadowsift/internal/sync"
)

type startSyncRequest struct {
	OrganizationDomain string          `json:"organization_domain" binding:"required"`
	OperatorEmail      string          `json:"operator_email"`
	Credentials        json.RawMessage `json:"credentials" binding:"required"`
}

// HandleStartSync handles POST /v1/sync.
func HandleStartSync(orch *sync.Orchestrator, masterKey [32]byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req startSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		creds, err := provider.ParseCredentials(req.Credentials)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Credentials are sealed under a per-organization key before they
		// touch the database.
		orgKey, err := crypto.DeriveOrgKey(masterKey, req.OrganizationDomain)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "key derivation failed"})
			return
		}
		encrypted, err := crypto.EncryptAtRest(orgKey, req.Credentials)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "encryption failed"})
			return
		}

		job, err := orch.StartSync(req.OrganizationDomain, req.OperatorEmail, creds, encrypted)
		if err != nil {
			var active *sync.ActiveSyncError
			if errors.As(err, &active) {
				c.JSON(http.StatusConflict, gin.H{
					"error":         "a sync is already running for this organization",
					"active_job_id": active.JobID,
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start sync"})
			return
		}

		// The HTTP request only registers the job; discovery runs in the
		// background and is tracked via GET /v1/sync/:id.
		go orch.Run(context.Background(), job.ID, creds)

		c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "status": job.Status})
	}
}

// HandleGetSync handles GET /v1/sync/:id.
func HandleGetSync(store *db.Store, orch *sync.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := store.GetSyncJob(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sync job"})
			return
		}
		if job == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "sync job not found"})
			return
		}
		c.JSON(http.StatusOK, syncJobResponse(job, orch.Stuck(job)))
	}
}

// HandleForceComplete handles POST /v1/sync/:id/force-complete.
func HandleForceComplete(orch *sync.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := orch.ForceComplete(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to force completion"})
			return
		}
		if job == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "sync job not found"})
			return
		}
		c.JSON(http.StatusOK, syncJobResponse(job, false))
	}
}

func syncJobResponse(job *db.SyncJob, stuck bool) gin.H {
	return gin.H{
		"job_id":              job.ID,
		"organization_domain": job.OrgDomain,
		"phase":               job.Phase,
		"progress":            job.Progress,
		"message":             job.Message,
		"status":              job.Status,
		"stuck":               stuck,
		"created_at":          job.CreatedAt,
		"updated_at":          job.UpdatedAt,
	}
}
