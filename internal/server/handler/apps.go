package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shadowsift/shadowsift/internal/category"
	"github.com/shadowsift/shadowsift/internal/risk"
	"github.com/shadowsift/shadowsift/internal/server/db"
)

// HandleListApplications handles GET /v1/organizations/:domain/applications.
// Optional ?category= and ?risk= filters narrow the listing.
func HandleListApplications(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := db.ApplicationFilter{
			Category: c.Query("category"),
			Risk:     c.Query("risk"),
		}
		if filter.Risk != "" && !risk.Valid(filter.Risk) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "risk must be one of LOW, MEDIUM, HIGH"})
			return
		}
		if filter.Category != "" && !category.Valid(filter.Category) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category"})
			return
		}

		apps, err := store.ListApplications(c.Param("domain"), filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list applications"})
			return
		}

		out := make([]gin.H, 0, len(apps))
		for _, app := range apps {
			out = append(out, applicationResponse(&app))
		}
		c.JSON(http.StatusOK, gin.H{"applications": out})
	}
}

// HandleListApplicationUsers handles
// GET /v1/organizations/:domain/applications/:app_id/users.
func HandleListApplicationUsers(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		domain := c.Param("domain")
		appID := c.Param("app_id")

		app, err := store.GetApplication(domain, appID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load application"})
			return
		}
		if app == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "application not found"})
			return
		}

		grants, err := store.ListGrantsForApp(domain, appID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list grants"})
			return
		}

		users, err := store.ListDiscoveredUsers(domain)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list users"})
			return
		}
		byID := make(map[string]db.DiscoveredUser, len(users))
		for _, u := range users {
			byID[u.ProviderUserID] = u
		}

		out := make([]gin.H, 0, len(grants))
		for _, g := range grants {
			u := byID[g.ProviderUserID]
			out = append(out, gin.H{
				"provider_user_id": g.ProviderUserID,
				"email":            u.Email,
				"display_name":     u.DisplayName,
				"scopes":           g.Scopes,
				"risk_level":       g.RiskLevel,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"application": applicationResponse(app),
			"users":       out,
		})
	}
}

type managementRequest struct {
	OrganizationDomain string `json:"organization_domain" binding:"required"`
	Status             string `json:"status" binding:"required"`
}

// HandleSetManagementStatus handles PUT /v1/applications/:id/management.
func HandleSetManagementStatus(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req managementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !db.ValidManagementStatus(req.Status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be one of MANAGED, UNMANAGED, NEEDS_REVIEW"})
			return
		}

		ok, err := store.SetManagementStatus(req.OrganizationDomain, c.Param("id"), req.Status)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update management status"})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "application not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"app_id": c.Param("id"), "management_status": req.Status})
	}
}

func applicationResponse(app *db.Application) gin.H {
	return gin.H{
		"app_id":            app.AppKey,
		"name":              app.Name,
		"provider":          app.Provider,
		"category":          app.Category,
		"risk_level":        app.RiskLevel,
		"scopes":            app.Scopes,
		"permission_count":  app.PermissionCount,
		"user_count":        app.UserCount,
		"management_status": app.ManagementStatus,
	}
}
