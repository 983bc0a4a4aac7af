package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shadowsift/shadowsift/internal/server/db"
)

// HandleListUsers handles GET /v1/organizations/:domain/users.
func HandleListUsers(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		domain := c.Param("domain")

		users, err := store.ListDiscoveredUsers(domain)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list users"})
			return
		}

		out := make([]gin.H, 0, len(users))
		for _, u := range users {
			grants, err := store.ListGrantsForUser(domain, u.ProviderUserID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list grants"})
				return
			}
			out = append(out, gin.H{
				"provider_user_id": u.ProviderUserID,
				"email":            u.Email,
				"display_name":     u.DisplayName,
				"title":            u.Title,
				"department":       u.Department,
				"app_count":        len(grants),
			})
		}
		c.JSON(http.StatusOK, gin.H{"users": out})
	}
}
