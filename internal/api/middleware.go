// Package api - Middleware
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/veristone/keystone/internal/models"
)

// Permission actions checked by PermissionMiddleware.
const (
	ActionView   = "view"
	ActionCreate = "create"
)

// connectionHeader carries the caller's live connection id. When a guarded
// write loses its version race, the conflict is pushed to this connection.
const connectionHeader = "X-Connection-ID"

// AuthMiddleware validates the Bearer token and stores the caller's identity
// on the context.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			c.Abort()
			return
		}

		claims, err := h.jwtService.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Set("roles", claims.Roles)
		c.Next()
	}
}

// RequireAdminMiddleware allows only callers holding the admin role.
func (h *Handler) RequireAdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		roles, exists := c.Get("roles")
		if exists {
			for _, role := range roles.([]string) {
				if role == "admin" || role == "super_admin" {
					c.Next()
					return
				}
			}
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
		c.Abort()
	}
}

// ModuleEntityMiddleware validates the :module and :entity path params and
// stores them on the context. Unknown modules are rejected before any
// permission lookup happens.
func (h *Handler) ModuleEntityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		module := c.Param("module")
		entity := c.Param("entity")

		if !models.ValidModule(module) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown module '" + module + "'"})
			c.Abort()
			return
		}
		if entity == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "entity is required"})
			c.Abort()
			return
		}

		c.Set("module", module)
		c.Set("entity", entity)
		c.Next()
	}
}

// PermissionMiddleware checks entity-level permissions for actions that do
// not depend on record ownership. Ownership-scoped checks (edit, delete)
// happen in the handlers after the record is loaded.
func (h *Handler) PermissionMiddleware(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.MustGet("user_id").(uuid.UUID)
		module := c.MustGet("module").(string)
		entity := c.MustGet("entity").(string)

		var allowed bool
		var err error
		switch action {
		case ActionCreate:
			allowed, err = h.authz.CanCreate(c.Request.Context(), userID, module, entity)
		default:
			allowed, err = h.authz.HasAccess(c.Request.Context(), userID, module, entity)
		}

		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "permission check failed"})
			c.Abort()
			return
		}
		if !allowed {
			c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// requireScopedEdit loads the record's owner and asks the authorizer whether
// the caller may edit it under their scope.
func (h *Handler) requireScopedEdit(c *gin.Context, userID uuid.UUID, module, entity string, ownerID uuid.UUID) bool {
	allowed, err := h.authz.CanEdit(c.Request.Context(), userID, module, entity, &ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "permission check failed"})
		return false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return false
	}
	return true
}

func (h *Handler) requireScopedDelete(c *gin.Context, userID uuid.UUID, module, entity string, ownerID uuid.UUID) bool {
	allowed, err := h.authz.CanDelete(c.Request.Context(), userID, module, entity, &ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "permission check failed"})
		return false
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "permission denied"})
		return false
	}
	return true
}
