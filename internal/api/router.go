// Package api - Router setup
package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// SetupRouter creates and configures the Gin router
func SetupRouter(handler *Handler, fieldHandler *FieldHandler, authHandler *AuthHandler, allowedOrigins []string) *gin.Engine {
	r := gin.Default()

	// When credentials are used, specific origins must be provided (not *)
	corsConfig := cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Connection-ID", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	r.Use(cors.New(corsConfig))

	// Health check (no auth required)
	r.GET("/api/health", handler.Health)

	// Authentication endpoints
	authRoutes := r.Group("/auth")
	{
		authRoutes.POST("/login", authHandler.Login)
		authRoutes.POST("/refresh", authHandler.RefreshToken)
	}

	authProtected := r.Group("/auth")
	authProtected.Use(handler.AuthMiddleware())
	{
		authProtected.GET("/me", authHandler.GetMe)
		authProtected.POST("/change-password", authHandler.ChangePassword)
	}

	// Field definition administration, admin role required
	admin := r.Group("/admin")
	admin.Use(handler.AuthMiddleware())
	admin.Use(handler.RequireAdminMiddleware())
	{
		admin.GET("/fields", fieldHandler.ListFields)
		admin.POST("/fields", fieldHandler.CreateField)
		admin.GET("/fields/:id", fieldHandler.GetField)
		admin.PUT("/fields/:id", fieldHandler.UpdateField)
		admin.DELETE("/fields/:id", fieldHandler.DeleteField)
	}

	// Record endpoints. Every write except create is guarded by the
	// caller's last-seen version; stale writers get 409 with the latest
	// record in the payload.
	records := r.Group("/api/:module/:entity/records")
	records.Use(handler.AuthMiddleware())
	records.Use(handler.ModuleEntityMiddleware())
	{
		records.GET("", handler.PermissionMiddleware(ActionView), handler.List)
		records.GET("/:id", handler.PermissionMiddleware(ActionView), handler.Get)
		records.POST("", handler.PermissionMiddleware(ActionCreate), handler.Create)

		// Ownership-scoped checks happen in the handlers once the record
		// and its owner are known.
		records.PUT("/:id", handler.Update)
		records.DELETE("/:id", handler.Delete)
		records.POST("/:id/restore", handler.Restore)
		records.POST("/:id/merge", handler.Merge)
	}

	return r
}
