// Package api contains the HTTP handlers for the Keystone record core.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/veristone/keystone/internal/auth"
	"github.com/veristone/keystone/internal/engine"
	apperrors "github.com/veristone/keystone/internal/errors"
)

// Handler contains the record API handlers
type Handler struct {
	service    *engine.Service
	authz      auth.Authorizer
	jwtService *auth.JWTService
}

// NewHandler creates a new API handler
func NewHandler(service *engine.Service, authz auth.Authorizer, jwtService *auth.JWTService) *Handler {
	return &Handler{
		service:    service,
		authz:      authz,
		jwtService: jwtService,
	}
}

// respondError translates core errors into HTTP responses. Anything that is
// not a typed core error becomes a 500.
func respondError(c *gin.Context, err error) {
	if _, ok := err.(apperrors.KeystoneError); !ok {
		err = apperrors.NewInternalError(err)
	}
	status, response := apperrors.ToHTTPError(err)
	c.JSON(status, response)
}

// CreateRequest is the body for record creation.
type CreateRequest struct {
	Data     map[string]interface{} `json:"data" binding:"required"`
	BranchID *uuid.UUID             `json:"branch_id"`
}

// UpdateRequest is the body for a guarded update. Version is the version the
// caller last saw and is required.
type UpdateRequest struct {
	Data     map[string]interface{} `json:"data" binding:"required"`
	Version  int64                  `json:"version" binding:"required"`
	Status   *string                `json:"status"`
	Starred  *bool                  `json:"starred"`
	Archived *bool                  `json:"archived"`
}

// VersionRequest carries just the guard version, for delete and restore.
type VersionRequest struct {
	Version int64 `json:"version" binding:"required"`
}

// MergeRequest is the body for conflict resolution.
type MergeRequest struct {
	Data     map[string]interface{} `json:"data" binding:"required"`
	Version  int64                  `json:"version" binding:"required"`
	Strategy string                 `json:"strategy" binding:"required"`
}

// List returns a paginated page of records
// GET /api/:module/:entity/records
func (h *Handler) List(c *gin.Context) {
	module := c.MustGet("module").(string)
	entity := c.MustGet("entity").(string)
	userID := c.MustGet("user_id").(uuid.UUID)

	q := engine.ListQuery{
		Page:    parseIntParam(c.Query("page"), 1),
		Limit:   parseIntParam(c.Query("limit"), engine.DefaultPageSize),
		Search:  c.Query("search"),
		Status:  c.Query("status"),
		Filters: make(map[string]interface{}),
	}

	// Scope the listing to what the caller may see.
	perms, err := h.authz.UserPermissions(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	perm, ok := perms[module+":"+entity]
	if !ok {
		perm, ok = perms[module+":*"]
	}
	q.Scope = engine.ScopeOwn
	q.OwnerID = &userID
	if ok {
		q.Scope = perm.Scope
	}

	if branchStr := c.Query("branch_id"); branchStr != "" {
		branchID, err := uuid.Parse(branchStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid branch_id"})
			return
		}
		q.BranchID = &branchID
	}
	if starred := c.Query("starred"); starred != "" {
		v := starred == "true"
		q.Starred = &v
	}
	if archived := c.Query("archived"); archived != "" {
		v := archived == "true"
		q.Archived = &v
	}
	if c.Query("include_deleted") == "true" {
		q.IncludeDeleted = true
	}

	// Data filters come in as filter[field-key]=value.
	for key, values := range c.Request.URL.Query() {
		if len(key) > 8 && key[:7] == "filter[" && key[len(key)-1] == ']' {
			if len(values) > 0 {
				q.Filters[key[7:len(key)-1]] = values[0]
			}
		}
	}

	result, err := h.service.ListRecords(c.Request.Context(), module, entity, q)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Get returns a single record
// GET /api/:module/:entity/records/:id
func (h *Handler) Get(c *gin.Context) {
	module := c.MustGet("module").(string)
	entity := c.MustGet("entity").(string)
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	record, err := h.service.GetRecord(c.Request.Context(), recordID)
	if err != nil {
		respondError(c, err)
		return
	}
	if record.Module != module || record.Entity != entity {
		respondError(c, apperrors.NewNotFoundError("record"))
		return
	}

	c.JSON(http.StatusOK, record)
}

// Create creates a new record at version 1
// POST /api/:module/:entity/records
func (h *Handler) Create(c *gin.Context) {
	module := c.MustGet("module").(string)
	entity := c.MustGet("entity").(string)
	userID := c.MustGet("user_id").(uuid.UUID)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	record, err := h.service.CreateRecord(c.Request.Context(), module, entity, req.Data, userID, req.BranchID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, record)
}

// Update performs a guarded update. A stale version yields 409 with the
// latest record so the client can diff, merge, or retry.
// PUT /api/:module/:entity/records/:id
func (h *Handler) Update(c *gin.Context) {
	module := c.MustGet("module").(string)
	entity := c.MustGet("entity").(string)
	userID := c.MustGet("user_id").(uuid.UUID)
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	current, err := h.service.GetRecord(c.Request.Context(), recordID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !h.requireScopedEdit(c, userID, module, entity, current.CreatedBy) {
		return
	}

	opts := engine.UpdateOptions{
		Status:       req.Status,
		Starred:      req.Starred,
		Archived:     req.Archived,
		ConnectionID: c.GetHeader(connectionHeader),
	}

	record, err := h.service.UpdateRecord(c.Request.Context(), recordID, req.Data, req.Version, userID, module, entity, opts)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

// Delete soft-deletes a record behind the same version guard as updates
// DELETE /api/:module/:entity/records/:id
func (h *Handler) Delete(c *gin.Context) {
	module := c.MustGet("module").(string)
	entity := c.MustGet("entity").(string)
	userID := c.MustGet("user_id").(uuid.UUID)
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var req VersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version is required"})
		return
	}

	current, err := h.service.GetRecord(c.Request.Context(), recordID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !h.requireScopedDelete(c, userID, module, entity, current.CreatedBy) {
		return
	}

	err = h.service.DeleteRecord(c.Request.Context(), recordID, req.Version, userID, module, entity, c.GetHeader(connectionHeader))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "record deleted"})
}

// Restore brings a soft-deleted record back
// POST /api/:module/:entity/records/:id/restore
func (h *Handler) Restore(c *gin.Context) {
	module := c.MustGet("module").(string)
	entity := c.MustGet("entity").(string)
	userID := c.MustGet("user_id").(uuid.UUID)
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var req VersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version is required"})
		return
	}

	current, err := h.service.GetRecord(c.Request.Context(), recordID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !h.requireScopedEdit(c, userID, module, entity, current.CreatedBy) {
		return
	}

	record, err := h.service.RestoreRecord(c.Request.Context(), recordID, req.Version, userID, module, entity, c.GetHeader(connectionHeader))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

// Merge resolves a conflict with the requested strategy
// POST /api/:module/:entity/records/:id/merge
func (h *Handler) Merge(c *gin.Context) {
	module := c.MustGet("module").(string)
	entity := c.MustGet("entity").(string)
	userID := c.MustGet("user_id").(uuid.UUID)
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var req MergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	current, err := h.service.GetRecord(c.Request.Context(), recordID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !h.requireScopedEdit(c, userID, module, entity, current.CreatedBy) {
		return
	}

	opts := engine.UpdateOptions{ConnectionID: c.GetHeader(connectionHeader)}
	record, err := h.service.MergeChanges(c.Request.Context(), recordID, req.Data, req.Version, userID, module, entity, req.Strategy, opts)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

// Health returns the health status
// GET /api/health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "keystone",
		"version": "1.0.0",
	})
}

func parseIntParam(value string, defaultValue int) int {
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return i
}
