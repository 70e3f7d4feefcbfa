// Package api - Field definition administration
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/veristone/keystone/internal/engine"
	"github.com/veristone/keystone/internal/models"
)

// FieldHandler handles field definition administration
type FieldHandler struct {
	registry *engine.Registry
}

// NewFieldHandler creates a new field handler
func NewFieldHandler(registry *engine.Registry) *FieldHandler {
	return &FieldHandler{registry: registry}
}

// CreateFieldRequest is the body for field creation.
type CreateFieldRequest struct {
	Module           string         `json:"module" binding:"required"`
	Entity           string         `json:"entity" binding:"required"`
	FieldKey         string         `json:"field_key" binding:"required"`
	Label            string         `json:"label" binding:"required"`
	Type             string         `json:"type" binding:"required"`
	Required         bool           `json:"required"`
	ReadOnly         bool           `json:"read_only"`
	Visible          *bool          `json:"visible"`
	DisplayOrder     int            `json:"display_order"`
	DefaultValue     *string        `json:"default_value"`
	Options          pq.StringArray `json:"options"`
	MinLength        *int           `json:"min_length"`
	MaxLength        *int           `json:"max_length"`
	MinValue         *float64       `json:"min_value"`
	MaxValue         *float64       `json:"max_value"`
	Pattern          string         `json:"pattern"`
	AllowedFileTypes pq.StringArray `json:"allowed_file_types"`
	MaxFileSize      *int64         `json:"max_file_size"`
}

// ListFields returns all field definitions for a (module, entity)
// GET /admin/fields?module=re&entity=invoices
func (h *FieldHandler) ListFields(c *gin.Context) {
	module := c.Query("module")
	entity := c.Query("entity")
	if module == "" || entity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "module and entity query params are required"})
		return
	}

	fields, err := h.registry.ListFields(c.Request.Context(), module, entity)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"fields": fields, "total": len(fields)})
}

// GetField returns a single field definition
// GET /admin/fields/:id
func (h *FieldHandler) GetField(c *gin.Context) {
	fieldID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	field, err := h.registry.GetField(c.Request.Context(), fieldID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, field)
}

// CreateField creates a new custom field definition
// POST /admin/fields
func (h *FieldHandler) CreateField(c *gin.Context) {
	var req CreateFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	visible := true
	if req.Visible != nil {
		visible = *req.Visible
	}

	field := &models.FieldDefinition{
		Module:           req.Module,
		Entity:           req.Entity,
		FieldKey:         req.FieldKey,
		Label:            req.Label,
		Type:             req.Type,
		IsSystem:         false,
		IsEnabled:        true,
		Required:         req.Required,
		ReadOnly:         req.ReadOnly,
		Visible:          visible,
		DisplayOrder:     req.DisplayOrder,
		DefaultValue:     req.DefaultValue,
		Options:          req.Options,
		MinLength:        req.MinLength,
		MaxLength:        req.MaxLength,
		MinValue:         req.MinValue,
		MaxValue:         req.MaxValue,
		Pattern:          req.Pattern,
		AllowedFileTypes: req.AllowedFileTypes,
		MaxFileSize:      req.MaxFileSize,
	}

	if err := h.registry.CreateField(c.Request.Context(), field); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, field)
}

// UpdateField updates a field definition. System fields only accept changes
// to label, visibility, display order, and required.
// PUT /admin/fields/:id
func (h *FieldHandler) UpdateField(c *gin.Context) {
	fieldID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var update engine.FieldUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	field, err := h.registry.UpdateField(c.Request.Context(), fieldID, &update)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, field)
}

// DeleteField removes a field definition. A field still referenced by record
// data is disabled instead of removed, which the response distinguishes.
// DELETE /admin/fields/:id
func (h *FieldHandler) DeleteField(c *gin.Context) {
	fieldID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	removed, err := h.registry.DeleteField(c.Request.Context(), fieldID)
	if err != nil {
		respondError(c, err)
		return
	}

	if removed {
		c.JSON(http.StatusOK, gin.H{"message": "field deleted"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "field is in use and was disabled instead", "disabled": true})
}
