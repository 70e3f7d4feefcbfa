package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	apperrors "github.com/veristone/keystone/internal/errors"
	"github.com/veristone/keystone/internal/models"
	"github.com/veristone/keystone/internal/security"
)

// FieldSource supplies the enabled field definitions the validator runs
// against. The registry implements it; tests use StaticFieldSource.
type FieldSource interface {
	EnabledFields(ctx context.Context, module, entity string) ([]models.FieldDefinition, error)
}

// StaticFieldSource serves a fixed definition set regardless of scope.
type StaticFieldSource []models.FieldDefinition

// EnabledFields returns the enabled subset of the static definitions.
func (s StaticFieldSource) EnabledFields(_ context.Context, _, _ string) ([]models.FieldDefinition, error) {
	var out []models.FieldDefinition
	for _, f := range s {
		if f.IsEnabled {
			out = append(out, f)
		}
	}
	return out, nil
}

// =============================================================================
// GUARDS
// =============================================================================

var knownFieldTypes = map[string]bool{
	models.FieldText:     true,
	models.FieldTextarea: true,
	models.FieldNumber:   true,
	models.FieldDate:     true,
	models.FieldCheckbox: true,
	models.FieldSelect:   true,
	models.FieldRadio:    true,
	models.FieldFile:     true,
	models.FieldImage:    true,
}

// RequiresOptions reports whether the field type needs a non-empty option set.
func RequiresOptions(fieldType string) bool {
	return fieldType == models.FieldSelect || fieldType == models.FieldRadio
}

// ValidateNewField checks the structural guards for a field definition about
// to be created.
func ValidateNewField(f *models.FieldDefinition) error {
	if !models.ValidModule(f.Module) {
		return apperrors.NewBadRequestError(fmt.Sprintf("unknown module '%s'", f.Module))
	}
	if f.Entity == "" {
		return apperrors.NewBadRequestError("entity is required")
	}
	if err := security.ValidateFieldKey(f.FieldKey); err != nil {
		return apperrors.NewBadRequestError(err.Error())
	}
	if f.Label == "" {
		return apperrors.NewBadRequestError("label is required")
	}
	if !knownFieldTypes[f.Type] {
		return apperrors.NewBadRequestError(fmt.Sprintf("unknown field type '%s'", f.Type))
	}
	if RequiresOptions(f.Type) && len(f.Options) == 0 {
		return apperrors.NewBadRequestError(fmt.Sprintf("%s fields require at least one option", f.Type))
	}
	return nil
}

// FieldUpdate carries the attributes an update may change. Nil means leave
// untouched. Module, entity, and field key are immutable through this path.
type FieldUpdate struct {
	Label            *string         `json:"label"`
	Required         *bool           `json:"required"`
	ReadOnly         *bool           `json:"read_only"`
	Visible          *bool           `json:"visible"`
	IsEnabled        *bool           `json:"is_enabled"`
	DisplayOrder     *int            `json:"display_order"`
	DefaultValue     *string         `json:"default_value"`
	Options          *pq.StringArray `json:"options"`
	MinLength        *int            `json:"min_length"`
	MaxLength        *int            `json:"max_length"`
	MinValue         *float64        `json:"min_value"`
	MaxValue         *float64        `json:"max_value"`
	Pattern          *string         `json:"pattern"`
	AllowedFileTypes *pq.StringArray `json:"allowed_file_types"`
	MaxFileSize      *int64          `json:"max_file_size"`
}

// CheckSystemFieldUpdate enforces the system-field allow-list: only label,
// visibility, display order, and required may change.
func CheckSystemFieldUpdate(u *FieldUpdate) error {
	if u.ReadOnly != nil || u.IsEnabled != nil || u.DefaultValue != nil ||
		u.Options != nil || u.MinLength != nil || u.MaxLength != nil ||
		u.MinValue != nil || u.MaxValue != nil || u.Pattern != nil ||
		u.AllowedFileTypes != nil || u.MaxFileSize != nil {
		return apperrors.NewBadRequestError("system fields only allow changes to label, visibility, order, and required")
	}
	return nil
}

func (u *FieldUpdate) apply(f *models.FieldDefinition) {
	if u.Label != nil {
		f.Label = *u.Label
	}
	if u.Required != nil {
		f.Required = *u.Required
	}
	if u.ReadOnly != nil {
		f.ReadOnly = *u.ReadOnly
	}
	if u.Visible != nil {
		f.Visible = *u.Visible
	}
	if u.IsEnabled != nil {
		f.IsEnabled = *u.IsEnabled
	}
	if u.DisplayOrder != nil {
		f.DisplayOrder = *u.DisplayOrder
	}
	if u.DefaultValue != nil {
		f.DefaultValue = u.DefaultValue
	}
	if u.Options != nil {
		f.Options = *u.Options
	}
	if u.MinLength != nil {
		f.MinLength = u.MinLength
	}
	if u.MaxLength != nil {
		f.MaxLength = u.MaxLength
	}
	if u.MinValue != nil {
		f.MinValue = u.MinValue
	}
	if u.MaxValue != nil {
		f.MaxValue = u.MaxValue
	}
	if u.Pattern != nil {
		f.Pattern = *u.Pattern
	}
	if u.AllowedFileTypes != nil {
		f.AllowedFileTypes = *u.AllowedFileTypes
	}
	if u.MaxFileSize != nil {
		f.MaxFileSize = u.MaxFileSize
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is the administrative store for field definitions, with the
// referential guards around system fields and in-use deletion.
type Registry struct {
	db *gorm.DB
}

// NewRegistry creates a field definition registry.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// EnabledFields returns the enabled definitions for (module, entity) in
// display order.
func (r *Registry) EnabledFields(ctx context.Context, module, entity string) ([]models.FieldDefinition, error) {
	var fields []models.FieldDefinition
	err := r.db.WithContext(ctx).
		Where("module = ? AND entity = ? AND is_enabled = true", module, entity).
		Order("display_order").
		Find(&fields).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load field definitions: %w", err)
	}
	return fields, nil
}

// ListFields returns all definitions for (module, entity), disabled included.
func (r *Registry) ListFields(ctx context.Context, module, entity string) ([]models.FieldDefinition, error) {
	var fields []models.FieldDefinition
	err := r.db.WithContext(ctx).
		Where("module = ? AND entity = ?", module, entity).
		Order("display_order").
		Find(&fields).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load field definitions: %w", err)
	}
	return fields, nil
}

// GetField returns one definition by id.
func (r *Registry) GetField(ctx context.Context, id uuid.UUID) (*models.FieldDefinition, error) {
	var field models.FieldDefinition
	err := r.db.WithContext(ctx).First(&field, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("field definition")
		}
		return nil, fmt.Errorf("failed to load field definition: %w", err)
	}
	return &field, nil
}

// CreateField inserts a new definition after the structural guards and the
// (module, entity, field_key) uniqueness check.
func (r *Registry) CreateField(ctx context.Context, field *models.FieldDefinition) error {
	if err := ValidateNewField(field); err != nil {
		return err
	}

	var count int64
	err := r.db.WithContext(ctx).Model(&models.FieldDefinition{}).
		Where("module = ? AND entity = ? AND field_key = ?", field.Module, field.Entity, field.FieldKey).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("failed to check field key: %w", err)
	}
	if count > 0 {
		return apperrors.NewBadRequestError(fmt.Sprintf("field key '%s' already exists for this entity", field.FieldKey))
	}

	if field.ID == uuid.Nil {
		field.ID = uuid.New()
	}
	if err := r.db.WithContext(ctx).Create(field).Error; err != nil {
		return fmt.Errorf("failed to create field definition: %w", err)
	}
	return nil
}

// UpdateField applies an update, restricted to the allow-list for system
// fields.
func (r *Registry) UpdateField(ctx context.Context, id uuid.UUID, update *FieldUpdate) (*models.FieldDefinition, error) {
	field, err := r.GetField(ctx, id)
	if err != nil {
		return nil, err
	}

	if field.IsSystem {
		if err := CheckSystemFieldUpdate(update); err != nil {
			return nil, err
		}
	}
	if update.Options != nil && RequiresOptions(field.Type) && len(*update.Options) == 0 {
		return nil, apperrors.NewBadRequestError(fmt.Sprintf("%s fields require at least one option", field.Type))
	}

	update.apply(field)
	if err := r.db.WithContext(ctx).Save(field).Error; err != nil {
		return nil, fmt.Errorf("failed to update field definition: %w", err)
	}
	return field, nil
}

// DeleteField removes a non-system definition. When any record still carries
// the field key, deletion is refused in favor of disabling the definition;
// the returned flag reports whether a hard delete happened.
func (r *Registry) DeleteField(ctx context.Context, id uuid.UUID) (bool, error) {
	field, err := r.GetField(ctx, id)
	if err != nil {
		return false, err
	}
	if field.IsSystem {
		return false, apperrors.NewBadRequestError("system fields cannot be deleted")
	}

	inUse, err := r.fieldInUse(ctx, field.Module, field.Entity, field.FieldKey)
	if err != nil {
		return false, err
	}
	if inUse {
		err := r.db.WithContext(ctx).Model(field).Update("is_enabled", false).Error
		if err != nil {
			return false, fmt.Errorf("failed to disable field definition: %w", err)
		}
		return false, nil
	}

	if err := r.db.WithContext(ctx).Delete(field).Error; err != nil {
		return false, fmt.Errorf("failed to delete field definition: %w", err)
	}
	return true, nil
}

// fieldInUse reports whether any record of (module, entity) carries the
// field key. Soft-deleted records count: their data is retained for audit.
func (r *Registry) fieldInUse(ctx context.Context, module, entity, fieldKey string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Record{}).
		Where("module = ? AND entity = ?", module, entity).
		Where("jsonb_exists(data, ?)", fieldKey).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check field usage: %w", err)
	}
	return count > 0, nil
}
