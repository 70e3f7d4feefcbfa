// Package models contains the core Keystone data structures.
// Records are schema-less rows validated against administrator-defined fields.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Business-line modules. Every record and field definition belongs to one.
const (
	ModuleRevenue = "re"
	ModuleExpense = "expense"
)

// Record workflow states, independent of the version counter.
const (
	StatusDraft     = "draft"
	StatusSubmitted = "submitted"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
)

// Field definition types understood by the validator.
const (
	FieldText     = "text"
	FieldTextarea = "textarea"
	FieldNumber   = "number"
	FieldDate     = "date"
	FieldCheckbox = "checkbox"
	FieldSelect   = "select"
	FieldRadio    = "radio"
	FieldFile     = "file"
	FieldImage    = "image"
)

// ValidModule reports whether code names a known business-line module.
func ValidModule(code string) bool {
	return code == ModuleRevenue || code == ModuleExpense
}

// ValidStatus reports whether s is a known workflow state.
func ValidStatus(s string) bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// =============================================================================
// RECORD MODEL
// =============================================================================

// Record is a dynamically-schemaed row owned by a (module, entity) pair.
// The version counter starts at 1 and is the optimistic-lock token: every
// accepted write increments it by exactly 1.
type Record struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	Module    string     `json:"module" gorm:"not null;size:20;index:idx_records_scope"`
	Entity    string     `json:"entity" gorm:"not null;size:50;index:idx_records_scope"`
	Data      JSONB      `json:"data" gorm:"type:jsonb;default:'{}'"`
	Version   int64      `json:"version" gorm:"not null;default:1"`
	Status    string     `json:"status" gorm:"not null;size:20;default:'draft'"`
	BranchID  *uuid.UUID `json:"branch_id" gorm:"type:uuid;index"`
	Starred   bool       `json:"starred" gorm:"default:false"`
	Archived  bool       `json:"archived" gorm:"default:false"`
	IsDeleted bool       `json:"is_deleted" gorm:"default:false;index"`
	DeletedAt *time.Time `json:"deleted_at"`
	DeletedBy *uuid.UUID `json:"deleted_by" gorm:"type:uuid"`
	CreatedBy uuid.UUID  `json:"created_by" gorm:"type:uuid;index"`
	UpdatedBy uuid.UUID  `json:"updated_by" gorm:"type:uuid"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the record. Data is copied key by key so the
// caller can mutate the copy without touching shared state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Data = make(JSONB, len(r.Data))
	for k, v := range r.Data {
		out.Data[k] = v
	}
	return &out
}

// =============================================================================
// FIELD DEFINITION MODEL
// =============================================================================

// FieldDefinition is administrator-configured metadata describing one data
// field of a (module, entity). The field key is unique within the entity.
type FieldDefinition struct {
	ID               uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	Module           string         `json:"module" gorm:"not null;size:20;uniqueIndex:idx_fields_key"`
	Entity           string         `json:"entity" gorm:"not null;size:50;uniqueIndex:idx_fields_key"`
	FieldKey         string         `json:"field_key" gorm:"not null;size:50;uniqueIndex:idx_fields_key"`
	Label            string         `json:"label" gorm:"not null;size:100"`
	Type             string         `json:"type" gorm:"not null;size:20"`
	IsSystem         bool           `json:"is_system" gorm:"default:false"`
	IsEnabled        bool           `json:"is_enabled" gorm:"default:true"`
	Required         bool           `json:"required" gorm:"default:false"`
	ReadOnly         bool           `json:"read_only" gorm:"default:false"`
	Visible          bool           `json:"visible" gorm:"default:true"`
	DisplayOrder     int            `json:"display_order" gorm:"default:0"`
	DefaultValue     *string        `json:"default_value"`
	Options          pq.StringArray `json:"options" gorm:"type:text[]"`
	MinLength        *int           `json:"min_length"`
	MaxLength        *int           `json:"max_length"`
	MinValue         *float64       `json:"min_value"`
	MaxValue         *float64       `json:"max_value"`
	Pattern          string         `json:"pattern" gorm:"size:255"`
	AllowedFileTypes pq.StringArray `json:"allowed_file_types" gorm:"type:text[]"`
	MaxFileSize      *int64         `json:"max_file_size"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// TableName returns the table name for FieldDefinition.
func (FieldDefinition) TableName() string {
	return "field_definitions"
}

// HasOption reports whether value is a member of the option set.
func (f *FieldDefinition) HasOption(value string) bool {
	for _, opt := range f.Options {
		if opt == value {
			return true
		}
	}
	return false
}

// =============================================================================
// SYSTEM MODELS
// =============================================================================

// User represents a system user. Authentication is handled by the API layer;
// the record core only carries user ids for ownership and audit.
type User struct {
	ID           uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	Email        string     `json:"email" gorm:"uniqueIndex;not null;size:255"`
	PasswordHash string     `json:"-" gorm:"size:255"`
	FirstName    string     `json:"first_name" gorm:"size:100"`
	LastName     string     `json:"last_name" gorm:"size:100"`
	BranchID     *uuid.UUID `json:"branch_id" gorm:"type:uuid"`
	IsActive     bool       `json:"is_active" gorm:"default:true"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	// Relations
	Roles []Role `json:"roles,omitempty" gorm:"many2many:user_roles;"`
}

// Role represents a user role.
type Role struct {
	ID          uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	Code        string    `json:"code" gorm:"uniqueIndex;not null;size:50"`
	Name        string    `json:"name" gorm:"not null;size:100"`
	Description string    `json:"description"`
	IsSystem    bool      `json:"is_system" gorm:"default:false"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Relations
	Permissions []Permission `json:"permissions,omitempty" gorm:"foreignKey:RoleID"`
	Users       []User       `json:"users,omitempty" gorm:"many2many:user_roles;"`
}

// Permission grants a role access to one (module, entity) with a row scope.
// Scope is one of "own", "department", "all".
type Permission struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	RoleID    uuid.UUID `json:"role_id" gorm:"type:uuid;index"`
	Module    string    `json:"module" gorm:"not null;size:20"`
	Entity    string    `json:"entity" gorm:"not null;size:50"`
	CanView   bool      `json:"can_view" gorm:"default:false"`
	CanCreate bool      `json:"can_create" gorm:"default:false"`
	CanEdit   bool      `json:"can_edit" gorm:"default:false"`
	CanDelete bool      `json:"can_delete" gorm:"default:false"`
	Scope     string    `json:"scope" gorm:"size:20;default:'own'"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Role *Role `json:"role,omitempty" gorm:"foreignKey:RoleID"`
}

// =============================================================================
// AUDIT MODEL
// =============================================================================

// AuditLog represents one entry of the activity trail. Soft-deleted records
// stay addressable so audit entries never dangle.
type AuditLog struct {
	ID            uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	UserID        *uuid.UUID     `json:"user_id" gorm:"type:uuid"`
	Module        string         `json:"module" gorm:"size:20;index"`
	Entity        string         `json:"entity" gorm:"size:50;index"`
	RecordID      *uuid.UUID     `json:"record_id" gorm:"type:uuid;index"`
	Action        string         `json:"action" gorm:"not null;size:30"`
	OldValues     JSONB          `json:"old_values" gorm:"type:jsonb"`
	NewValues     JSONB          `json:"new_values" gorm:"type:jsonb"`
	ChangedFields pq.StringArray `json:"changed_fields" gorm:"type:text[]"`
	CreatedAt     time.Time      `json:"created_at" gorm:"index"`
}
