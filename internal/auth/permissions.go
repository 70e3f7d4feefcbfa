// Package auth - Permission checking
package auth

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/veristone/keystone/internal/models"
)

// Scope widths, narrowest to widest.
const (
	ScopeOwn        = "own"
	ScopeDepartment = "department"
	ScopeAll        = "all"
)

// EntityPermission is the computed permission of one user on one
// (module, entity), after OR-merging across the user's roles.
type EntityPermission struct {
	CanView   bool   `json:"can_view"`
	CanCreate bool   `json:"can_create"`
	CanEdit   bool   `json:"can_edit"`
	CanDelete bool   `json:"can_delete"`
	Scope     string `json:"scope"`
}

// Authorizer answers the access questions the API layer asks before handing
// a call to the record core.
type Authorizer interface {
	HasAccess(ctx context.Context, userID uuid.UUID, module, entity string) (bool, error)
	CanCreate(ctx context.Context, userID uuid.UUID, module, entity string) (bool, error)
	CanEdit(ctx context.Context, userID uuid.UUID, module, entity string, ownerID *uuid.UUID) (bool, error)
	CanDelete(ctx context.Context, userID uuid.UUID, module, entity string, ownerID *uuid.UUID) (bool, error)
	UserPermissions(ctx context.Context, userID uuid.UUID) (map[string]EntityPermission, error)
}

// PermissionService computes role-based permissions from the database.
type PermissionService struct {
	db *gorm.DB
}

// NewPermissionService creates a new permission service
func NewPermissionService(db *gorm.DB) *PermissionService {
	return &PermissionService{db: db}
}

// entityPermission loads and OR-merges the permissions of all the user's
// roles on one (module, entity). A wider scope from any role wins. An
// entity of "*" on a permission row grants the whole module.
func (s *PermissionService) entityPermission(ctx context.Context, userID uuid.UUID, module, entity string) (*EntityPermission, error) {
	roleIDs, err := s.roleIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(roleIDs) == 0 {
		return &EntityPermission{Scope: ScopeOwn}, nil
	}

	var permissions []models.Permission
	err = s.db.WithContext(ctx).
		Where("role_id IN ? AND module = ? AND entity IN ?", roleIDs, module, []string{entity, "*"}).
		Find(&permissions).Error
	if err != nil {
		return nil, err
	}

	result := &EntityPermission{Scope: ScopeOwn}
	for _, perm := range permissions {
		result.CanView = result.CanView || perm.CanView
		result.CanCreate = result.CanCreate || perm.CanCreate
		result.CanEdit = result.CanEdit || perm.CanEdit
		result.CanDelete = result.CanDelete || perm.CanDelete
		if scopeRank(perm.Scope) > scopeRank(result.Scope) {
			result.Scope = perm.Scope
		}
	}
	return result, nil
}

func (s *PermissionService) roleIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	var roleIDs []uuid.UUID
	err := s.db.WithContext(ctx).Table("user_roles").
		Where("user_id = ?", userID).
		Pluck("role_id", &roleIDs).Error
	return roleIDs, err
}

// HasAccess reports whether the user may see the (module, entity) at all.
func (s *PermissionService) HasAccess(ctx context.Context, userID uuid.UUID, module, entity string) (bool, error) {
	perm, err := s.entityPermission(ctx, userID, module, entity)
	if err != nil {
		return false, err
	}
	return perm.CanView, nil
}

// CanCreate reports whether the user may create records of (module, entity).
func (s *PermissionService) CanCreate(ctx context.Context, userID uuid.UUID, module, entity string) (bool, error) {
	perm, err := s.entityPermission(ctx, userID, module, entity)
	if err != nil {
		return false, err
	}
	return perm.CanCreate, nil
}

// CanEdit reports whether the user may edit a record owned by ownerID.
func (s *PermissionService) CanEdit(ctx context.Context, userID uuid.UUID, module, entity string, ownerID *uuid.UUID) (bool, error) {
	perm, err := s.entityPermission(ctx, userID, module, entity)
	if err != nil {
		return false, err
	}
	if !perm.CanEdit {
		return false, nil
	}
	return s.scopeAllows(ctx, perm.Scope, userID, ownerID)
}

// CanDelete reports whether the user may delete a record owned by ownerID.
func (s *PermissionService) CanDelete(ctx context.Context, userID uuid.UUID, module, entity string, ownerID *uuid.UUID) (bool, error) {
	perm, err := s.entityPermission(ctx, userID, module, entity)
	if err != nil {
		return false, err
	}
	if !perm.CanDelete {
		return false, nil
	}
	return s.scopeAllows(ctx, perm.Scope, userID, ownerID)
}

// UserPermissions returns the user's permission for every (module, entity)
// any of their roles touches, keyed "module:entity".
func (s *PermissionService) UserPermissions(ctx context.Context, userID uuid.UUID) (map[string]EntityPermission, error) {
	result := make(map[string]EntityPermission)

	roleIDs, err := s.roleIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(roleIDs) == 0 {
		return result, nil
	}

	var permissions []models.Permission
	err = s.db.WithContext(ctx).Where("role_id IN ?", roleIDs).Find(&permissions).Error
	if err != nil {
		return nil, err
	}

	for _, perm := range permissions {
		key := perm.Module + ":" + perm.Entity
		merged := result[key]
		if merged.Scope == "" {
			merged.Scope = ScopeOwn
		}
		merged.CanView = merged.CanView || perm.CanView
		merged.CanCreate = merged.CanCreate || perm.CanCreate
		merged.CanEdit = merged.CanEdit || perm.CanEdit
		merged.CanDelete = merged.CanDelete || perm.CanDelete
		if scopeRank(perm.Scope) > scopeRank(merged.Scope) {
			merged.Scope = perm.Scope
		}
		result[key] = merged
	}

	return result, nil
}

// scopeAllows resolves an ownership-aware check: own means the caller is the
// owner, department means owner and caller share a branch, all is unbounded.
// A nil owner (create-style checks) passes for any scope.
func (s *PermissionService) scopeAllows(ctx context.Context, scope string, userID uuid.UUID, ownerID *uuid.UUID) (bool, error) {
	if ownerID == nil || scope == ScopeAll {
		return true, nil
	}
	if scope == ScopeOwn {
		return userID == *ownerID, nil
	}

	// department scope
	var caller, owner models.User
	if err := s.db.WithContext(ctx).Select("branch_id").First(&caller, "id = ?", userID).Error; err != nil {
		return false, err
	}
	if err := s.db.WithContext(ctx).Select("branch_id").First(&owner, "id = ?", *ownerID).Error; err != nil {
		return false, err
	}
	if caller.BranchID == nil || owner.BranchID == nil {
		return false, nil
	}
	return *caller.BranchID == *owner.BranchID, nil
}

func scopeRank(scope string) int {
	switch scope {
	case ScopeAll:
		return 2
	case ScopeDepartment:
		return 1
	default:
		return 0
	}
}
