package auth

import (
	"context"
	"fmt"
	"strings"
)

// RBACService mutates role assignments and keeps the permission cache in
// step with every change.
type RBACService struct {
	store RoleAdminStore
	cache *PermissionCache
}

func NewRBACService(store RoleAdminStore, cache *PermissionCache) (*RBACService, error) {
	if store == nil || cache == nil {
		return nil, fmt.Errorf("%w: rbac store and permission cache are required", ErrConfiguration)
	}
	return &RBACService{store: store, cache: cache}, nil
}

// EnsureBuiltins ensures predefined permissions exist.
func (s *RBACService) EnsureBuiltins(ctx context.Context) error {
	return s.store.EnsurePermissions(ctx, BuiltinPermissions)
}

func (s *RBACService) CreateRole(ctx context.Context, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrValidation)
	}
	return s.store.CreateRole(ctx, name, strings.TrimSpace(description))
}

func (s *RBACService) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

func (s *RBACService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// SetRolePermissions replaces the permission set of a role and invalidates
// every cached user holding it.
func (s *RBACService) SetRolePermissions(ctx context.Context, roleID string, permissions []string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrValidation)
	}
	if err := s.store.SetRolePermissions(ctx, roleID, dedupeStrings(permissions)); err != nil {
		return err
	}
	s.cache.InvalidateRoleCache(roleID)
	return nil
}

func (s *RBACService) AssignRole(ctx context.Context, userID, roleID string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrValidation)
	}
	if err := s.store.AssignRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.cache.InvalidateUserCache(userID)
	return nil
}

func (s *RBACService) RemoveRole(ctx context.Context, userID, roleID string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrValidation)
	}
	if err := s.store.RemoveRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.cache.InvalidateUserCache(userID)
	return nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
