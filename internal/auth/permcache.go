package auth

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"medportal.org/internal/obs"
)

// permissionLoadTimeout bounds one shared store load.
const permissionLoadTimeout = 5 * time.Second

type cacheEntry struct {
	perms    map[string]struct{}
	roles    []string
	loadedAt time.Time
}

// PermissionCache memoizes the effective permission set of each user.
//
// Hits are served from a sync.Map without taking locks. Concurrent misses for
// the same user share one store load. Invalidation bumps an epoch so a load
// that started before it is never installed.
type PermissionCache struct {
	store PermissionStore
	ttl   time.Duration
	now   func() time.Time
	log   zerolog.Logger

	entries sync.Map // user id -> *cacheEntry
	group   singleflight.Group

	mu        sync.Mutex
	userEpoch map[string]uint64
	roleEpoch uint64
	roleUsers map[string]map[string]struct{}
}

// CacheOption configures a PermissionCache.
type CacheOption func(*PermissionCache)

// WithCacheClock overrides the time source.
func WithCacheClock(fn func() time.Time) CacheOption {
	return func(c *PermissionCache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithCacheLogger sets the cache logger.
func WithCacheLogger(l zerolog.Logger) CacheOption {
	return func(c *PermissionCache) { c.log = l }
}

// NewPermissionCache builds a cache whose entries are trusted for ttl. A zero
// ttl keeps entries until invalidated.
func NewPermissionCache(store PermissionStore, ttl time.Duration, opts ...CacheOption) (*PermissionCache, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: permission store is required", ErrConfiguration)
	}
	c := &PermissionCache{
		store:     store,
		ttl:       ttl,
		now:       time.Now,
		log:       obs.Logger(),
		userEpoch: make(map[string]uint64),
		roleUsers: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "permcache").Logger()
	return c, nil
}

// UserHasPermission reports whether any role of the user grants perm.
func (c *PermissionCache) UserHasPermission(ctx context.Context, userID, perm string) (bool, error) {
	perm = strings.TrimSpace(perm)
	if perm == "" {
		return false, fmt.Errorf("%w: permission is required", ErrValidation)
	}
	entry, err := c.lookup(ctx, userID)
	if err != nil {
		return false, err
	}
	_, ok := entry.perms[perm]
	return ok, nil
}

// GetUserPermissions returns the sorted effective permission names.
func (c *PermissionCache) GetUserPermissions(ctx context.Context, userID string) ([]string, error) {
	entry, err := c.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entry.perms))
	for p := range entry.perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// RoleHasPermission answers from the store directly.
func (c *PermissionCache) RoleHasPermission(ctx context.Context, roleID, perm string) (bool, error) {
	roleID = strings.TrimSpace(roleID)
	perm = strings.TrimSpace(perm)
	if roleID == "" || perm == "" {
		return false, fmt.Errorf("%w: role id and permission are required", ErrValidation)
	}
	names, err := c.store.PermissionsForRole(ctx, roleID)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == perm {
			return true, nil
		}
	}
	return false, nil
}

// InvalidateUserCache drops the user's entry. Loads already in flight for
// the user will not be installed.
func (c *PermissionCache) InvalidateUserCache(userID string) {
	userID = strings.TrimSpace(userID)
	c.mu.Lock()
	c.userEpoch[userID]++
	c.dropLocked(userID)
	c.mu.Unlock()
	c.log.Debug().Str("user_id", userID).Msg("user permissions invalidated")
}

// InvalidateRoleCache drops the entry of every user holding the role.
func (c *PermissionCache) InvalidateRoleCache(roleID string) {
	roleID = strings.TrimSpace(roleID)
	c.mu.Lock()
	c.roleEpoch++
	holders := c.roleUsers[roleID]
	for userID := range holders {
		c.dropLocked(userID)
	}
	delete(c.roleUsers, roleID)
	c.mu.Unlock()
	c.log.Debug().Str("role_id", roleID).Int("users", len(holders)).Msg("role permissions invalidated")
}

func (c *PermissionCache) lookup(ctx context.Context, userID string) (*cacheEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if v, ok := c.entries.Load(userID); ok {
		entry := v.(*cacheEntry)
		if c.fresh(entry) {
			obs.PermissionCacheLookups.WithLabelValues("hit").Inc()
			return entry, nil
		}
		obs.PermissionCacheLookups.WithLabelValues("stale").Inc()
	} else {
		obs.PermissionCacheLookups.WithLabelValues("miss").Inc()
	}

	c.mu.Lock()
	userEpoch, roleEpoch := c.userEpoch[userID], c.roleEpoch
	c.mu.Unlock()

	key := userID + "|" + strconv.FormatUint(userEpoch, 10) + "|" + strconv.FormatUint(roleEpoch, 10)
	// The load is shared by every waiter, so it must outlive the caller that
	// started it; each waiter still gives up on its own context.
	res := c.group.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), permissionLoadTimeout)
		defer cancel()
		entry, err := c.load(lctx, userID)
		if err != nil {
			return nil, err
		}
		c.install(userID, entry, userEpoch, roleEpoch)
		return entry, nil
	})
	select {
	case r := <-res:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*cacheEntry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *PermissionCache) load(ctx context.Context, userID string) (*cacheEntry, error) {
	roles, err := c.store.RolesForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	entry := &cacheEntry{perms: make(map[string]struct{}), loadedAt: c.now()}
	for _, r := range roles {
		names, err := c.store.PermissionsForRole(ctx, r.ID)
		if err != nil {
			return nil, fmt.Errorf("load permissions of role %s: %w", r.ID, err)
		}
		for _, n := range names {
			entry.perms[n] = struct{}{}
		}
		entry.roles = append(entry.roles, r.ID)
	}
	return entry, nil
}

func (c *PermissionCache) install(userID string, entry *cacheEntry, userEpoch, roleEpoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userEpoch[userID] != userEpoch || c.roleEpoch != roleEpoch {
		return
	}
	c.dropLocked(userID)
	c.entries.Store(userID, entry)
	for _, roleID := range entry.roles {
		holders, ok := c.roleUsers[roleID]
		if !ok {
			holders = make(map[string]struct{})
			c.roleUsers[roleID] = holders
		}
		holders[userID] = struct{}{}
	}
}

func (c *PermissionCache) dropLocked(userID string) {
	v, ok := c.entries.LoadAndDelete(userID)
	if !ok {
		return
	}
	for _, roleID := range v.(*cacheEntry).roles {
		if holders, ok := c.roleUsers[roleID]; ok {
			delete(holders, userID)
			if len(holders) == 0 {
				delete(c.roleUsers, roleID)
			}
		}
	}
}

func (c *PermissionCache) fresh(e *cacheEntry) bool {
	return c.ttl <= 0 || c.now().Sub(e.loadedAt) < c.ttl
}
