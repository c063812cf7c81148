// Package memory keeps every auth table in process memory. It backs the
// development server and the engine tests; each method holds the store lock
// for its whole read-modify-write, matching the atomicity of the SQL store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"medportal.org/internal/auth"
	"medportal.org/internal/ids"
)

var (
	_ auth.ChallengeStore   = (*Store)(nil)
	_ auth.SessionStore     = (*Store)(nil)
	_ auth.ResetTokenStore  = (*Store)(nil)
	_ auth.AdminUserStore   = (*Store)(nil)
	_ auth.PatientDirectory = (*Store)(nil)
	_ auth.PermissionStore  = (*Store)(nil)
	_ auth.RoleAdminStore   = (*Store)(nil)
)

type Store struct {
	mu sync.RWMutex

	challenges map[string]*auth.OTPChallenge
	sessions   map[string]*auth.Session
	resets     map[string]*auth.PasswordResetToken
	admins     map[string]*auth.AdminUser
	patients   map[string]*auth.PatientContact

	roles     map[string]*auth.Role
	perms     map[string]*auth.Permission    // by name
	rolePerms map[string]map[string]struct{} // role id -> permission names
	userRoles map[string]map[string]struct{} // user id -> role ids
}

func New() *Store {
	return &Store{
		challenges: make(map[string]*auth.OTPChallenge),
		sessions:   make(map[string]*auth.Session),
		resets:     make(map[string]*auth.PasswordResetToken),
		admins:     make(map[string]*auth.AdminUser),
		patients:   make(map[string]*auth.PatientContact),
		roles:      make(map[string]*auth.Role),
		perms:      make(map[string]*auth.Permission),
		rolePerms:  make(map[string]map[string]struct{}),
		userRoles:  make(map[string]map[string]struct{}),
	}
}

// Challenges ----------------------------------------------------------------

func (s *Store) CreatePending(ctx context.Context, ch *auth.OTPChallenge) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[ch.ID]; ok {
		return 0, auth.ErrConflict
	}
	var superseded int64
	for _, existing := range s.challenges {
		if existing.SubjectKey == ch.SubjectKey && existing.Status == auth.ChallengePending {
			existing.Status = auth.ChallengeSuperseded
			existing.UpdatedAt = ch.CreatedAt
			superseded++
		}
	}
	s.challenges[ch.ID] = copyChallenge(ch)
	return superseded, nil
}

func (s *Store) Latest(ctx context.Context, subjectKey string) (*auth.OTPChallenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *auth.OTPChallenge
	for _, ch := range s.challenges {
		if ch.SubjectKey != subjectKey || ch.Status == auth.ChallengeSuperseded {
			continue
		}
		if latest == nil || ch.CreatedAt.After(latest.CreatedAt) ||
			(ch.CreatedAt.Equal(latest.CreatedAt) && ch.ID > latest.ID) {
			latest = ch
		}
	}
	if latest == nil {
		return nil, auth.ErrNotFound
	}
	return copyChallenge(latest), nil
}

func (s *Store) RecordAttempt(ctx context.Context, id string, now time.Time) (*auth.OTPChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[id]
	if !ok || ch.Status != auth.ChallengePending || ch.ExpiredAt(now) {
		return nil, auth.ErrExpiredOrNotFound
	}
	ch.Attempts++
	ch.UpdatedAt = now
	return copyChallenge(ch), nil
}

func (s *Store) RecordResend(ctx context.Context, id string, maxResends int, expiresAt *time.Time, resetAttempts bool, now time.Time) (*auth.OTPChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[id]
	if !ok || ch.Status != auth.ChallengePending || ch.ExpiredAt(now) || ch.Resends >= maxResends {
		return nil, auth.ErrConflict
	}
	ch.Resends++
	if expiresAt != nil {
		ch.ExpiresAt = *expiresAt
	}
	if resetAttempts {
		ch.Attempts = 0
	}
	ch.UpdatedAt = now
	return copyChallenge(ch), nil
}

func (s *Store) Transition(ctx context.Context, id string, from, to auth.ChallengeStatus, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[id]
	if !ok || ch.Status != from {
		return false, nil
	}
	ch.Status = to
	ch.UpdatedAt = now
	return true, nil
}

func (s *Store) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, ch := range s.challenges {
		if ch.ExpiresAt.Before(cutoff) {
			delete(s.challenges, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) CountChallenges(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.challenges)), nil
}

// Sessions ------------------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, sess *auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return auth.ErrConflict
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) FindSession(ctx context.Context, id string) (*auth.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) RevokeSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	revoke(sess, at)
	return nil
}

func (s *Store) RevokeUserSessions(ctx context.Context, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.Active && sess.RevokedAt == nil {
			revoke(sess, at)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteStaleSessions(ctx context.Context, cutoff, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if sess.Honorable(now) {
			continue
		}
		end := sess.ExpiresAt
		if sess.RevokedAt != nil {
			end = *sess.RevokedAt
		}
		if end.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) CountSessions(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.sessions)), nil
}

func revoke(sess *auth.Session, at time.Time) {
	sess.Active = false
	if sess.RevokedAt == nil {
		t := at
		sess.RevokedAt = &t
	}
}

// Reset tokens --------------------------------------------------------------

func (s *Store) IssueResetToken(ctx context.Context, tok *auth.PasswordResetToken) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.consumeLocked(tok.UserID, tok.CreatedAt)
	cp := *tok
	s.resets[tok.ID] = &cp
	return n, nil
}

func (s *Store) FindResetToken(ctx context.Context, tokenHash string) (*auth.PasswordResetToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.resets {
		if t.TokenHash == tokenHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *Store) CompleteReset(ctx context.Context, tokenID, userID, passwordHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.resets[tokenID]
	if !ok || tok.UserID != userID || !tok.Usable(now) {
		return auth.ErrExpiredOrNotFound
	}
	u, ok := s.admins[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = now
	s.consumeLocked(userID, now)
	return nil
}

func (s *Store) InvalidateResetTokens(ctx context.Context, userID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(userID, now), nil
}

func (s *Store) ReplacePassword(ctx context.Context, userID, passwordHash string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.admins[userID]
	if !ok {
		return 0, auth.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = now
	return s.consumeLocked(userID, now), nil
}

func (s *Store) DeleteStaleResetTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.resets {
		if t.ExpiresAt.Before(cutoff) || (t.ConsumedAt != nil && t.ConsumedAt.Before(cutoff)) {
			delete(s.resets, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) consumeLocked(userID string, at time.Time) int64 {
	var n int64
	for _, t := range s.resets {
		if t.UserID == userID && t.ConsumedAt == nil {
			ts := at
			t.ConsumedAt = &ts
			n++
		}
	}
	return n
}

// Admin users and patients --------------------------------------------------

func (s *Store) CreateAdmin(ctx context.Context, u *auth.AdminUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.admins {
		if strings.EqualFold(existing.Username, u.Username) || (u.Email != "" && strings.EqualFold(existing.Email, u.Email)) {
			return fmt.Errorf("%w: username or email already registered", auth.ErrConflict)
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = auth.UserStatusActive
	}
	cp := *u
	s.admins[u.ID] = &cp
	return nil
}

func (s *Store) FindAdmin(ctx context.Context, id string) (*auth.AdminUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.admins[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) FindAdminByIdentifier(ctx context.Context, identifier string) (*auth.AdminUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.admins {
		if strings.EqualFold(u.Username, identifier) || strings.EqualFold(u.Email, identifier) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

// AddPatient registers a patient contact.
func (s *Store) AddPatient(p auth.PatientContact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UserID == "" {
		p.UserID = ids.New()
	}
	p.DocumentType = strings.ToUpper(strings.TrimSpace(p.DocumentType))
	s.patients[p.UserID] = &p
}

func (s *Store) FindPatient(ctx context.Context, subject auth.Subject) (*auth.PatientContact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if subject.UserID != "" {
		p, ok := s.patients[subject.UserID]
		if !ok {
			return nil, auth.ErrNotFound
		}
		cp := *p
		return &cp, nil
	}
	for _, p := range s.patients {
		if p.DocumentType == strings.ToUpper(subject.DocumentType) && p.DocumentNumber == subject.DocumentNumber {
			cp := *p
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

// Roles and permissions -----------------------------------------------------

func (s *Store) RolesForUser(ctx context.Context, userID string) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Role
	for roleID := range s.userRoles[userID] {
		if r, ok := s.roles[roleID]; ok {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) PermissionsForRole(ctx context.Context, roleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rolePerms[roleID]))
	for name := range s.rolePerms[roleID] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) CreateRole(ctx context.Context, name, description string) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if strings.EqualFold(r.Name, name) {
			return auth.Role{}, fmt.Errorf("%w: role %s exists", auth.ErrConflict, name)
		}
	}
	r := &auth.Role{ID: ids.New(), Name: name, Description: description, CreatedAt: time.Now().UTC()}
	s.roles[r.ID] = r
	return *r, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) AssignRole(ctx context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return fmt.Errorf("%w: role %s", auth.ErrNotFound, roleID)
	}
	if _, ok := s.admins[userID]; !ok {
		return fmt.Errorf("%w: user %s", auth.ErrNotFound, userID)
	}
	set, ok := s.userRoles[userID]
	if !ok {
		set = make(map[string]struct{})
		s.userRoles[userID] = set
	}
	set[roleID] = struct{}{}
	return nil
}

func (s *Store) RemoveRole(ctx context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.userRoles[userID]
	if _, ok := set[roleID]; !ok {
		return auth.ErrNotFound
	}
	delete(set, roleID)
	return nil
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, permissions []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	set := make(map[string]struct{}, len(permissions))
	for _, name := range permissions {
		if _, ok := s.perms[name]; !ok {
			return fmt.Errorf("%w: permission %s not found", auth.ErrNotFound, name)
		}
		set[name] = struct{}{}
	}
	s.rolePerms[roleID] = set
	return nil
}

func (s *Store) EnsurePermissions(ctx context.Context, perms []auth.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if existing, ok := s.perms[p.Name]; ok {
			existing.Description = p.Description
			continue
		}
		cp := p
		if cp.ID == "" {
			cp.ID = ids.New()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		s.perms[p.Name] = &cp
	}
	return nil
}

func copyChallenge(ch *auth.OTPChallenge) *auth.OTPChallenge {
	cp := *ch
	cp.Channels = append(cp.Channels[:0:0], ch.Channels...)
	return &cp
}
