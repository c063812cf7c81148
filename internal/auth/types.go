package auth

import (
	"fmt"
	"strings"
	"time"

	"medportal.org/internal/notify"
)

// ChallengeStatus is the lifecycle state of an OTP challenge.
type ChallengeStatus string

const (
	ChallengePending    ChallengeStatus = "pending"
	ChallengeVerified   ChallengeStatus = "verified"
	ChallengeExpired    ChallengeStatus = "expired"
	ChallengeFailed     ChallengeStatus = "failed"
	ChallengeSuperseded ChallengeStatus = "superseded"
)

// Terminal reports whether no further transition is possible.
func (s ChallengeStatus) Terminal() bool {
	return s != ChallengePending
}

// UserType tags a session and its token.
type UserType string

const (
	UserTypePatient UserType = "patient"
	UserTypeAdmin   UserType = "admin"
)

// Subject identifies who an OTP challenge is for: either an identity document
// or an internal user id.
type Subject struct {
	DocumentType   string
	DocumentNumber string
	UserID         string
}

// Key is the canonical storage key of the subject.
func (s Subject) Key() string {
	if s.UserID != "" {
		return "user:" + s.UserID
	}
	return strings.ToUpper(s.DocumentType) + ":" + s.DocumentNumber
}

// Normalize trims and validates the subject.
func (s Subject) Normalize() (Subject, error) {
	s.DocumentType = strings.ToUpper(strings.TrimSpace(s.DocumentType))
	s.DocumentNumber = strings.TrimSpace(s.DocumentNumber)
	s.UserID = strings.TrimSpace(s.UserID)
	if s.UserID != "" {
		return s, nil
	}
	if s.DocumentType == "" || s.DocumentNumber == "" {
		return Subject{}, fmt.Errorf("%w: document type and number are required", ErrValidation)
	}
	return s, nil
}

// OTPChallenge is one login attempt by OTP.
type OTPChallenge struct {
	ID         string
	SubjectKey string
	Code       string
	Channels   []notify.Channel
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Attempts   int
	Resends    int
	Status     ChallengeStatus
	UpdatedAt  time.Time
}

// ExpiredAt reports whether the challenge has expired at now.
func (c *OTPChallenge) ExpiredAt(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Session backs an issued bearer token.
type Session struct {
	ID        string
	UserID    string
	UserType  UserType
	IssuedAt  time.Time
	ExpiresAt time.Time
	Active    bool
	RevokedAt *time.Time
}

// Honorable reports whether the session can still authenticate requests.
func (s *Session) Honorable(now time.Time) bool {
	return s.Active && s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// PasswordResetToken is one outstanding credential recovery attempt. Only the
// SHA-256 of the token value is stored.
type PasswordResetToken struct {
	ID         string
	UserID     string
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Usable reports whether the token may still be redeemed.
func (t *PasswordResetToken) Usable(now time.Time) bool {
	return t.ConsumedAt == nil && now.Before(t.ExpiresAt)
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// AdminUser is an administrative account authenticated by password.
type AdminUser struct {
	ID           string
	Username     string
	Email        string
	Phone        string
	DisplayName  string
	PasswordHash string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Channels returns the channels a reset token can be sent on.
func (u *AdminUser) Channels() []notify.Channel {
	return contactChannels(u.Phone, u.Email)
}

// PatientContact is the slice of the patient registry the OTP flow needs.
type PatientContact struct {
	UserID         string
	DocumentType   string
	DocumentNumber string
	FullName       string
	Phone          string
	Email          string
	HistoryID      string
}

// ChallengeKey keys challenges on the resolved patient, so document and user
// id lookups of the same person share one pending slot.
func (p *PatientContact) ChallengeKey() string {
	return Subject{UserID: p.UserID}.Key()
}

// Channels returns the channels the contact can be reached on.
func (p *PatientContact) Channels() []notify.Channel {
	return contactChannels(p.Phone, p.Email)
}

func contactChannels(phone, email string) []notify.Channel {
	var out []notify.Channel
	if phone != "" {
		out = append(out, notify.ChannelSMS)
	}
	if email != "" {
		out = append(out, notify.ChannelEmail)
	}
	return out
}

// Role groups permissions.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission is a module-scoped capability such as "Requests.Create".
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
