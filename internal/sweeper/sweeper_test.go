package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medportal.org/internal/auth"
	"medportal.org/internal/store/memory"
)

func TestNextRun(t *testing.T) {
	loc := time.UTC
	cases := []struct {
		now  time.Time
		hour int
		want time.Time
	}{
		{time.Date(2026, 3, 1, 1, 30, 0, 0, loc), 3, time.Date(2026, 3, 1, 3, 0, 0, 0, loc)},
		{time.Date(2026, 3, 1, 3, 0, 0, 0, loc), 3, time.Date(2026, 3, 2, 3, 0, 0, 0, loc)},
		{time.Date(2026, 3, 1, 23, 59, 0, 0, loc), 0, time.Date(2026, 3, 2, 0, 0, 0, 0, loc)},
		{time.Date(2026, 12, 31, 4, 0, 0, 0, loc), 3, time.Date(2027, 1, 1, 3, 0, 0, 0, loc)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NextRun(tc.now, tc.hour, loc), "now=%s hour=%d", tc.now, tc.hour)
	}
}

func seedChallenge(t *testing.T, st *memory.Store, id string, expires time.Time, status auth.ChallengeStatus) {
	t.Helper()
	_, err := st.CreatePending(context.Background(), &auth.OTPChallenge{
		ID:         id,
		SubjectKey: "CC:" + id,
		Code:       "123456",
		CreatedAt:  expires.Add(-5 * time.Minute),
		ExpiresAt:  expires,
		Status:     status,
		UpdatedAt:  expires.Add(-5 * time.Minute),
	})
	require.NoError(t, err)
}

func TestChallengeDeletedOnlyAfterRetentionFromExpiry(t *testing.T) {
	st := memory.New()
	expiry := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	seedChallenge(t, st, "verified", expiry, auth.ChallengeVerified)
	seedChallenge(t, st, "failed", expiry, auth.ChallengeFailed)
	seedChallenge(t, st, "pending", expiry, auth.ChallengePending)

	now := expiry.Add(24 * time.Hour)
	sw, err := New(st, Config{OTPRetention: 24 * time.Hour, SessionRetention: 30 * 24 * time.Hour, RunHour: 3},
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	res, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.ChallengesDeleted)
	assert.EqualValues(t, 3, res.ChallengesRemaining)

	now = expiry.Add(24*time.Hour + time.Nanosecond)
	res, err = sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.ChallengesDeleted)
	assert.Zero(t, res.ChallengesRemaining)

	last, ok := sw.LastResult()
	require.True(t, ok)
	assert.Equal(t, res, last)
}

func TestSessionsDeletedWhenInactiveAndPastRetention(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	revokedAt := base.Add(time.Hour)

	for _, s := range []*auth.Session{
		{ID: "live", UserID: "u1", UserType: auth.UserTypePatient, IssuedAt: base, ExpiresAt: base.Add(90 * 24 * time.Hour), Active: true},
		{ID: "revoked-old", UserID: "u1", UserType: auth.UserTypePatient, IssuedAt: base, ExpiresAt: base.Add(90 * 24 * time.Hour), Active: false, RevokedAt: &revokedAt},
		{ID: "expired-old", UserID: "u2", UserType: auth.UserTypeAdmin, IssuedAt: base, ExpiresAt: base.Add(8 * time.Hour), Active: true},
		{ID: "expired-recent", UserID: "u2", UserType: auth.UserTypeAdmin, IssuedAt: base, ExpiresAt: base.Add(20 * 24 * time.Hour), Active: true},
	} {
		require.NoError(t, st.CreateSession(ctx, s))
	}

	now := base.Add(40 * 24 * time.Hour)
	sw, err := New(st, Config{OTPRetention: time.Hour, SessionRetention: 30 * 24 * time.Hour, RunHour: 3},
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	res, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.SessionsDeleted)
	assert.EqualValues(t, 2, res.SessionsRemaining)

	_, err = st.FindSession(ctx, "live")
	assert.NoError(t, err)
	_, err = st.FindSession(ctx, "expired-recent")
	assert.NoError(t, err)
	_, err = st.FindSession(ctx, "revoked-old")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

type flakyStore struct {
	*memory.Store
	failures atomic.Int32
}

func (f *flakyStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if f.failures.Add(-1) >= 0 {
		return 0, errors.New("connection reset")
	}
	return f.Store.DeleteExpiredBefore(ctx, cutoff)
}

func TestRunRetriesAfterFailureThenReturnsToSchedule(t *testing.T) {
	st := &flakyStore{Store: memory.New()}
	st.failures.Store(1)
	now := time.Date(2026, 2, 10, 1, 30, 0, 0, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var delays []time.Duration
	wait := func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		if len(delays) > 3 {
			cancel()
			return false
		}
		return true
	}

	sw, err := New(st, Config{
		OTPRetention:     24 * time.Hour,
		SessionRetention: 24 * time.Hour,
		RunHour:          3,
		RetryInterval:    time.Hour,
		Location:         time.UTC,
	}, WithClock(func() time.Time { return now }), WithWait(wait))
	require.NoError(t, err)

	sw.Run(ctx)

	require.Len(t, delays, 4)
	assert.Equal(t, 90*time.Minute, delays[0])
	assert.Equal(t, time.Hour, delays[1], "failed run retries after the backoff")
	assert.Equal(t, 90*time.Minute, delays[2], "successful retry returns to the daily schedule")
	_, ok := sw.LastResult()
	assert.True(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	sw, err := New(memory.New(), Config{OTPRetention: time.Hour, SessionRetention: time.Hour, RunHour: 3})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(memory.New(), Config{OTPRetention: 0, SessionRetention: time.Hour})
	assert.Error(t, err)
	_, err = New(memory.New(), Config{OTPRetention: time.Hour, SessionRetention: time.Hour, RunHour: 24})
	assert.Error(t, err)
}
