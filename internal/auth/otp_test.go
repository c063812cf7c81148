package auth_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medportal.org/internal/auth"
	"medportal.org/internal/notify"
)

func TestOTPStartAndVerify(t *testing.T) {
	f := newOTPFixture(t, auth.DefaultOTPConfig())
	ctx := context.Background()

	ack, err := f.engine.Start(ctx, patientSubject, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, ack.ChallengeID)
	assert.Len(t, ack.Destinations, 2)
	assert.False(t, ack.Degraded())
	assert.Equal(t, 3, ack.ResendsRemaining)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), ack.ExpiresAt)

	code := f.lastCode(t)
	assert.Len(t, code, 6)
	for _, s := range f.gw.Sent() {
		assert.NotContains(t, s.To, "*")
	}

	ch, err := f.engine.Verify(ctx, patientSubject, code)
	require.NoError(t, err)
	assert.Equal(t, auth.ChallengeVerified, ch.Status)
	assert.Equal(t, 1, ch.Attempts)

	_, err = f.engine.Verify(ctx, patientSubject, code)
	assert.ErrorIs(t, err, auth.ErrExpiredOrNotFound, "a verified challenge cannot be reused")
}

func TestOTPStartRejectsUnknownSubject(t *testing.T) {
	f := newOTPFixture(t, auth.DefaultOTPConfig())
	_, err := f.engine.Start(context.Background(), auth.Subject{DocumentType: "CC", DocumentNumber: "999"}, nil)
	assert.ErrorIs(t, err, auth.ErrValidation)

	_, err = f.engine.Start(context.Background(), auth.Subject{DocumentType: "CC"}, nil)
	assert.ErrorIs(t, err, auth.ErrValidation)
	assert.Empty(t, f.gw.Sent())
}

func TestOTPStartHonoursRequestedChannels(t *testing.T) {
	f := newOTPFixture(t, auth.DefaultOTPConfig())
	ack, err := f.engine.Start(context.Background(), patientSubject, []notify.Channel{notify.ChannelEmail})
	require.NoError(t, err)
	require.Len(t, f.gw.Sent(), 1)
	assert.Equal(t, notify.ChannelEmail, f.gw.Sent()[0].Channel)
	assert.Len(t, ack.Destinations, 1)
}

func TestOTPWrongCodeLocksChallenge(t *testing.T) {
	cfg := auth.DefaultOTPConfig()
	cfg.MaxAttempts = 3
	f := newOTPFixture(t, cfg)
	ctx := context.Background()

	_, err := f.engine.Start(ctx, patientSubject, nil)
	require.NoError(t, err)
	code := f.lastCode(t)
	bad := wrongCode(code)

	_, err = f.engine.Verify(ctx, patientSubject, bad)
	assert.ErrorIs(t, err, auth.ErrInvalidCode)
	_, err = f.engine.Verify(ctx, patientSubject, bad)
	assert.ErrorIs(t, err, auth.ErrInvalidCode)
	_, err = f.engine.Verify(ctx, patientSubject, bad)
	assert.ErrorIs(t, err, auth.ErrTooManyAttempts)

	_, err = f.engine.Verify(ctx, patientSubject, code)
	assert.ErrorIs(t, err, auth.ErrTooManyAttempts, "correct code after lockout must not verify")

	latest, err := f.store.Latest(ctx, patientKey)
	require.NoError(t, err)
	assert.Equal(t, auth.ChallengeFailed, latest.Status)
	assert.Equal(t, 3, latest.Attempts)
}

func TestOTPVerifyRejectsNonNumericCode(t *testing.T) {
	f := newOTPFixture(t, auth.DefaultOTPConfig())
	_, err := f.engine.Start(context.Background(), patientSubject, nil)
	require.NoError(t, err)
	_, err = f.engine.Verify(context.Background(), patientSubject, "12ab56")
	assert.ErrorIs(t, err, auth.ErrValidation)
}

func TestOTPExpiry(t *testing.T) {
	f := newOTPFixture(t, auth.DefaultOTPConfig())
	ctx := context.Background()
	_, err := f.engine.Start(ctx, patientSubject, nil)
	require.NoError(t, err)
	code := f.lastCode(t)

	f.clock.Advance(5 * time.Minute)
	_, err = f.engine.Verify(ctx, patientSubject, code)
	assert.ErrorIs(t, err, auth.ErrExpiredOrNotFound)

	_, err = f.engine.Resend(ctx, patientSubject)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestOTPVerifyWithoutChallenge(t *testing.T) {
	f := newOTPFixture(t, auth.DefaultOTPConfig())
	_, err := f.engine.Verify(context.Background(), patientSubject, "123456")
	assert.ErrorIs(t, err, auth.ErrExpiredOrNotFound)
}

func TestOTPStartSupersedesPending(t *testing.T) {
	f := newOTPFixture(t, auth.DefaultOTPConfig())
	ctx := context.Background()

	first, err := f.engine.Start(ctx, patientSubject, nil)
	require.NoError(t, err)
	firstCode := f.lastCode(t)
	f.clock.Advance(time.Second)
	second, err := f.engine.Start(ctx, patientSubject, nil)
	require.NoError(t, err)
	secondCode := f.lastCode(t)
	assert.NotEqual(t, first.ChallengeID, second.ChallengeID)

	if firstCode != secondCode {
		_, err = f.engine.Verify(ctx, patientSubject, firstCode)
		assert.ErrorIs(t, err, auth.ErrInvalidCode)
	}
	ch, err := f.engine.Verify(ctx, patientSubject, secondCode)
	require.NoError(t, err)
	assert.Equal(t, second.ChallengeID, ch.ID)
}

func TestOTPIdentifierFormsShareOnePendingChallenge(t *testing.T) {
	f := newOTPFixture(t, auth.DefaultOTPConfig())
	ctx := context.Background()
	byUserID := auth.Subject{UserID: "patient-1"}

	first, err := f.engine.Start(ctx, patientSubject, nil)
	require.NoError(t, err)
	firstCode := f.lastCode(t)
	f.clock.Advance(time.Second)
	second, err := f.engine.Start(ctx, byUserID, nil)
	require.NoError(t, err)
	secondCode := f.lastCode(t)

	latest, err := f.store.Latest(ctx, patientKey)
	require.NoError(t, err)
	assert.Equal(t, second.ChallengeID, latest.ID)
	assert.Equal(t, auth.ChallengePending, latest.Status)

	if firstCode != secondCode {
		_, err = f.engine.Verify(ctx, byUserID, firstCode)
		assert.ErrorIs(t, err, auth.ErrInvalidCode, "the superseded code must not verify")
	}
	ch, err := f.engine.Verify(ctx, patientSubject, secondCode)
	require.NoError(t, err)
	assert.Equal(t, second.ChallengeID, ch.ID)
	assert.NotEqual(t, first.ChallengeID, ch.ID)

	_, err = f.engine.Verify(ctx, byUserID, secondCode)
	assert.ErrorIs(t, err, auth.ErrExpiredOrNotFound, "one patient gets one session per code")
}

func TestOTPResendReusesCodeUntilLimit(t *testing.T) {
	cfg := auth.DefaultOTPConfig()
	cfg.MaxResends = 2
	f := newOTPFixture(t, cfg)
	ctx := context.Background()

	start, err := f.engine.Start(ctx, patientSubject, nil)
	require.NoError(t, err)
	code := f.lastCode(t)

	ack, err := f.engine.Resend(ctx, patientSubject)
	require.NoError(t, err)
	assert.Equal(t, start.ChallengeID, ack.ChallengeID)
	assert.Equal(t, 1, ack.ResendsRemaining)
	assert.Equal(t, code, f.lastCode(t))

	ack, err = f.engine.Resend(ctx, patientSubject)
	require.NoError(t, err)
	assert.Equal(t, 0, ack.ResendsRemaining)

	_, err = f.engine.Resend(ctx, patientSubject)
	assert.ErrorIs(t, err, auth.ErrTooManyResends)

	_, err = f.engine.Verify(ctx, patientSubject, code)
	assert.NoError(t, err)
}

func TestOTPResendExtendsExpiryButKeepsAttempts(t *testing.T) {
	f := newOTPFixture(t, auth.DefaultOTPConfig())
	ctx := context.Background()

	_, err := f.engine.Start(ctx, patientSubject, nil)
	require.NoError(t, err)
	code := f.lastCode(t)
	_, err = f.engine.Verify(ctx, patientSubject, wrongCode(code))
	require.ErrorIs(t, err, auth.ErrInvalidCode)

	f.clock.Advance(4 * time.Minute)
	ack, err := f.engine.Resend(ctx, patientSubject)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), ack.ExpiresAt)

	latest, err := f.store.Latest(ctx, patientKey)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Attempts)

	f.clock.Advance(4 * time.Minute)
	ch, err := f.engine.Verify(ctx, patientSubject, code)
	require.NoError(t, err)
	assert.Equal(t, 2, ch.Attempts)
}

func TestOTPResendWithoutChallenge(t *testing.T) {
	f := newOTPFixture(t, auth.DefaultOTPConfig())
	_, err := f.engine.Resend(context.Background(), patientSubject)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestOTPDeliveryFailureKeepsChallenge(t *testing.T) {
	f := newOTPFixture(t, auth.DefaultOTPConfig())
	f.gw.FailSMS = true
	ctx := context.Background()

	ack, err := f.engine.Start(ctx, patientSubject, nil)
	require.NoError(t, err)
	assert.True(t, ack.Degraded())
	assert.Equal(t, []notify.Channel{notify.ChannelSMS}, ack.FailedChannels)

	_, err = f.engine.Verify(ctx, patientSubject, f.lastCode(t))
	assert.NoError(t, err)
}

func TestOTPTotalDeliveryFailureStillResendable(t *testing.T) {
	f := newOTPFixture(t, auth.DefaultOTPConfig())
	f.gw.FailSMS, f.gw.FailEmail = true, true
	ctx := context.Background()

	ack, err := f.engine.Start(ctx, patientSubject, nil)
	require.NoError(t, err)
	assert.Len(t, ack.FailedChannels, 2)
	assert.Empty(t, f.gw.Sent())

	f.gw.FailSMS, f.gw.FailEmail = false, false
	_, err = f.engine.Resend(ctx, patientSubject)
	require.NoError(t, err)
	_, err = f.engine.Verify(ctx, patientSubject, f.lastCode(t))
	assert.NoError(t, err)
}

func TestOTPConcurrentVerifyHasSingleWinner(t *testing.T) {
	cfg := auth.DefaultOTPConfig()
	cfg.MaxAttempts = 50
	f := newOTPFixture(t, cfg)
	ctx := context.Background()
	_, err := f.engine.Start(ctx, patientSubject, nil)
	require.NoError(t, err)
	code := f.lastCode(t)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Verify(ctx, patientSubject, code); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestOTPConcurrentStartLeavesOnePending(t *testing.T) {
	f := newOTPFixture(t, auth.DefaultOTPConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Start(ctx, patientSubject, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	latest, err := f.store.Latest(ctx, patientKey)
	require.NoError(t, err)
	assert.Equal(t, auth.ChallengePending, latest.Status)

	// Superseding the survivor must leave nothing else pending behind it.
	_, err = f.engine.Start(ctx, patientSubject, nil)
	require.NoError(t, err)
	n, err := f.store.CountChallenges(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
	_, err = f.engine.Verify(ctx, patientSubject, f.lastCode(t))
	assert.NoError(t, err)
}

func TestNewOTPEngineRejectsBadConfig(t *testing.T) {
	f := newOTPFixture(t, auth.DefaultOTPConfig())
	cfg := auth.DefaultOTPConfig()
	cfg.MaxAttempts = 0
	_, err := auth.NewOTPEngine(f.store, f.store, notify.NewDispatcher(f.gw, 0, zerolog.Nop()), cfg)
	assert.ErrorIs(t, err, auth.ErrConfiguration)
}
