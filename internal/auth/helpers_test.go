package auth_test

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"medportal.org/internal/auth"
	"medportal.org/internal/notify"
	"medportal.org/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef-test"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func clockStart() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC) }

func newClock() *fakeClock {
	return &fakeClock{now: clockStart()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var patientSubject = auth.Subject{DocumentType: "cc", DocumentNumber: "1001"}

// patientKey is where challenges of patient-1 are stored, whatever identifier opened them.
const patientKey = "user:patient-1"

func seedPatient(st *memory.Store) {
	st.AddPatient(auth.PatientContact{
		UserID:         "patient-1",
		DocumentType:   "CC",
		DocumentNumber: "1001",
		FullName:       "Ana Rojas",
		Phone:          "+573001112233",
		Email:          "ana@example.com",
		HistoryID:      "HC-77",
	})
}

type otpFixture struct {
	store  *memory.Store
	gw     *notify.RecordingGateway
	clock  *fakeClock
	engine *auth.OTPEngine
}

func newOTPFixture(t *testing.T, cfg auth.OTPConfig) *otpFixture {
	t.Helper()
	st := memory.New()
	seedPatient(st)
	gw := &notify.RecordingGateway{}
	clk := newClock()
	eng, err := auth.NewOTPEngine(st, st, notify.NewDispatcher(gw, time.Second, zerolog.Nop()), cfg,
		auth.WithOTPClock(clk.Now), auth.WithOTPLogger(zerolog.Nop()))
	require.NoError(t, err)
	return &otpFixture{store: st, gw: gw, clock: clk, engine: eng}
}

var codePattern = regexp.MustCompile(`code is (\d+)\.`)

// lastCode extracts the code from the most recent notification.
func (f *otpFixture) lastCode(t *testing.T) string {
	t.Helper()
	sent := f.gw.Sent()
	require.NotEmpty(t, sent, "no notification sent")
	m := codePattern.FindStringSubmatch(sent[len(sent)-1].Body)
	require.Len(t, m, 2, "code not found in %q", sent[len(sent)-1].Body)
	return m[1]
}

// wrongCode returns a code of the same length that differs from code.
func wrongCode(code string) string {
	b := []byte(code)
	if b[0] == '9' {
		b[0] = '0'
	} else {
		b[0]++
	}
	return string(b)
}

func newSessionManager(t *testing.T, st auth.SessionStore, clk *fakeClock) *auth.SessionManager {
	t.Helper()
	m, err := auth.NewSessionManager(st, auth.SessionConfig{
		Secret:     testSecret,
		Issuer:     "portal-auth",
		Audience:   "patient-portal",
		PatientTTL: 30 * time.Minute,
		AdminTTL:   8 * time.Hour,
	}, auth.WithSessionClock(clk.Now), auth.WithSessionLogger(zerolog.Nop()))
	require.NoError(t, err)
	return m
}

func newMemoryStore() *memory.Store { return memory.New() }
