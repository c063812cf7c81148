package obs

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	loggerMu sync.RWMutex
	logger   = newLogger(os.Stdout, zerolog.InfoLevel)
)

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", ServiceName).Logger()
}

// ServiceName is attached to every log line and metric namespace.
const ServiceName = "portal-auth"

// Logger returns the shared structured logger used across the service.
func Logger() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Configure replaces the shared logger. An unknown level falls back to info.
func Configure(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	l := newLogger(w, lvl)
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
	return l
}

// SetOutputForTests redirects the shared logger and returns a restore func.
func SetOutputForTests(w io.Writer) func() {
	loggerMu.Lock()
	prev := logger
	logger = newLogger(w, zerolog.DebugLevel)
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// MaskTail keeps the last n runes of s and replaces the rest with '*'.
// Used for anything that would otherwise put a secret in a log line.
func MaskTail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-n) + string(r[len(r)-n:])
}
