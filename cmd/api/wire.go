package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"medportal.org/internal/auth"
	"medportal.org/internal/config"
	"medportal.org/internal/migrate"
	"medportal.org/internal/notify"
	"medportal.org/internal/obs"
	"medportal.org/internal/store/memory"
	"medportal.org/internal/store/pg"
	"medportal.org/internal/sweeper"
	"medportal.org/migrations"
)

// backend is everything the engines persist to.
type backend interface {
	auth.ChallengeStore
	auth.SessionStore
	auth.ResetTokenStore
	auth.AdminUserStore
	auth.PatientDirectory
	auth.PermissionStore
	auth.RoleAdminStore
}

type application struct {
	db      *sql.DB
	store   backend
	portal  *auth.Service
	resets  *auth.ResetEngine
	perms   *auth.PermissionCache
	rbac    *auth.RBACService
	sweeper *sweeper.Sweeper
	closers []func() error
}

func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config) (*application, error) {
	log := obs.Logger()
	app := &application{}

	if cfg.DatabaseURL != "" {
		st, err := pg.Open(cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		app.closers = append(app.closers, st.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = st.Ping(pingCtx)
		cancel()
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		mgr := migrate.NewManager(st.DB(), migrations.FS, ".", "seeds")
		if err := mgr.Up(ctx); err != nil {
			app.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		app.db = st.DB()
		app.store = st
		log.Info().Msg("connected to database")
	} else {
		log.Warn().Msg("DATABASE_URL not set; using in-memory store")
		mem := memory.New()
		mem.AddPatient(devPatient)
		app.store = mem
	}

	var gw notify.Gateway
	if cfg.NotifyBaseURL != "" {
		gw = notify.NewHTTPGateway(cfg.NotifyBaseURL, cfg.NotifyAPIKey, cfg.NotifyTimeout())
	} else {
		log.Warn().Msg("NOTIFY_BASE_URL not set; notifications are only logged")
		gw = notify.NewLogGateway(log, cfg.IsDev())
	}
	dispatcher := notify.NewDispatcher(gw, cfg.NotifyTimeout(), log)

	otp, err := auth.NewOTPEngine(app.store, app.store, dispatcher, auth.OTPConfig{
		Lifetime:             cfg.OTPLifetime(),
		CodeLength:           cfg.OTPCodeLength,
		MaxAttempts:          cfg.OTPMaxAttempts,
		MaxResends:           cfg.OTPMaxResends,
		ResendExtendsExpiry:  cfg.OTPResendExtendsExpiry,
		ResendResetsAttempts: cfg.OTPResendResetsAttempts,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	sessions, err := auth.NewSessionManager(app.store, auth.SessionConfig{
		Secret:          cfg.AuthSecret,
		MinSecretLength: cfg.SecretMinLength(),
		Issuer:          cfg.AuthIssuer,
		Audience:        cfg.AuthAudience,
		PatientTTL:      cfg.PatientTokenTTL(),
		AdminTTL:        cfg.AdminTokenTTL(),
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.portal, err = auth.NewService(auth.ServiceDeps{
		OTP:      otp,
		Sessions: sessions,
		Patients: app.store,
		Admins:   app.store,
		Roles:    app.store,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.resets, err = auth.NewResetEngine(app.store, app.store, sessions, dispatcher, auth.ResetConfig{
		TokenTTL: cfg.ResetTokenTTL(),
		LinkBase: cfg.ResetLinkBase,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.perms, err = auth.NewPermissionCache(app.store, cfg.PermissionCacheTTL())
	if err != nil {
		app.Close()
		return nil, err
	}
	app.rbac, err = auth.NewRBACService(app.store, app.perms)
	if err != nil {
		app.Close()
		return nil, err
	}
	if err := app.rbac.EnsureBuiltins(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("ensure builtin permissions: %w", err)
	}
	if app.db == nil {
		if err := app.seedDev(ctx, cfg.DevAdminPassword); err != nil {
			app.Close()
			return nil, fmt.Errorf("seed in-memory store: %w", err)
		}
	}
	app.sweeper, err = sweeper.New(app.store, sweeper.Config{
		OTPRetention:     cfg.OTPRetention(),
		SessionRetention: cfg.SessionRetention(),
		RunHour:          cfg.CleanupRunHour,
		RetryInterval:    cfg.CleanupRetry(),
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// createAdmin stores a new admin account and grants roleName when set.
func (a *application) createAdmin(ctx context.Context, username, email, phone, displayName, password, roleName string) (string, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", err
	}
	u := &auth.AdminUser{
		Username:     strings.TrimSpace(username),
		Email:        strings.TrimSpace(email),
		Phone:        strings.TrimSpace(phone),
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: hash,
		Status:       auth.UserStatusActive,
	}
	if err := a.store.CreateAdmin(ctx, u); err != nil {
		return "", err
	}
	roleName = strings.TrimSpace(roleName)
	if roleName == "" {
		return u.ID, nil
	}
	roles, err := a.rbac.ListRoles(ctx)
	if err != nil {
		return "", err
	}
	for _, r := range roles {
		if strings.EqualFold(r.Name, roleName) {
			return u.ID, a.rbac.AssignRole(ctx, u.ID, r.ID)
		}
	}
	return "", fmt.Errorf("%w: role %s", auth.ErrNotFound, roleName)
}

// devPatient is registered in the in-memory store so the OTP flow can be
// exercised without a patient registry.
var devPatient = auth.PatientContact{
	UserID:         "dev-patient",
	DocumentType:   "CC",
	DocumentNumber: "1000000001",
	FullName:       "Dev Patient",
	Phone:          "+10000000001",
	Email:          "patient@localhost",
}

// seedDev mirrors the SQL seeds: an administrator role holding every builtin
// permission, plus an "admin" account when a password is configured.
func (a *application) seedDev(ctx context.Context, adminPassword string) error {
	role, err := a.rbac.CreateRole(ctx, "administrator", "Full access to the admin console")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(auth.BuiltinPermissions))
	for _, p := range auth.BuiltinPermissions {
		names = append(names, p.Name)
	}
	if err := a.rbac.SetRolePermissions(ctx, role.ID, names); err != nil {
		return err
	}
	if adminPassword == "" {
		logger := obs.Logger()
		logger.Info().Msg("DEV_ADMIN_PASSWORD not set; no admin account seeded")
		return nil
	}
	if err := auth.ValidatePasswordPolicy(adminPassword); err != nil {
		return err
	}
	id, err := a.createAdmin(ctx, "admin", "admin@localhost", "", "Dev Admin", adminPassword, role.Name)
	if err != nil {
		return err
	}
	logger := obs.Logger()
	logger.Info().Str("user_id", id).Str("username", "admin").Msg("seeded dev admin")
	return nil
}
