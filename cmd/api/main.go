package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"medportal.org/internal/auth"
	"medportal.org/internal/config"
	"medportal.org/internal/httpapi"
	"medportal.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "portal-auth",
		Short:         "Patient portal authentication service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), sweepCmd(), createAdminCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		logger := obs.Logger()
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	obs.Configure(os.Stdout, cfg.LogLevel)
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the gRPC health endpoint and the retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

func runServer(parent context.Context, cfg *config.Config) error {
	log := obs.Logger()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	api, err := httpapi.New(httpapi.Deps{
		Portal:     app.portal,
		Resets:     app.resets,
		Perms:      app.perms,
		RBAC:       app.rbac,
		Authorizer: auth.NewAuthorizer(app.perms),
		Sweeper:    app.sweeper,
		Ready:      httpapi.ReadinessCheck{DB: app.db},
		Version:    version,
		Limits:     httpapi.RateLimitConfig{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst, TrustedProxies: proxies},
		Logger:     log,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus(obs.ServiceName, healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		app.sweeper.Run(sweepCtx)
	}()

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Str("env", cfg.Env).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log.Info().Str("addr", lis.Addr().String()).Msg("grpc health server starting")
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("server failed")
	}

	healthSrv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	grpcSrv.GracefulStop()
	cancelSweep()
	<-sweepDone
	log.Info().Msg("stopped")
	return runErr
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()
			res, err := app.sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "challenges deleted: %d\nsessions deleted: %d\nreset tokens deleted: %d\n",
				res.ChallengesDeleted, res.SessionsDeleted, res.ResetTokensDeleted)
			return nil
		},
	}
}

func createAdminCmd() *cobra.Command {
	var username, email, phone, password, displayName, role string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an admin account and optionally grant it a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("create-admin requires DATABASE_URL")
			}
			if strings.TrimSpace(email) == "" && strings.TrimSpace(phone) == "" {
				return errors.New("create-admin needs --email or --phone for password recovery")
			}
			if err := auth.ValidatePasswordPolicy(password); err != nil {
				return err
			}
			app, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()
			id, err := app.createAdmin(cmd.Context(), username, email, phone, displayName, password, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "login name")
	cmd.Flags().StringVar(&email, "email", "", "recovery email")
	cmd.Flags().StringVar(&phone, "phone", "", "recovery phone for SMS")
	cmd.Flags().StringVar(&password, "password", "", "initial password")
	cmd.Flags().StringVar(&displayName, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "Administrator", "role to grant; empty grants none")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", obs.ServiceName, version, commit)
		},
	}
}
