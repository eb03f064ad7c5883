package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"posledger/backend/internal/alerts"
	"posledger/backend/internal/cache"
	"posledger/backend/internal/config"
	"posledger/backend/internal/httpapi"
	"posledger/backend/internal/loyalty"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
	pgstore "posledger/backend/internal/store/postgres"
)

var rootCmd = &cobra.Command{
	Use:           "posd",
	Short:         "Sale settlement engine for the point of sale",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the settlement HTTP API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE:  runMigrate,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator bearer token",
	RunE:  runToken,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)

	serveCmd.Flags().Bool("migrate", false, "Apply the schema before serving (postgres only)")
	tokenCmd.Flags().StringP("user", "u", "", "Operator username")
	tokenCmd.Flags().StringP("role", "r", "cashier", "Operator role: cashier, manager or admin")
	_ = tokenCmd.MarkFlagRequired("user")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "posd:", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return logger
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}
	logger := newLogger(cfg)
	migrate, _ := cmd.Flags().GetBool("migrate")

	program, err := loadProgram(cfg)
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		closers = append(closers, pg.Close)
		if migrate {
			if err := pg.Migrate(startCtx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		repo = pg
		logger.Info("repository ready", slog.String("backend", "postgres"))
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository ready", slog.String("backend", "memory"))
	}

	var cooldown cache.AlertCooldown = cache.NewMemoryCooldown()
	if cfg.RedisAddr != "" {
		redisCooldown := cache.NewRedisCooldown(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCooldown.Ping(startCtx); err != nil {
			logger.Warn("redis unavailable, using in-process alert cooldown", slog.Any("error", err))
		} else {
			cooldown = redisCooldown
			closers = append(closers, redisCooldown.Close)
			logger.Info("alert cooldown ready", slog.String("backend", "redis"))
		}
	}

	svc := service.New(repo, service.Options{
		Program:      program,
		ReturnWindow: cfg.ReturnWindow(),
		Alerts:       alerts.NewStockAlerter(repo, cooldown, cfg.AlertCooldown(), logger),
		Logger:       logger,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), cfg.ManagerPIN)
	api := httpapi.New(svc, auth, httpapi.Options{Logger: logger, MetricsEnabled: cfg.MetricsEnabled})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("settlement API listening", slog.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-sigCtx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.Any("error", err))
	}
	if err := svc.Drain(shutdownCtx); err != nil {
		logger.Warn("post-commit tasks still running at shutdown", slog.Any("error", err))
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", slog.Any("error", err))
		}
	}

	logger.Info("server stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema applied", slog.Int("statements", len(pgstore.Migrations())))
	return nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := validateAuthSecret(cfg); err != nil {
		return err
	}
	username, _ := cmd.Flags().GetString("user")
	role, _ := cmd.Flags().GetString("role")

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), cfg.ManagerPIN)
	token, expiresAt, err := auth.IssueToken(username, role)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}

// loadProgram reads LOYALTY_PROGRAM_FILE when set, otherwise builds the
// default tiers with the earning rates from the environment.
func loadProgram(cfg config.Config) (loyalty.Program, error) {
	if cfg.LoyaltyProgramFile != "" {
		return loyalty.LoadProgram(cfg.LoyaltyProgramFile)
	}
	program := loyalty.DefaultProgram()
	program.PointsPerUnitCents = cfg.PointsPerUnitCents
	program.PointValueCents = cfg.PointValueCents
	if err := program.Validate(); err != nil {
		return loyalty.Program{}, err
	}
	return program, nil
}

func validateAuthSecret(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if err := validateAuthSecret(cfg); err != nil {
		return err
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
