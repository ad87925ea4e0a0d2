package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/harborwatch/credits/internal/httpapi"
	"github.com/harborwatch/credits/internal/notify"
	"github.com/harborwatch/credits/internal/store/gormstore"
	"github.com/harborwatch/credits/internal/store/memstore"
	"github.com/harborwatch/credits/internal/telemetry"
	"github.com/harborwatch/credits/pkg/credits"
	"github.com/harborwatch/credits/pkg/pricing"
)

const (
	flagDatabaseURL         = "database-url"
	flagListenAddr          = "listen-addr"
	flagNATSURL             = "nats-url"
	flagAllowedOrigins      = "allowed-origins"
	flagLowBalanceThreshold = "low-balance-threshold"
	flagSweepInterval       = "sweep-interval"
	flagReservationTTL      = "reservation-ttl"

	configKeyDatabaseURL         = "database_url"
	configKeyListenAddr          = "listen_addr"
	configKeyNATSURL             = "nats_url"
	configKeyAllowedOrigins      = "allowed_origins"
	configKeyLowBalanceThreshold = "low_balance_threshold"
	configKeySweepInterval       = "sweep_interval"
	configKeyReservationTTL      = "reservation_ttl"

	defaultDatabaseURL         = "sqlite:///tmp/credits.db"
	defaultListenAddr          = ":8080"
	defaultLowBalanceThreshold = 100
	defaultSweepInterval       = 30 * time.Second
	defaultReservationTTL      = 5 * time.Minute
)

type runtimeConfig struct {
	DatabaseURL         string
	ListenAddr          string
	NATSURL             string
	AllowedOrigins      string
	LowBalanceThreshold int64
	SweepInterval       time.Duration
	ReservationTTL      time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditsd",
		Short:         "Credit ledger server for the maritime monitoring platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres://, sqlite://, or memory://)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagNATSURL, "", "NATS URL for balance event publishing (optional)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().Int64(flagLowBalanceThreshold, defaultLowBalanceThreshold, "available credits below which low-balance warnings are emitted")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "how often lapsed reservations are released")
	cmd.Flags().Duration(flagReservationTTL, defaultReservationTTL, "default reservation TTL")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:         "DATABASE_URL",
		configKeyListenAddr:          "LISTEN_ADDR",
		configKeyNATSURL:             "NATS_URL",
		configKeyAllowedOrigins:      "ALLOWED_ORIGINS",
		configKeyLowBalanceThreshold: "LOW_BALANCE_THRESHOLD",
		configKeySweepInterval:       "SWEEP_INTERVAL",
		configKeyReservationTTL:      "RESERVATION_TTL",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL:         flagDatabaseURL,
		configKeyListenAddr:          flagListenAddr,
		configKeyNATSURL:             flagNATSURL,
		configKeyAllowedOrigins:      flagAllowedOrigins,
		configKeyLowBalanceThreshold: flagLowBalanceThreshold,
		configKeySweepInterval:       flagSweepInterval,
		configKeyReservationTTL:      flagReservationTTL,
	}
	for configKey, flagName := range flags {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.NATSURL = viper.GetString(configKeyNATSURL)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.LowBalanceThreshold = viper.GetInt64(configKeyLowBalanceThreshold)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	cfg.ReservationTTL = viper.GetDuration(configKeyReservationTTL)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = defaultReservationTTL
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	collector := telemetry.NewCollector(logger)

	sinks := []notify.Sink{notify.NewLogSink(logger), collector}
	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("creditsd"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer conn.Close()
		natsSink, err := notify.NewNATSSink(conn)
		if err != nil {
			return err
		}
		sinks = append(sinks, natsSink)
		logger.Info("publishing balance events", zap.String("nats_url", cfg.NATSURL))
	}
	hub := notify.NewHub(logger, sinks)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Shutdown(shutdownCtx)
	}()

	clock := func() time.Time { return time.Now().UTC() }
	ledger, err := credits.NewService(store, clock,
		credits.WithOperationLogger(collector),
		credits.WithNotifier(hub),
		credits.WithLowBalanceThreshold(credits.Credits(cfg.LowBalanceThreshold)),
	)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	sweeper, err := credits.NewSweeper(ledger, cfg.SweepInterval)
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}

	apiConfig := httpapi.Config{
		ListenAddr:            cfg.ListenAddr,
		AllowedOrigins:        httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		DefaultReservationTTL: cfg.ReservationTTL,
		MetricsEnabled:        true,
	}
	if err := apiConfig.Validate(); err != nil {
		return fmt.Errorf("api config: %w", err)
	}
	calculator := pricing.NewCalculator(pricing.DefaultCatalog())
	handler := httpapi.NewHandler(logger, ledger, calculator, collector.Handler(), apiConfig)

	go func() {
		if err := sweeper.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("sweeper stopped", zap.Error(err))
		}
	}()

	return httpapi.Run(ctx, apiConfig, handler)
}

func openStore(ctx context.Context, dsn string) (credits.Store, func() error, error) {
	if strings.HasPrefix(dsn, "memory://") {
		return memstore.New(), func() error { return nil }, nil
	}

	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	db = db.WithContext(ctx)
	if err := gormstore.Migrate(db); err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return gormstore.New(db), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "credits.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
