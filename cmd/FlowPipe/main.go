package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/flowfile"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/util"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
	"github.com/BTreeMap/FlowPipe/internal/worker"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowPipe state data
	DefaultStateDir = "/var/lib/flowpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowpipe.db"
	// DefaultSessionsDirName holds WhatsApp device databases under the state directory
	DefaultSessionsDirName = "sessions"
	// DefaultLocksDirName holds per-account worker locks under the state directory
	DefaultLocksDirName = "locks"
	DefaultPort         = "8000"
)

// logLevel is shared by the default handler so LOG_LEVEL from .env applies
// after the logger is installed.
var logLevel = new(slog.LevelVar)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()
	logLevel.Set(parseLogLevel(config.LogLevel))

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, config, flags); err != nil {
		slog.Error("FlowPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	DatabaseDSN       string
	SessionsDir       string
	APIAddr           string
	LogLevel          string
	WebhookURL        string
	WebhookTimeout    time.Duration
	JWTSecret         string
	PublicURL         string
	APIRateLimit      float64
	SendRateLimit     float64
	HeartbeatInterval time.Duration
	StrictSteps       bool
	AutostartWorkers  bool
	FlowsFile         string
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	sessionsDir   *string
	apiAddr       *string
	webhookURL    *string
	jwtSecret     *string
	flowsFile     *string
	strictSteps   *bool
	workerAccount *string
	pairAccount   *string
	qrOutput      *string
	numeric       *bool
}

// initializeLogger sets up structured logging on stdout
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}

// parseLogLevel maps LOG_LEVEL values to slog levels, defaulting to info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          os.Getenv("FLOWPIPE_STATE_DIR"),
		DatabaseDSN:       util.FirstEnv("DATABASE_DSN", "DATABASE_URL"),
		SessionsDir:       os.Getenv("SESSIONS_DIR"),
		APIAddr:           apiAddrFromEnv(),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		WebhookURL:        os.Getenv("WEBHOOK_URL"),
		WebhookTimeout:    util.ParseDurationEnv("WEBHOOK_TIMEOUT", messaging.DefaultWebhookTimeout),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		PublicURL:         os.Getenv("PUBLIC_URL"),
		APIRateLimit:      util.ParseFloatEnv("API_RATE_LIMIT", api.DefaultRateLimit),
		SendRateLimit:     util.ParseFloatEnv("SEND_RATE_LIMIT", worker.DefaultSendRate),
		HeartbeatInterval: util.ParseDurationEnv("HEARTBEAT_INTERVAL", worker.DefaultHeartbeatInterval),
		StrictSteps:       util.ParseBoolEnv("STRICT_STEPS", false),
		AutostartWorkers:  util.ParseBoolEnv("AUTOSTART_WORKERS", true),
		FlowsFile:         os.Getenv("FLOWS_FILE"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOWPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database DSN is provided, default to SQLite in the state directory
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}
	if config.SessionsDir == "" {
		config.SessionsDir = filepath.Join(config.StateDir, DefaultSessionsDirName)
	}

	slog.Debug("environment variables loaded",
		"FLOWPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"SESSIONS_DIR", config.SessionsDir,
		"API_ADDR", config.APIAddr,
		"WEBHOOK_URL_SET", config.WebhookURL != "",
		"JWT_SECRET_SET", config.JWTSecret != "",
		"SEND_RATE_LIMIT", config.SendRateLimit,
		"STRICT_STEPS", config.StrictSteps,
		"AUTOSTART_WORKERS", config.AutostartWorkers)

	return config
}

// apiAddrFromEnv prefers API_ADDR and otherwise composes HOST and PORT.
func apiAddrFromEnv() string {
	if addr := os.Getenv("API_ADDR"); addr != "" {
		return addr
	}
	host, port := os.Getenv("HOST"), os.Getenv("PORT")
	if host == "" && port == "" {
		return api.DefaultAddr
	}
	if port == "" {
		port = DefaultPort
	}
	return net.JoinHostPort(host, port)
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for FlowPipe data (overrides $FLOWPIPE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.DatabaseDSN, "database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_DSN or $DATABASE_URL)"),
		sessionsDir:   fs.String("sessions-dir", config.SessionsDir, "directory of WhatsApp session databases (overrides $SESSIONS_DIR)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		webhookURL:    fs.String("webhook-url", config.WebhookURL, "default webhook for unhandled messages (overrides $WEBHOOK_URL)"),
		jwtSecret:     fs.String("jwt-secret", config.JWTSecret, "HMAC secret for API bearer tokens (overrides $JWT_SECRET)"),
		flowsFile:     fs.String("flows-file", config.FlowsFile, "YAML flow definitions to import at startup (overrides $FLOWS_FILE)"),
		strictSteps:   fs.Bool("strict-steps", config.StrictSteps, "fail conversations on unknown step types (overrides $STRICT_STEPS)"),
		workerAccount: fs.String("worker-account", "", "run only the worker of this account id, without the API"),
		pairAccount:   fs.String("pair-account", "", "pair the WhatsApp session of this account id and exit"),
		qrOutput:      fs.String("qr-output", "", "path to write the pairing QR code"),
		numeric:       fs.Bool("numeric-code", false, "use a numeric pairing code instead of a QR code"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"sessionsDir", *flags.sessionsDir,
		"apiAddr", *flags.apiAddr,
		"flowsFile", *flags.flowsFile,
		"strictSteps", *flags.strictSteps,
		"workerAccount", *flags.workerAccount,
		"pairAccount", *flags.pairAccount)

	// Paths derived from the default state directory follow -state-dir
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
			slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
		}
		if *flags.sessionsDir == filepath.Join(config.StateDir, DefaultSessionsDirName) {
			*flags.sessionsDir = filepath.Join(*flags.stateDir, DefaultSessionsDirName)
		}
	}

	return flags, nil
}

// ensureDirectoriesExist creates the state directory and, for SQLite, the database directory
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildWorkerOptions constructs worker manager configuration options
func buildWorkerOptions(config Config, flags Flags) []worker.Option {
	return []worker.Option{
		worker.WithWebhookURL(*flags.webhookURL, config.WebhookTimeout),
		worker.WithSendRate(config.SendRateLimit),
		worker.WithHeartbeatInterval(config.HeartbeatInterval),
		worker.WithStrictSteps(*flags.strictSteps),
		worker.WithLockDir(filepath.Join(*flags.stateDir, DefaultLocksDirName)),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithRateLimit(config.APIRateLimit, int(2*config.APIRateLimit)+1),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.jwtSecret != "" {
		apiOpts = append(apiOpts, api.WithJWTSecret(*flags.jwtSecret))
	}
	if config.PublicURL != "" {
		apiOpts = append(apiOpts, api.WithPublicURL(config.PublicURL))
	}
	return apiOpts
}

// buildPairingOptions constructs WhatsApp options for interactive pairing
func buildPairingOptions(flags Flags, acc models.Account) []whatsapp.Option {
	waOpts := []whatsapp.Option{
		whatsapp.WithDBDSN(whatsapp.SessionDSN(*flags.sessionsDir, acc.SessionName)),
	}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

func run(ctx context.Context, config Config, flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return fmt.Errorf("failed to create required directories: %w", err)
	}

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}()

	if *flags.pairAccount != "" {
		return pairAccount(ctx, st, flags)
	}

	// Only one FlowPipe process may serve a state directory
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release process lock", "error", err)
		}
	}()

	if *flags.flowsFile != "" {
		if err := importFlows(ctx, st, *flags.flowsFile); err != nil {
			return err
		}
	}

	manager := worker.NewManager(st, worker.NewServiceFactory(*flags.sessionsDir), buildWorkerOptions(config, flags)...)

	if *flags.workerAccount != "" {
		return runSingleWorker(ctx, manager, *flags.workerAccount)
	}

	slog.Info("Bootstrapping FlowPipe", "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr, "autostart", config.AutostartWorkers)
	server := api.NewServer(st, manager, buildAPIOptions(config, flags)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if config.AutostartWorkers {
		g.Go(func() error {
			if err := manager.StartAll(gctx); err != nil {
				slog.Warn("Some workers failed to start", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		manager.StopAll()
		return nil
	})
	return g.Wait()
}

// importFlows applies a flow definition file. Invalid entries are logged and
// do not stop startup.
func importFlows(ctx context.Context, st store.Store, path string) error {
	file, err := flowfile.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load flows file: %w", err)
	}
	created, err := file.Apply(ctx, st)
	if err != nil {
		slog.Warn("Some flows in the flows file were not imported", "error", err, "path", path)
	}
	slog.Info("Flows file applied", "path", path, "created", created, "defined", len(file.Flows))
	return nil
}

// runSingleWorker runs one account's worker until ctx is cancelled.
func runSingleWorker(ctx context.Context, manager *worker.Manager, accountID string) error {
	if _, err := manager.StartWorker(ctx, accountID); err != nil {
		return fmt.Errorf("failed to start worker %s: %w", accountID, err)
	}
	slog.Info("Worker running without API", "account_id", accountID)
	<-ctx.Done()
	manager.StopWorker(accountID)
	return nil
}

// pairAccount links a WhatsApp account's session database to a phone by
// showing a QR or numeric code, then exits.
func pairAccount(ctx context.Context, st store.Store, flags Flags) error {
	acc, err := st.GetAccount(ctx, *flags.pairAccount)
	if err != nil {
		return err
	}
	if acc.Transport != models.TransportWhatsApp {
		return fmt.Errorf("%w: account %s uses %s, pairing needs whatsapp", models.ErrInvalidTransport, acc.ID, acc.Transport)
	}

	// The account lock keeps a running worker off the session while pairing
	lock, err := lockfile.Acquire(filepath.Join(*flags.stateDir, DefaultLocksDirName), acc.ID)
	if err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			return fmt.Errorf("stop the worker of account %s before pairing: %w", acc.ID, err)
		}
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release account lock", "error", err)
		}
	}()

	slog.Info("Pairing WhatsApp account", "account_id", acc.ID, "session", acc.SessionName)
	client, err := whatsapp.NewClient(ctx, buildPairingOptions(flags, acc)...)
	if err != nil {
		return fmt.Errorf("failed to pair account %s: %w", acc.ID, err)
	}
	client.Close()
	slog.Info("WhatsApp account paired", "account_id", acc.ID)
	return nil
}
