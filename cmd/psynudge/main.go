package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/szb37/psynudge/internal/api"
	"github.com/szb37/psynudge/internal/dispatch"
	"github.com/szb37/psynudge/internal/feed"
	"github.com/szb37/psynudge/internal/lockfile"
	"github.com/szb37/psynudge/internal/models"
	"github.com/szb37/psynudge/internal/nudge"
	"github.com/szb37/psynudge/internal/recon"
	"github.com/szb37/psynudge/internal/store"
	"github.com/szb37/psynudge/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for psynudge state data
	DefaultStateDir = "/var/lib/psynudge"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "psynudge.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// A single instance per state directory: concurrent passes over the same
	// database would double-send reminders.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	runOpts := buildRunOptions(flags)

	slog.Info("Bootstrapping psynudge with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr,
		"dry_run", *flags.dryRun)
	if err := api.Run(runOpts); err != nil {
		slog.Error("psynudge failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("psynudge exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL     string
	StateDir        string
	EnrollmentURL   string
	EnrollmentKey   string
	SurveyURL       string
	SurveyKey       string
	APIAddr         string
	PassCron        string
	StudiesFile     string
	SnapshotDir     string
	DryRun          bool
	RenudgeInterval time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	dbDSN           *string
	enrollmentURL   *string
	enrollmentKey   *string
	surveyURL       *string
	surveyKey       *string
	apiAddr         *string
	passCron        *string
	studiesFile     *string
	snapshotDir     *string
	dryRun          *bool
	renudgeInterval *time.Duration
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		StateDir:        os.Getenv("PSYNUDGE_STATE_DIR"),
		EnrollmentURL:   os.Getenv("ENROLLMENT_API_URL"),
		EnrollmentKey:   os.Getenv("ENROLLMENT_API_KEY"),
		SurveyURL:       os.Getenv("SURVEY_API_URL"),
		SurveyKey:       os.Getenv("SURVEY_API_KEY"),
		APIAddr:         os.Getenv("API_ADDR"),
		PassCron:        os.Getenv("PASS_CRON"),
		StudiesFile:     os.Getenv("PSYNUDGE_STUDIES_FILE"),
		SnapshotDir:     os.Getenv("PSYNUDGE_SNAPSHOT_DIR"),
		DryRun:          util.ParseBoolEnv("PSYNUDGE_DRY_RUN", false),
		RenudgeInterval: util.ParseDurationEnv("PSYNUDGE_RENUDGE_INTERVAL", models.DefaultMinRenudgeInterval),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PSYNUDGE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("PSYNUDGE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"PSYNUDGE_STATE_DIR", config.StateDir,
		"ENROLLMENT_API_URL_SET", config.EnrollmentURL != "",
		"SURVEY_API_URL_SET", config.SurveyURL != "",
		"API_ADDR", config.APIAddr,
		"PASS_CRON", config.PassCron,
		"PSYNUDGE_STUDIES_FILE", config.StudiesFile,
		"PSYNUDGE_SNAPSHOT_DIR", config.SnapshotDir,
		"PSYNUDGE_DRY_RUN", config.DryRun,
		"PSYNUDGE_RENUDGE_INTERVAL", config.RenudgeInterval)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for psynudge data (overrides $PSYNUDGE_STATE_DIR)"),
		dbDSN:           flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		enrollmentURL:   flag.String("enrollment-url", config.EnrollmentURL, "enrollment platform base URL (overrides $ENROLLMENT_API_URL)"),
		enrollmentKey:   flag.String("enrollment-key", config.EnrollmentKey, "enrollment platform API key (overrides $ENROLLMENT_API_KEY)"),
		surveyURL:       flag.String("survey-url", config.SurveyURL, "survey platform base URL (overrides $SURVEY_API_URL)"),
		surveyKey:       flag.String("survey-key", config.SurveyKey, "survey platform API key (overrides $SURVEY_API_KEY)"),
		apiAddr:         flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		passCron:        flag.String("pass-cron", config.PassCron, "cron expression for scheduled passes (overrides $PASS_CRON)"),
		studiesFile:     flag.String("studies-file", config.StudiesFile, "JSON file with study definitions (overrides $PSYNUDGE_STUDIES_FILE)"),
		snapshotDir:     flag.String("snapshot-dir", config.SnapshotDir, "directory with feed snapshots for offline runs (overrides $PSYNUDGE_SNAPSHOT_DIR)"),
		dryRun:          flag.Bool("dry-run", config.DryRun, "collect due reminders without dispatching (overrides $PSYNUDGE_DRY_RUN)"),
		renudgeInterval: flag.Duration("renudge-interval", config.RenudgeInterval, "minimum time between reminders per participant and timepoint (overrides $PSYNUDGE_RENUDGE_INTERVAL)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"enrollmentURL_set", *flags.enrollmentURL != "",
		"surveyURL_set", *flags.surveyURL != "",
		"apiAddr", *flags.apiAddr,
		"passCron", *flags.passCron,
		"studiesFile", *flags.studiesFile,
		"snapshotDir", *flags.snapshotDir,
		"dryRun", *flags.dryRun,
		"renudgeInterval", *flags.renudgeInterval)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return os.MkdirAll(*flags.stateDir, 0755)
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
		return err
	}
	return os.MkdirAll(*flags.stateDir, 0755)
}

// buildRunOptions assembles the per-module option lists from flag values
func buildRunOptions(flags Flags) api.RunOpts {
	opts := api.RunOpts{
		StudiesFile: *flags.studiesFile,
		SnapshotDir: *flags.snapshotDir,
	}

	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			opts.Store = append(opts.Store, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			opts.Store = append(opts.Store, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}

	if *flags.enrollmentURL != "" {
		opts.Enrollments = append(opts.Enrollments, feed.WithBaseURL(*flags.enrollmentURL))
		if *flags.enrollmentKey != "" {
			opts.Enrollments = append(opts.Enrollments, feed.WithAPIKey(*flags.enrollmentKey))
		}
	}
	if *flags.surveyURL != "" {
		opts.Responses = append(opts.Responses, feed.WithBaseURL(*flags.surveyURL))
		if *flags.surveyKey != "" {
			opts.Responses = append(opts.Responses, feed.WithAPIKey(*flags.surveyKey))
		}
		opts.Dispatch = append(opts.Dispatch, dispatch.WithBaseURL(*flags.surveyURL))
		if *flags.surveyKey != "" {
			opts.Dispatch = append(opts.Dispatch, dispatch.WithAPIKey(*flags.surveyKey))
		}
	}

	if *flags.renudgeInterval > 0 {
		opts.Nudge = append(opts.Nudge, nudge.WithMinRenudgeInterval(*flags.renudgeInterval))
	}
	if *flags.dryRun {
		opts.Recon = append(opts.Recon, recon.WithDryRun(true))
	}

	if *flags.apiAddr != "" {
		opts.API = append(opts.API, api.WithAddr(*flags.apiAddr))
	}
	if *flags.passCron != "" {
		opts.API = append(opts.API, api.WithPassCron(*flags.passCron))
	}

	return opts
}
