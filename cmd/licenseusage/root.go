package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
	"gopkg.in/natefinch/lumberjack.v2"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"github.com/thannaske/licenseusage/pkg/config"
	"github.com/thannaske/licenseusage/pkg/db"
	"github.com/thannaske/licenseusage/pkg/models"
	"github.com/thannaske/licenseusage/pkg/sampler"
	"github.com/thannaske/licenseusage/pkg/store"
	"github.com/thannaske/licenseusage/pkg/usage"
)

var (
	cfgFile   string
	cfg       models.Config
	configErr error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "licenseusage",
	Short: "License usage sampling for a monitoring site",
	Long: `A CLI tool that takes the daily license usage sample of a monitoring site.
It counts hosts and services once a day, keeps the last 400 samples in the
site's state directory and computes the monthly averages a subscription is
billed against.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configErr
	},
}

// exitError makes Execute exit with a specific code.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		code := 1
		var exitErr *exitError
		if xerrors.As(err, &exitErr) {
			code = exitErr.code
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(code)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is licenseusage.yaml in /etc/licenseusage, ~/.config/licenseusage or .)")
	flags.String("state-dir", config.DefaultStateDir, "directory holding the usage history")
	flags.String("site-id", "", "site identifier, hashed before it is stored")
	flags.String("db", "", "SQLite inventory database path (default is inventory.db in the state directory)")
	flags.String("log-file", "", "log to this file instead of stderr")
	flags.BoolP("verbose", "v", false, "enable debug logging")
}

var flagKeys = map[string]string{
	"state-dir": "state_dir",
	"site-id":   "site_id",
	"db":        "db_path",
	"log-file":  "log.file",
	"verbose":   "log.verbose",
}

// initConfig reads in the config file, environment and flags.
func initConfig() {
	v := config.New(cfgFile)
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			configErr = xerrors.Errorf("bind flag %s: %w", flag, err)
			return
		}
	}
	cfg, configErr = config.Load(v)
}

// writeCloseFixer refuses writes after Close; lumberjack would silently
// reopen the file otherwise.
type writeCloseFixer struct {
	io.WriteCloser

	mu     sync.Mutex // Protects following.
	closed bool
}

func (w *writeCloseFixer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.WriteCloser.Write(p)
}

func (w *writeCloseFixer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return w.WriteCloser.Close()
}

// openLogger builds the logger for one command run. The returned func
// flushes and closes the log file, if any.
func openLogger(c models.LogConfig) (slog.Logger, func()) {
	var (
		sink     slog.Sink
		closeLog = func() {}
	)
	if c.File != "" {
		w := &writeCloseFixer{WriteCloser: &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    5, // MB
			MaxBackups: 3,
		}}
		sink = sloghuman.Sink(w)
		closeLog = func() { _ = w.Close() }
	} else {
		sink = sloghuman.Sink(os.Stderr)
	}

	log := slog.Make(sink)
	if c.Verbose {
		log = log.Leveled(slog.LevelDebug)
	}
	return log, closeLog
}

// site bundles everything a command needs to work on the site's usage
// state. Close must be called when done.
type site struct {
	log        slog.Logger
	store      *store.Store
	db         *db.DB
	sampler    *sampler.Sampler
	instanceID uuid.UUID
	siteHash   string
	details    *usage.SubscriptionDetails

	closeLog func()
}

func openSite(ctx context.Context) (*site, error) {
	if err := config.RequireSite(cfg); err != nil {
		return nil, err
	}
	details, err := config.Subscription(cfg.Subscription)
	if err != nil {
		return nil, xerrors.Errorf("subscription: %w", err)
	}
	loc, err := config.Location(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	log, closeLog := openLogger(cfg.Log)
	s := &site{
		log:      log,
		siteHash: sampler.HashSiteID(cfg.SiteID),
		details:  details,
		closeLog: closeLog,
	}

	s.store, err = store.New(cfg.StateDir, log)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.instanceID, err = s.store.InstanceID(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.db, err = db.NewDB(cfg.DBPath)
	if err != nil {
		s.Close()
		return nil, xerrors.Errorf("connect to database: %w", err)
	}
	if err := s.db.InitDB(); err != nil {
		s.Close()
		return nil, xerrors.Errorf("initialize database: %w", err)
	}

	env := sampler.DetectEnvironment(ctx, cfg.Product.Version, cfg.Product.Edition, cfg.ApplianceMarker, loc)
	s.sampler = sampler.New(s.store, s.db, env, log)
	return s, nil
}

func (s *site) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	s.closeLog()
}
