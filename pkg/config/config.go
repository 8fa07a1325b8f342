// Package config loads the licenseusage configuration from file, environment
// and flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/thannaske/licenseusage/pkg/models"
	"github.com/thannaske/licenseusage/pkg/sampler"
	"github.com/thannaske/licenseusage/pkg/usage"
)

// EnvPrefix prefixes every environment override, e.g.
// LICENSEUSAGE_S3_BUCKET for s3.bucket.
const EnvPrefix = "LICENSEUSAGE"

const (
	DefaultStateDir = "/var/lib/licenseusage"
	DefaultMetrics  = "127.0.0.1:9477"
)

func defaults() map[string]any {
	return map[string]any{
		"state_dir":          DefaultStateDir,
		"db_path":            "",
		"site_id":            "",
		"appliance_marker":   "/etc/cma/cma.conf",
		"timezone":           "",
		"product.version":    "",
		"product.edition":    "",
		"log.file":           "",
		"log.verbose":        false,
		"subscription.start": "",
		"subscription.end":   "",
		"subscription.limit": "",
		"s3.endpoint":        "",
		"s3.region":          "default",
		"s3.access_key":      "",
		"s3.secret_key":      "",
		"s3.bucket":          "",
		"serve.schedule":     sampler.DefaultSchedule,
		"serve.metrics_addr": DefaultMetrics,
	}
}

// New returns a viper instance that reads cfgFile, or licenseusage.yaml from
// the usual places when cfgFile is empty. Every key has a default so
// environment overrides apply even without a file.
func New(cfgFile string) *viper.Viper {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("licenseusage")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/licenseusage")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "licenseusage"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	return v
}

// Load reads the configuration. A missing config file is not an error when
// none was named explicitly.
func Load(v *viper.Viper) (models.Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !xerrors.As(err, &notFound) {
			return models.Config{}, xerrors.Errorf("read config: %w", err)
		}
	}

	var cfg models.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return models.Config{}, xerrors.Errorf("decode config: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.StateDir, "inventory.db")
	}
	return cfg, nil
}

// RequireSite checks the keys every command touching site state needs.
func RequireSite(cfg models.Config) error {
	if cfg.StateDir == "" {
		return xerrors.New("state_dir is not configured")
	}
	if cfg.SiteID == "" {
		return xerrors.New("site_id is not configured")
	}
	return nil
}

// Subscription converts the configured subscription into its details. It
// returns nil when no subscription key is set; a partial subscription is
// an error.
func Subscription(sc models.SubscriptionConfig) (*usage.SubscriptionDetails, error) {
	limit := sc.Limit
	if s, ok := limit.(string); ok && strings.TrimSpace(s) == "" {
		limit = nil
	}
	if sc.Start == "" && sc.End == "" && limit == nil {
		return nil, nil
	}

	raw := map[string]any{"limit": limit}
	for key, value := range map[string]string{"start": sc.Start, "end": sc.End} {
		if value == "" {
			continue
		}
		t, err := time.ParseInLocation(time.DateOnly, value, time.UTC)
		if err != nil {
			return nil, &usage.SubscriptionDetailsError{Key: key, Reason: "not a date: " + value}
		}
		raw[key] = t.Unix()
	}

	details, err := usage.ParseSubscriptionDetails(raw)
	if err != nil {
		return nil, err
	}
	if details.End < details.Start {
		return nil, &usage.SubscriptionDetailsError{Key: "end", Reason: "before start"}
	}
	return &details, nil
}

// Location resolves the configured timezone. An empty name means the local
// timezone of the host.
func Location(name string) (*time.Location, error) {
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, xerrors.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}
