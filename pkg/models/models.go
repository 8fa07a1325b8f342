package models

import (
	"time"
)

// MonthlyServiceAverage is the mean daily service count over one
// subscription month. Subscription months start on the day of month the
// subscription started, not on the 1st.
type MonthlyServiceAverage struct {
	SiteHash    string    `json:"site_hash"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AvgServices float64   `json:"avg_services"`
	DataPoints  int       `json:"data_points"`
}

// Config represents the application configuration
type Config struct {
	StateDir        string `mapstructure:"state_dir"`
	DBPath          string `mapstructure:"db_path"`
	SiteID          string `mapstructure:"site_id"`
	ApplianceMarker string `mapstructure:"appliance_marker"`
	Timezone        string `mapstructure:"timezone"`

	Product      ProductConfig      `mapstructure:"product"`
	Log          LogConfig          `mapstructure:"log"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	S3           S3Config           `mapstructure:"s3"`
	Serve        ServeConfig        `mapstructure:"serve"`
}

type ProductConfig struct {
	Version string `mapstructure:"version"`
	Edition string `mapstructure:"edition"`
}

type LogConfig struct {
	File    string `mapstructure:"file"`
	Verbose bool   `mapstructure:"verbose"`
}

// SubscriptionConfig holds the subscription as written by an operator.
// Start and End are dates (YYYY-MM-DD); Limit is any limit encoding
// usage.ParseLimit understands.
type SubscriptionConfig struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
	Limit any    `mapstructure:"limit"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
}

type ServeConfig struct {
	Schedule    string `mapstructure:"schedule"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}
