// Package config loads process configuration from defaults, a YAML file and MOTPIPE_* environment variables.
package config

import (
	"strings"
	"time"
	// Zone names must resolve on hosts without system zoneinfo
	_ "time/tzdata"

	"github.com/LdDl/mot-pipeline/detect"
	"github.com/LdDl/mot-pipeline/internal/logging"
	"github.com/LdDl/mot-pipeline/mot"
	"github.com/LdDl/mot-pipeline/pipeline"
	"github.com/LdDl/mot-pipeline/store"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix of environment overrides, e.g. MOTPIPE_SERVER_PORT
const EnvPrefix = "MOTPIPE"

// PipelineConfig holds job defaults applied to every new job
type PipelineConfig struct {
	Timezone      string               `mapstructure:"timezone"`
	Cadence       pipeline.Cadence     `mapstructure:"cadence"`
	Retry         pipeline.RetryPolicy `mapstructure:"retry"`
	MaxDetectRate float64              `mapstructure:"max_detect_rate"`
	// Resume jobs left running by a previous process on startup
	Recover bool `mapstructure:"recover"`
}

// ServerConfig of the HTTP API
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Browser origins allowed to call the API. Empty disables CORS headers
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Config is the whole process configuration
type Config struct {
	Log      logging.Config    `mapstructure:"log"`
	Tracker  mot.TrackerConfig `mapstructure:"tracker"`
	Pipeline PipelineConfig    `mapstructure:"pipeline"`
	Detector detect.Config     `mapstructure:"detector"`
	Store    store.Config      `mapstructure:"store"`
	Server   ServerConfig      `mapstructure:"server"`
}

// JobDefaults returns job spec pre-filled with configured tracker, detector and pipeline settings
func (cfg Config) JobDefaults() pipeline.JobSpec {
	spec := pipeline.DefaultJobSpec()
	spec.Tracker = cfg.Tracker
	spec.Detector = cfg.Detector
	spec.Cadence = cfg.Pipeline.Cadence
	spec.Retry = cfg.Pipeline.Retry
	spec.MaxDetectRate = cfg.Pipeline.MaxDetectRate
	if cfg.Pipeline.Timezone != "" {
		spec.Timezone = cfg.Pipeline.Timezone
	}
	return spec
}

// New returns viper instance with defaults and environment binding
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every key so that environment variables can override it
func SetDefaults(v *viper.Viper) {
	logDefaults := logging.DefaultConfig()
	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.format", logDefaults.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logDefaults.MaxSizeMB)
	v.SetDefault("log.max_backups", logDefaults.MaxBackups)
	v.SetDefault("log.max_age_days", logDefaults.MaxAgeDays)
	v.SetDefault("log.compress", false)

	tracker := mot.DefaultTrackerConfig()
	v.SetDefault("tracker.min_hits", tracker.MinHits)
	v.SetDefault("tracker.max_age", tracker.MaxAge)
	v.SetDefault("tracker.max_age_tentative", tracker.MaxAgeTentative)
	v.SetDefault("tracker.iou_threshold", tracker.IoUThreshold)
	v.SetDefault("tracker.algorithm", tracker.Algorithm.String())
	v.SetDefault("tracker.two_stage", tracker.TwoStage)
	v.SetDefault("tracker.high_confidence", tracker.HighConfidence)
	v.SetDefault("tracker.low_confidence", tracker.LowConfidence)
	v.SetDefault("tracker.min_spawn_confidence", tracker.MinSpawnConfidence)
	v.SetDefault("tracker.kalman.accel_std_dev", tracker.Kalman.AccelStdDev)
	v.SetDefault("tracker.kalman.measurement_std_dev", tracker.Kalman.MeasurementStdDev)
	v.SetDefault("tracker.kalman.initial_velocity_std_dev", tracker.Kalman.InitialVelocityStdDev)

	job := pipeline.DefaultJobSpec()
	v.SetDefault("pipeline.timezone", job.Timezone)
	v.SetDefault("pipeline.cadence.every_frames", job.Cadence.EveryFrames)
	v.SetDefault("pipeline.cadence.interval", job.Cadence.Interval.String())
	v.SetDefault("pipeline.retry.max_retries", job.Retry.MaxRetries)
	v.SetDefault("pipeline.retry.initial_interval", job.Retry.InitialInterval.String())
	v.SetDefault("pipeline.retry.max_interval", job.Retry.MaxInterval.String())
	v.SetDefault("pipeline.max_detect_rate", job.MaxDetectRate)
	v.SetDefault("pipeline.recover", true)

	detector := detect.DefaultConfig()
	v.SetDefault("detector.backend", detector.Backend)
	v.SetDefault("detector.url", detector.URL)
	v.SetDefault("detector.model", detector.Model)
	v.SetDefault("detector.timeout", detector.Timeout.String())
	v.SetDefault("detector.max_side", detector.MaxSide)
	v.SetDefault("detector.jpeg_quality", detector.JPEGQuality)
	v.SetDefault("detector.replay_path", "")

	storeDefaults := store.DefaultConfig()
	v.SetDefault("store.driver", storeDefaults.Driver)
	v.SetDefault("store.path", storeDefaults.Path)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{})
}

// Load reads optional config file and decodes everything into Config
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "Can't read config '%s'", path)
		}
	}
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, errors.Wrap(err, "Can't decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks sections which can't be checked later at job creation
func (cfg Config) Validate() error {
	if err := cfg.Tracker.Validate(); err != nil {
		return errors.Wrap(err, "tracker")
	}
	if _, err := time.LoadLocation(cfg.Pipeline.Timezone); err != nil {
		return errors.Wrapf(err, "pipeline.timezone '%s'", cfg.Pipeline.Timezone)
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return errors.Errorf("server.port %d is out of range", cfg.Server.Port)
	}
	return nil
}
