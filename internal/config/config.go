package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// TWConfig holds the application configuration
type TWConfig struct {
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Redis struct {
		Host     string `mapstructure:"host"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Sandbox SandboxConfig `mapstructure:"sandbox"`

	Worker struct {
		Concurrency           int           `mapstructure:"concurrency"`
		MaxDeliveries         int           `mapstructure:"max_deliveries"`
		RedeliveryBackoff     time.Duration `mapstructure:"redelivery_backoff"`
		BusyBackoff           time.Duration `mapstructure:"busy_backoff"`
		CancelPollInterval    time.Duration `mapstructure:"cancel_poll_interval"`
		SigkillIsCancellation bool          `mapstructure:"sigkill_is_cancellation"`
		ScratchDir            string        `mapstructure:"scratch_dir"`
		StatusWriteAttempts   int           `mapstructure:"status_write_attempts"`
		StatusRetryDelay      time.Duration `mapstructure:"status_retry_delay"`
	} `mapstructure:"worker"`

	Admission struct {
		MaxConcurrent int           `mapstructure:"max_concurrent"`
		StaleAfter    time.Duration `mapstructure:"stale_after"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"admission"`

	Reaper struct {
		Schedule  string        `mapstructure:"schedule"`
		Threshold time.Duration `mapstructure:"threshold"`
		Buffer    time.Duration `mapstructure:"buffer"`
		BatchSize int           `mapstructure:"batch_size"`
	} `mapstructure:"reaper"`

	Billing struct {
		NotifyWindow time.Duration `mapstructure:"notify_window"`
	} `mapstructure:"billing"`

	Artifacts struct {
		Root    string `mapstructure:"root"`
		BaseURL string `mapstructure:"base_url"`
	} `mapstructure:"artifacts"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`
}

// SandboxConfig describes the container every execution attempt runs in
type SandboxConfig struct {
	Image       string        `mapstructure:"image"`
	PullMissing bool          `mapstructure:"pull_missing"`
	MemoryMB    int64         `mapstructure:"memory_mb"`
	CPUFraction float64       `mapstructure:"cpu_fraction"`
	PidsLimit   int64         `mapstructure:"pids_limit"`
	NetworkMode string        `mapstructure:"network_mode"`
	ShmSizeMB   int64         `mapstructure:"shm_size_mb"`
	User        string        `mapstructure:"user"`
	TestTimeout time.Duration `mapstructure:"test_timeout"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
	Command     []string      `mapstructure:"command"`
	ReportDir   string        `mapstructure:"report_dir"`
	ReportIndex string        `mapstructure:"report_index"`
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*TWConfig, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("TW_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}

		v := newViper()
		switch mode := fi.Mode(); {
		case mode.IsRegular():
			v.SetConfigFile(path)
		case mode.IsDir():
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		default:
			continue
		}
		if config, err := readConfig(v, path, true); err == nil {
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory. A missing file is fine here,
	// defaults and environment variables are enough to run.
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	return readConfig(v, cwd, false)
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "testworker")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.host", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9464)

	v.SetDefault("sandbox.image", "mcr.microsoft.com/playwright:v1.48.0-jammy")
	v.SetDefault("sandbox.pull_missing", true)
	v.SetDefault("sandbox.memory_mb", 2048)
	v.SetDefault("sandbox.cpu_fraction", 1.5)
	v.SetDefault("sandbox.pids_limit", 512)
	v.SetDefault("sandbox.network_mode", "bridge")
	v.SetDefault("sandbox.shm_size_mb", 512)
	v.SetDefault("sandbox.user", "")
	v.SetDefault("sandbox.test_timeout", "5m")
	v.SetDefault("sandbox.job_timeout", "15m")
	v.SetDefault("sandbox.command", []string{"npx", "playwright", "test", "--reporter=list,json,html"})
	v.SetDefault("sandbox.report_dir", "report")
	v.SetDefault("sandbox.report_index", "html/index.html")

	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.max_deliveries", 3)
	v.SetDefault("worker.redelivery_backoff", "30s")
	v.SetDefault("worker.busy_backoff", "5s")
	v.SetDefault("worker.cancel_poll_interval", "5s")
	v.SetDefault("worker.sigkill_is_cancellation", true)
	v.SetDefault("worker.scratch_dir", os.TempDir())
	v.SetDefault("worker.status_write_attempts", 3)
	v.SetDefault("worker.status_retry_delay", "500ms")

	v.SetDefault("admission.max_concurrent", 1)
	v.SetDefault("admission.stale_after", "30m")
	v.SetDefault("admission.sweep_interval", "5m")

	v.SetDefault("reaper.schedule", "@every 5m")
	v.SetDefault("reaper.threshold", "70m") // matches the queue lock duration
	v.SetDefault("reaper.buffer", "10m")
	v.SetDefault("reaper.batch_size", 1000)

	v.SetDefault("billing.notify_window", "1h")

	v.SetDefault("artifacts.root", "/var/lib/testworker/reports")
	v.SetDefault("artifacts.base_url", "http://localhost:9464/reports")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)

	v.SetEnvPrefix("TW")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string, required bool) (*TWConfig, error) {
	var config TWConfig

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if required || !errors.As(err, &notFound) {
			log.Warn().
				Err(err).
				Str("path", path).
				Msg("Could not read config file")
			return nil, err
		}
	}
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}

	return &config, nil
}

// Validate checks the values that would otherwise only fail deep inside an execution
func (c *TWConfig) Validate() error {
	var errs []error

	s := c.Sandbox
	if _, err := name.ParseReference(s.Image); err != nil {
		errs = append(errs, fmt.Errorf("sandbox.image %q is not a valid image reference: %w", s.Image, err))
	}
	if s.MemoryMB <= 0 {
		errs = append(errs, errors.New("sandbox.memory_mb must be positive"))
	}
	if s.CPUFraction <= 0 {
		errs = append(errs, errors.New("sandbox.cpu_fraction must be positive"))
	}
	if s.PidsLimit <= 0 {
		errs = append(errs, errors.New("sandbox.pids_limit must be positive"))
	}
	if s.NetworkMode != "none" && s.NetworkMode != "bridge" {
		errs = append(errs, fmt.Errorf("sandbox.network_mode must be none or bridge, got %q", s.NetworkMode))
	}
	if s.TestTimeout <= 0 || s.JobTimeout <= 0 {
		errs = append(errs, errors.New("sandbox timeouts must be positive"))
	}
	if len(s.Command) == 0 {
		errs = append(errs, errors.New("sandbox.command cannot be empty"))
	}
	if c.Admission.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("admission.max_concurrent must be positive"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be positive"))
	}
	if c.Admission.MaxConcurrent > 0 && c.Worker.Concurrency > c.Admission.MaxConcurrent {
		errs = append(errs, fmt.Errorf("worker.concurrency (%d) cannot exceed admission.max_concurrent (%d)",
			c.Worker.Concurrency, c.Admission.MaxConcurrent))
	}
	if c.Reaper.BatchSize <= 0 {
		errs = append(errs, errors.New("reaper.batch_size must be positive"))
	}

	return errors.Join(errs...)
}

// GetDatabaseURL returns a formatted database connection string
func (c *TWConfig) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// SetupLogging configures the global zerolog logger
func (c *TWConfig) SetupLogging() {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if c.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
