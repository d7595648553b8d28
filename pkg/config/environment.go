package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	logsFolderName = "p2blogs"
	dataFolderName = "p2bdata"
)

// Environment holds the run-environment settings shared by the batch creator and the mover
type Environment struct {
	ParamsTable           string
	ProgressTable         string
	JobsQueuePrefix       string
	HoursOffset           int
	QueueWaitMinutes      int
	LifeSignalMinutes     int
	MaxMinutesPerDownload int
	MaxDeliveries         int64
	SASValidity           time.Duration
	PollInterval          time.Duration
	HomePath              string
	DatabaseDriver        string
	DatabaseURL           string
	ListenAddr            string
	LogLevel              string
}

// DefaultEnvironment returns the settings used when nothing is configured
func DefaultEnvironment() Environment {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Environment{
		ParamsTable:           "page2blockparams",
		ProgressTable:         "page2blockprogress",
		JobsQueuePrefix:       "p2bjobs",
		HoursOffset:           -5,
		QueueWaitMinutes:      60,
		LifeSignalMinutes:     5,
		MaxMinutesPerDownload: 180,
		MaxDeliveries:         5,
		SASValidity:           96 * time.Hour,
		PollInterval:          10 * time.Second,
		HomePath:              home,
		DatabaseDriver:        "postgres",
		LogLevel:              "info",
	}
}

// LoadEnvironment reads optional .env files and then P2B_* environment variables.
// Missing .env files are ignored.
func LoadEnvironment(envFiles ...string) (Environment, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Environment{}, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	defaults := DefaultEnvironment()

	v := viper.New()
	v.SetEnvPrefix("P2B")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("params_table", defaults.ParamsTable)
	v.SetDefault("progress_table", defaults.ProgressTable)
	v.SetDefault("jobs_queue_prefix", defaults.JobsQueuePrefix)
	v.SetDefault("hours_offset", defaults.HoursOffset)
	v.SetDefault("queue_wait_minutes", defaults.QueueWaitMinutes)
	v.SetDefault("life_signal_minutes", defaults.LifeSignalMinutes)
	v.SetDefault("max_minutes_per_download", defaults.MaxMinutesPerDownload)
	v.SetDefault("max_deliveries", defaults.MaxDeliveries)
	v.SetDefault("sas_validity", defaults.SASValidity)
	v.SetDefault("poll_interval", defaults.PollInterval)
	v.SetDefault("home", defaults.HomePath)
	v.SetDefault("database_driver", defaults.DatabaseDriver)
	v.SetDefault("listen_addr", "")
	v.SetDefault("log_level", defaults.LogLevel)

	// DB_DRIVER / DB_CONNECTION_STRING are shared with other deployments of the migration service
	if err := v.BindEnv("database_driver", "P2B_DATABASE_DRIVER", "DB_DRIVER"); err != nil {
		return Environment{}, fmt.Errorf("failed to bind database driver: %w", err)
	}
	if err := v.BindEnv("database_url", "P2B_DATABASE_URL", "DB_CONNECTION_STRING"); err != nil {
		return Environment{}, fmt.Errorf("failed to bind database url: %w", err)
	}

	env := Environment{
		ParamsTable:           v.GetString("params_table"),
		ProgressTable:         v.GetString("progress_table"),
		JobsQueuePrefix:       v.GetString("jobs_queue_prefix"),
		HoursOffset:           v.GetInt("hours_offset"),
		QueueWaitMinutes:      v.GetInt("queue_wait_minutes"),
		LifeSignalMinutes:     v.GetInt("life_signal_minutes"),
		MaxMinutesPerDownload: v.GetInt("max_minutes_per_download"),
		MaxDeliveries:         v.GetInt64("max_deliveries"),
		SASValidity:           v.GetDuration("sas_validity"),
		PollInterval:          v.GetDuration("poll_interval"),
		HomePath:              v.GetString("home"),
		DatabaseDriver:        v.GetString("database_driver"),
		DatabaseURL:           v.GetString("database_url"),
		ListenAddr:            v.GetString("listen_addr"),
		LogLevel:              v.GetString("log_level"),
	}
	return env, env.Validate()
}

// Validate checks the settings that would otherwise fail late
func (e Environment) Validate() error {
	if e.ParamsTable == "" || e.ProgressTable == "" {
		return fmt.Errorf("table names must not be empty")
	}
	if e.JobsQueuePrefix == "" || strings.ToLower(e.JobsQueuePrefix) != e.JobsQueuePrefix {
		return fmt.Errorf("jobs queue prefix %q must be non-empty lowercase", e.JobsQueuePrefix)
	}
	if e.SASValidity < time.Duration(e.MaxMinutesPerDownload)*time.Minute {
		return fmt.Errorf("sas validity %s is shorter than the per-download budget of %d minutes",
			e.SASValidity, e.MaxMinutesPerDownload)
	}
	if e.MaxDeliveries < 1 {
		return fmt.Errorf("max deliveries must be at least 1")
	}
	return nil
}

// QueueName returns the batch-scoped jobs queue name
func (e Environment) QueueName(batchID string) string {
	return fmt.Sprintf("%s-%s", e.JobsQueuePrefix, strings.ToLower(batchID))
}

// DataFolder returns the local staging root for a working path. Relative working
// paths live under the home directory so an extra disk can be mounted there.
func (e Environment) DataFolder(workingPath string) string {
	if filepath.IsAbs(workingPath) || filepath.VolumeName(workingPath) != "" {
		return filepath.Join(workingPath, dataFolderName)
	}
	return filepath.Join(e.HomePath, workingPath, dataFolderName)
}

// LogsFolder returns the default folder for mover log files
func (e Environment) LogsFolder() string {
	return filepath.Join(e.HomePath, logsFolderName)
}

// VisibilityTimeout is how long a received job stays hidden from other workers
func (e Environment) VisibilityTimeout() time.Duration {
	return time.Duration(e.MaxMinutesPerDownload) * time.Minute
}

// QueueWait is how long a worker waits on an empty queue before exiting
func (e Environment) QueueWait() time.Duration {
	return time.Duration(e.QueueWaitMinutes) * time.Minute
}

// Location is the fixed-offset zone used for operator-facing timestamps
func (e Environment) Location() *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", e.HoursOffset), e.HoursOffset*3600)
}
