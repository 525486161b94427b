// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cronwrap/internal/domain"
	"cronwrap/internal/policy"
	"cronwrap/internal/schedule"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load, e.g. CRONWRAP_NUM_FAILS.
const EnvPrefix = "CRONWRAP"

// ConfigFileEnv names a config file when --config is not given.
const ConfigFileEnv = EnvPrefix + "_CONFIG"

// DefaultSearchPaths are searched for config.yaml when no config file is named.
// The working directory is deliberately absent: cron starts jobs in $HOME,
// where a config.yaml usually belongs to something else.
var DefaultSearchPaths = []string{"/etc/cronwrap"}

// Config holds all configuration of one wrapper invocation.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	// Suppression
	NumFails           int    `mapstructure:"num_fails" validate:"gte=1"`
	Backoff            bool   `mapstructure:"backoff"`
	FirstFail          bool   `mapstructure:"first_fail"`
	TimeoutAlerts      bool   `mapstructure:"timeout_alerts"`
	AlwaysPrintSuccess bool   `mapstructure:"always_print_success"`
	MaxPending         int    `mapstructure:"max_pending" validate:"gte=1"`
	Report             bool   `mapstructure:"report"`
	Schedule           string `mapstructure:"schedule" validate:"omitempty,cron"`

	// Execution
	Timeout     time.Duration `mapstructure:"timeout" validate:"gte=0"`
	CaptureMode string        `mapstructure:"capture_mode" validate:"oneof=merged separate"`
	ShellString bool          `mapstructure:"shell_string"`
	Shell       string        `mapstructure:"shell" validate:"required"`
	Path        string        `mapstructure:"path"`
	EnvFile     string        `mapstructure:"env_file"`
	Fuzz        time.Duration `mapstructure:"fuzz" validate:"gte=0"`

	// State and locking
	StateDir           string        `mapstructure:"state_dir" validate:"required"`
	CreateStateDir     bool          `mapstructure:"create_state_dir"`
	NoOverlap          bool          `mapstructure:"no_overlap"`
	LockFile           string        `mapstructure:"lock_file"`
	LockRetries        int           `mapstructure:"lock_retries" validate:"gte=0"`
	LockRetryInterval  time.Duration `mapstructure:"lock_retry_interval" validate:"gt=0"`
	IgnoreRunning      bool          `mapstructure:"ignore_running"`
	JobName            string        `mapstructure:"job_name"`
	IdentityIncludeCwd bool          `mapstructure:"identity_include_cwd"`

	// Side channels
	Syslog         bool   `mapstructure:"syslog"`
	SyslogFacility string `mapstructure:"syslog_facility"`
	SyslogPriority string `mapstructure:"syslog_priority"`
	MetricsDir     string `mapstructure:"metrics_dir"`
	TraceFile      string `mapstructure:"trace_file"`

	// Diagnostics
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=text json"`
	LogFile   string `mapstructure:"log_file"`
	Debug     bool   `mapstructure:"debug"`

	// ConfigFile is the file actually read, empty when none was found.
	ConfigFile string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("num_fails", policy.DefaultThreshold)
	v.SetDefault("always_print_success", true)
	v.SetDefault("max_pending", policy.DefaultMaxPending)
	v.SetDefault("timeout", "0s")
	v.SetDefault("capture_mode", string(domain.CaptureSeparate))
	v.SetDefault("shell", "bash")
	v.SetDefault("fuzz", "0s")
	v.SetDefault("state_dir", "/var/tmp")
	v.SetDefault("lock_retry_interval", "1s")
	v.SetDefault("syslog_facility", "user")
	v.SetDefault("syslog_priority", "warning")
	v.SetDefault("log_level", "warn")
	v.SetDefault("log_format", "text")

	// Zero values are registered too: Unmarshal only sees keys viper knows
	// about, and AutomaticEnv alone does not make a key known.
	for _, key := range []string{
		"backoff", "first_fail", "timeout_alerts", "report", "shell_string",
		"create_state_dir", "no_overlap", "ignore_running", "identity_include_cwd",
		"syslog", "debug",
	} {
		v.SetDefault(key, false)
	}
	for _, key := range []string{
		"schedule", "path", "env_file", "lock_file", "job_name",
		"metrics_dir", "trace_file", "log_file",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("lock_retries", 0)
}

// Load resolves the configuration from defaults, the config file,
// CRONWRAP_* environment variables and flags, in increasing precedence.
// configFile may be empty to use $CRONWRAP_CONFIG or search DefaultSearchPaths;
// a named file must exist.
func Load(flags *pflag.FlagSet, configFile string) (*Config, error) {
	if configFile == "" {
		configFile = os.Getenv(ConfigFileEnv)
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range DefaultSearchPaths {
			v.AddConfigPath(p)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindFlags binds every flag that names a config key; "--num-fails" binds "num_fails".
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "help" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return schedule.Validate(fl.Field().String()) == nil
	})
	return v
}

// Validate checks field constraints and reports them as one error.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed '%s' check (value %v)", fe.Field(), fe.Tag(), fe.Value()))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Policy returns the suppression settings.
func (c *Config) Policy() policy.Policy {
	mode := policy.ModeEvery
	if c.Backoff {
		mode = policy.ModeBackoff
	}
	return policy.Policy{
		Threshold:          c.NumFails,
		Mode:               mode,
		FirstFail:          c.FirstFail,
		TimeoutAlerts:      c.TimeoutAlerts,
		AlwaysPrintSuccess: c.AlwaysPrintSuccess,
		MaxPending:         c.MaxPending,
	}
}
