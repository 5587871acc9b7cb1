package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/faultmaven/jobworker/pkg/handlers"
	"github.com/faultmaven/jobworker/pkg/tasks"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces the environment overrides of every non-broker key.
const EnvPrefix = "JOBS"

// brokerEnv keeps the deployment's established broker variable names.
var brokerEnv = map[string]string{
	"redis.mode":           "REDIS_MODE",
	"redis.host":           "REDIS_HOST",
	"redis.port":           "REDIS_PORT",
	"redis.db":             "REDIS_DB",
	"redis.password":       "REDIS_PASSWORD",
	"redis.sentinel_hosts": "REDIS_SENTINEL_HOSTS",
	"redis.master_set":     "REDIS_MASTER_SET",
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":   "log.level",
	"concurrency": "worker.concurrency",
	"scheduler":   "scheduler.enabled",
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file (env JOBS_CONFIG)")
	fs.String("log-level", "", "log level: trace, debug, info, warn or error")
	fs.Int("concurrency", 0, "number of execution slots (default: CPU count)")
	fs.Bool("scheduler", false, "run the periodic scheduler in this process")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.key_prefix", "faultmaven_jobs:")
	v.SetDefault("queue.visibility_timeout", 3900)
	v.SetDefault("queue.result_ttl", "24h")

	v.SetDefault("worker.concurrency", 0)
	v.SetDefault("worker.prefetch", 1)
	v.SetDefault("worker.max_tasks_per_slot", 100)
	v.SetDefault("worker.hard_time_limit", int(handlers.DefaultHardTimeLimit.Seconds()))
	v.SetDefault("worker.soft_time_limit", int(handlers.DefaultSoftTimeLimit.Seconds()))
	v.SetDefault("worker.claim_timeout", "1s")
	v.SetDefault("worker.reclaim_interval", "30s")
	v.SetDefault("worker.throttle_delay", "1s")

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.interval", "1s")
	v.SetDefault("scheduler.misfire_grace", "1h")
	v.SetDefault("scheduler.lease", false)
	v.SetDefault("scheduler.lease_ttl", "90s")
	v.SetDefault("scheduler.entries", []map[string]any{
		{"name": "cleanup-old-cases", "task": handlers.TaskCleanupOldCases, "cron": "0 2 * * *"},
		{"name": "cleanup-case-evidence", "task": handlers.TaskCleanupCaseEvidence, "cron": "0 3 * * *"},
	})

	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	v.SetDefault("worker.name", "")
	v.SetDefault("worker.capacity", 0)

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("metrics.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 0)
	v.SetDefault("log.max_backups", 0)
	v.SetDefault("log.max_age_days", 0)

	v.SetDefault("collaborators.case_service_url", "")
	v.SetDefault("collaborators.knowledge_service_url", "")
	v.SetDefault("collaborators.timeout", "30s")
	v.SetDefault("collaborators.retention_action", string(handlers.RetentionArchive))
}

// Load reads configuration from defaults, the config file named by --config or
// JOBS_CONFIG, the environment and fs, in increasing priority. fs may be nil. It
// returns a *tasks.ConfigurationError on any problem.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, env := range brokerEnv {
		if err := v.BindEnv(key, env); err != nil {
			return nil, &tasks.ConfigurationError{Field: key, Err: err}
		}
	}

	path := os.Getenv(EnvPrefix + "_CONFIG")
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, &tasks.ConfigurationError{Field: key, Err: err}
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &tasks.ConfigurationError{Field: "config", Err: fmt.Errorf("read %s: %w", path, err)}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &tasks.ConfigurationError{Err: fmt.Errorf("decode config: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the values that need parsing.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			_, field, _ := strings.Cut(fe.Namespace(), ".")
			return tasks.Configf(field, "failed %q validation (value %v)", fe.Tag(), fe.Value())
		}
		return &tasks.ConfigurationError{Err: err}
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.Retention(); err != nil {
		return err
	}
	if _, err := c.Broker(); err != nil {
		return err
	}
	return nil
}
