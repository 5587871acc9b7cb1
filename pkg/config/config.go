// Package config loads the worker configuration from defaults, an optional YAML
// file, environment variables and command-line flags, in increasing priority.
//
// The broker keeps the environment names of the existing deployment
// (REDIS_MODE, REDIS_HOST, ...). Every other key can be set through the JOBS_
// prefix, e.g. JOBS_WORKER_CONCURRENCY=8 or JOBS_LOG_LEVEL=debug.
package config

import (
	"strings"
	"time"

	"github.com/faultmaven/jobworker/pkg/broker"
	"github.com/faultmaven/jobworker/pkg/handlers"
	"github.com/faultmaven/jobworker/pkg/logger"
	"github.com/faultmaven/jobworker/pkg/registry"
	"github.com/faultmaven/jobworker/pkg/scheduler"
	"github.com/faultmaven/jobworker/pkg/tasks"
	"github.com/faultmaven/jobworker/pkg/worker"
)

// Config holds all application configuration.
type Config struct {
	Redis         RedisConfig             `mapstructure:"redis"`
	Queue         QueueConfig             `mapstructure:"queue"`
	Worker        WorkerConfig            `mapstructure:"worker"`
	Scheduler     SchedulerConfig         `mapstructure:"scheduler"`
	Server        ServerConfig            `mapstructure:"server"`
	Metrics       MetricsConfig           `mapstructure:"metrics"`
	Log           logger.Config           `mapstructure:"log"`
	Collaborators CollaboratorsConfig     `mapstructure:"collaborators"`
	Tasks         map[string]TaskOverride `mapstructure:"tasks" validate:"dive"`
}

// RedisConfig mirrors the broker environment of the deployment.
type RedisConfig struct {
	Mode     string `mapstructure:"mode" validate:"omitempty,oneof=standalone sentinel STANDALONE SENTINEL"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Password string `mapstructure:"password"`
	// SentinelHosts is a comma separated host:port list.
	SentinelHosts string `mapstructure:"sentinel_hosts"`
	MasterSet     string `mapstructure:"master_set"`
}

type QueueConfig struct {
	KeyPrefix string `mapstructure:"key_prefix" validate:"required"`
	// VisibilityTimeout is in seconds.
	VisibilityTimeout int           `mapstructure:"visibility_timeout" validate:"gt=0"`
	ResultTTL         time.Duration `mapstructure:"result_ttl" validate:"gte=0"`
}

type WorkerConfig struct {
	Name        string `mapstructure:"name"`
	Concurrency int    `mapstructure:"concurrency" validate:"gte=0"`
	// Capacity is the total concurrency weight; 0 means Concurrency.
	Capacity int `mapstructure:"capacity" validate:"gte=0"`
	// Prefetch is the number of invocations a slot holds at once. Slots claim
	// one invocation at a time, so only 1 is accepted.
	Prefetch        int           `mapstructure:"prefetch" validate:"eq=1"`
	MaxTasksPerSlot int           `mapstructure:"max_tasks_per_slot" validate:"gte=0"`
	HardTimeLimit   int           `mapstructure:"hard_time_limit" validate:"gt=0"`
	SoftTimeLimit   int           `mapstructure:"soft_time_limit" validate:"gt=0,ltfield=HardTimeLimit"`
	ClaimTimeout    time.Duration `mapstructure:"claim_timeout" validate:"gt=0"`
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval" validate:"gt=0"`
	ThrottleDelay   time.Duration `mapstructure:"throttle_delay" validate:"gt=0"`
}

type SchedulerConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	Timezone     string            `mapstructure:"timezone" validate:"required"`
	Interval     time.Duration     `mapstructure:"interval" validate:"gt=0"`
	MisfireGrace time.Duration     `mapstructure:"misfire_grace" validate:"gt=0"`
	Lease        bool              `mapstructure:"lease"`
	LeaseTTL     time.Duration     `mapstructure:"lease_ttl" validate:"gt=0"`
	Entries      []scheduler.Entry `mapstructure:"entries" validate:"dive"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr" validate:"required"`
	APIKey         string   `mapstructure:"api_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// CollaboratorsConfig locates the services the handlers call. An empty URL
// selects the built-in placeholder.
type CollaboratorsConfig struct {
	CaseServiceURL      string        `mapstructure:"case_service_url" validate:"omitempty,url"`
	KnowledgeServiceURL string        `mapstructure:"knowledge_service_url" validate:"omitempty,url"`
	Timeout             time.Duration `mapstructure:"timeout" validate:"gt=0"`
	RetentionAction     string        `mapstructure:"retention_action" validate:"oneof=archive delete"`
}

// TaskOverride adjusts the default policy of one task. It is keyed by the last
// segment of the task name ("ingest_document" for
// "job_worker.tasks.knowledge_tasks.ingest_document"). Zero values keep the
// default.
type TaskOverride struct {
	HardTimeLimit int           `mapstructure:"hard_time_limit" validate:"gte=0"`
	SoftTimeLimit int           `mapstructure:"soft_time_limit" validate:"gte=0"`
	MaxRetries    *int          `mapstructure:"max_retries" validate:"omitempty,gte=0"`
	BaseBackoff   time.Duration `mapstructure:"base_backoff" validate:"gte=0"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
	Priority      string        `mapstructure:"priority" validate:"omitempty,oneof=low default high"`
	RateLimit     int           `mapstructure:"rate_limit" validate:"gte=0"`
	Weight        int           `mapstructure:"weight" validate:"gte=0"`
}

// Broker resolves the Redis connection descriptor.
func (c *Config) Broker() (broker.Descriptor, error) {
	mode, err := broker.ParseMode(c.Redis.Mode)
	if err != nil {
		return broker.Descriptor{}, err
	}
	return broker.Resolve(mode, broker.Params{
		Host:          c.Redis.Host,
		Port:          c.Redis.Port,
		SentinelAddrs: []string{c.Redis.SentinelHosts},
		MasterName:    c.Redis.MasterSet,
		DB:            c.Redis.DB,
		Password:      c.Redis.Password,
	})
}

// Location returns the scheduler time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, &tasks.ConfigurationError{Field: "scheduler.timezone", Err: err}
	}
	return loc, nil
}

// Runtime converts the worker section.
func (c *Config) Runtime() worker.Config {
	return worker.Config{
		Name:            c.Worker.Name,
		Concurrency:     c.Worker.Concurrency,
		Capacity:        c.Worker.Capacity,
		MaxTasksPerSlot: c.Worker.MaxTasksPerSlot,
		ClaimTimeout:    c.Worker.ClaimTimeout,
		ReclaimInterval: c.Worker.ReclaimInterval,
		ThrottleDelay:   c.Worker.ThrottleDelay,
	}
}

// VisibilityTimeout converts the queue visibility timeout.
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.Queue.VisibilityTimeout) * time.Second
}

// Retention parses the retention action for case cleanup.
func (c *Config) Retention() (handlers.RetentionAction, error) {
	action, err := handlers.ParseRetentionAction(c.Collaborators.RetentionAction)
	if err != nil {
		return "", &tasks.ConfigurationError{Field: "collaborators.retention_action", Err: err}
	}
	return action, nil
}

// Policy applies the global time limits and any per-task override to p.
func (c *Config) Policy(name string, p registry.Policy) registry.Policy {
	p.HardTimeLimit = time.Duration(c.Worker.HardTimeLimit) * time.Second
	p.SoftTimeLimit = time.Duration(c.Worker.SoftTimeLimit) * time.Second

	o, ok := c.Tasks[shortName(name)]
	if !ok {
		return p
	}
	if o.HardTimeLimit > 0 {
		p.HardTimeLimit = time.Duration(o.HardTimeLimit) * time.Second
	}
	if o.SoftTimeLimit > 0 {
		p.SoftTimeLimit = time.Duration(o.SoftTimeLimit) * time.Second
	}
	if o.MaxRetries != nil {
		p.MaxAttempts = *o.MaxRetries + 1
		if *o.MaxRetries > 0 && p.BaseBackoff == 0 {
			p.BaseBackoff = handlers.DefaultBaseBackoff
		}
	}
	if o.BaseBackoff > 0 {
		p.BaseBackoff = o.BaseBackoff
	}
	if o.MaxBackoff > 0 {
		p.MaxBackoff = o.MaxBackoff
	}
	switch o.Priority {
	case "low":
		p.Priority = tasks.PriorityLow
	case "default":
		p.Priority = tasks.PriorityDefault
	case "high":
		p.Priority = tasks.PriorityHigh
	}
	if o.RateLimit > 0 {
		p.RateLimit = o.RateLimit
	}
	if o.Weight > 0 {
		p.Weight = o.Weight
	}
	return p
}

func shortName(task string) string {
	if i := strings.LastIndex(task, "."); i >= 0 {
		return task[i+1:]
	}
	return task
}
