// Package app assembles the components a worker or API process needs from a
// loaded configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/faultmaven/jobworker/pkg/broker"
	"github.com/faultmaven/jobworker/pkg/config"
	"github.com/faultmaven/jobworker/pkg/handlers"
	"github.com/faultmaven/jobworker/pkg/logger"
	"github.com/faultmaven/jobworker/pkg/metrics"
	"github.com/faultmaven/jobworker/pkg/queue"
	"github.com/faultmaven/jobworker/pkg/registry"
	"github.com/faultmaven/jobworker/pkg/scheduler"
	"github.com/faultmaven/jobworker/pkg/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// App holds the wired components of one process.
type App struct {
	Config    *config.Config
	Broker    broker.Descriptor
	Redis     redis.UniversalClient
	Queue     *queue.Client
	Registry  *registry.Registry
	Metrics   *metrics.Metrics
	Scheduler *scheduler.Scheduler
}

// New connects to the broker and registers every task. reg receives the
// metrics; nil keeps them private.
func New(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*App, error) {
	d, err := cfg.Broker()
	if err != nil {
		return nil, err
	}
	rdb := broker.NewClient(d)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to broker %s: %w", d.Redacted(), err)
	}
	logger.Log.Info().Str("broker", d.Redacted()).Msg("Connected to broker")

	a, err := Build(cfg, rdb, reg)
	if err != nil {
		rdb.Close()
		return nil, err
	}
	a.Broker = d
	return a, nil
}

// Build wires the components around an existing Redis client.
func Build(cfg *config.Config, rdb redis.UniversalClient, reg prometheus.Registerer) (*App, error) {
	q := queue.NewClient(rdb,
		queue.WithKeyPrefix(cfg.Queue.KeyPrefix),
		queue.WithVisibilityTimeout(cfg.VisibilityTimeout()),
		queue.WithResultTTL(cfg.Queue.ResultTTL),
	)

	deps, err := collaborators(cfg)
	if err != nil {
		return nil, err
	}
	tr := registry.New()
	if err := handlers.Register(tr, handlers.Definitions(deps), cfg.Policy); err != nil {
		return nil, err
	}

	m := metrics.New(reg)

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	opts := []scheduler.Option{
		scheduler.WithLocation(loc),
		scheduler.WithMisfireGrace(cfg.Scheduler.MisfireGrace),
		scheduler.WithInterval(cfg.Scheduler.Interval),
		scheduler.WithMetrics(m),
	}
	if cfg.Scheduler.Lease {
		opts = append(opts, scheduler.WithLease(scheduler.NewLease(rdb, cfg.Queue.KeyPrefix, cfg.Scheduler.LeaseTTL)))
	}
	sched, err := scheduler.New(cfg.Scheduler.Entries, tr, q, scheduler.NewRedisStore(rdb, cfg.Queue.KeyPrefix), opts...)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:    cfg,
		Redis:     rdb,
		Queue:     q,
		Registry:  tr,
		Metrics:   m,
		Scheduler: sched,
	}, nil
}

// Runtime builds the worker runtime.
func (a *App) Runtime() *worker.Runtime {
	return worker.New(a.Config.Runtime(), a.Queue, a.Registry, a.Metrics)
}

func (a *App) Close() error {
	return a.Redis.Close()
}

// collaborators picks the remote services when their URL is configured and the
// placeholders otherwise.
func collaborators(cfg *config.Config) (handlers.Deps, error) {
	retention, err := cfg.Retention()
	if err != nil {
		return handlers.Deps{}, err
	}
	deps := handlers.Deps{
		Cases:     handlers.PlaceholderCases{},
		Knowledge: handlers.UnconfiguredKnowledge{},
		Retention: retention,
	}
	c := cfg.Collaborators
	if c.CaseServiceURL != "" {
		deps.Cases = handlers.NewRemoteCases(handlers.NewRemoteClient(c.CaseServiceURL, c.Timeout))
	} else {
		logger.Log.Warn().Msg("Case service URL not set. Case cleanup runs as a no-op.")
	}
	if c.KnowledgeServiceURL != "" {
		deps.Knowledge = handlers.NewRemoteKnowledge(handlers.NewRemoteClient(c.KnowledgeServiceURL, c.Timeout))
	} else {
		logger.Log.Warn().Msg("Knowledge service URL not set. Knowledge tasks will fail.")
	}
	return deps, nil
}
