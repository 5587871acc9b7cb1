package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/faultmaven/jobworker/pkg/logger"
	"github.com/faultmaven/jobworker/pkg/registry"
	"github.com/faultmaven/jobworker/pkg/tasks"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

// Task names. They match the names producers already enqueue.
const (
	TaskCleanupOldCases     = "job_worker.tasks.case_tasks.cleanup_old_cases"
	TaskCleanupCaseEvidence = "job_worker.tasks.case_tasks.cleanup_case_evidence"
	TaskGeneratePostmortem  = "job_worker.tasks.case_tasks.generate_postmortem"
	TaskIngestDocument      = "job_worker.tasks.knowledge_tasks.ingest_document"
	TaskUpdateEmbeddings    = "job_worker.tasks.knowledge_tasks.update_embeddings"
)

// Default limits applied when a task has no override.
const (
	DefaultHardTimeLimit = 3600 * time.Second
	DefaultSoftTimeLimit = 3300 * time.Second
	DefaultBaseBackoff   = 60 * time.Second
)

// Deps are the collaborators handed to the handlers.
type Deps struct {
	Cases     CaseService
	Knowledge KnowledgeService
	Retention RetentionAction
	// Now defaults to time.Now.
	Now func() time.Time
}

// Definition couples a task name with its handler and default policy.
type Definition struct {
	Name    string
	Handler registry.Handler
	Policy  registry.Policy
}

// DefaultPolicy returns the stock policy with the given number of retries.
func DefaultPolicy(retries int) registry.Policy {
	p := registry.Policy{
		HardTimeLimit: DefaultHardTimeLimit,
		SoftTimeLimit: DefaultSoftTimeLimit,
		MaxAttempts:   retries + 1,
		Priority:      tasks.PriorityDefault,
		Weight:        1,
	}
	if retries > 0 {
		p.BaseBackoff = DefaultBaseBackoff
	}
	return p
}

// Definitions lists every task this worker serves.
func Definitions(d Deps) []Definition {
	if d.Cases == nil {
		d.Cases = PlaceholderCases{}
	}
	if d.Knowledge == nil {
		d.Knowledge = UnconfiguredKnowledge{}
	}
	if d.Retention == "" {
		d.Retention = RetentionArchive
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	return []Definition{
		{TaskCleanupOldCases, cleanupOldCases(d), DefaultPolicy(0)},
		{TaskCleanupCaseEvidence, cleanupCaseEvidence(d), DefaultPolicy(0)},
		{TaskGeneratePostmortem, generatePostmortem(d), DefaultPolicy(3)},
		{TaskIngestDocument, ingestDocument(d), DefaultPolicy(3)},
		{TaskUpdateEmbeddings, updateEmbeddings(d), DefaultPolicy(0)},
	}
}

// Register adds defs to reg. tune, if non-nil, may adjust each default policy
// (configuration overrides) before registration.
func Register(reg *registry.Registry, defs []Definition, tune func(name string, p registry.Policy) registry.Policy) error {
	for _, def := range defs {
		p := def.Policy
		if tune != nil {
			p = tune(def.Name, p)
		}
		if err := reg.Register(def.Name, def.Handler, p); err != nil {
			return err
		}
		logger.Log.Debug().
			Str("task", def.Name).
			Int("max_attempts", p.MaxAttempts).
			Dur("hard_time_limit", p.HardTimeLimit).
			Msg("Task registered")
	}
	return nil
}

var validate = validator.New()

// decode fills out from payload and validates it. Both failures are permanent.
func decode(payload tasks.Payload, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return tasks.NoRetry(err)
	}
	if err := dec.Decode(map[string]any(payload)); err != nil {
		return tasks.NoRetry(fmt.Errorf("decode payload: %w", err))
	}
	if err := validate.Struct(out); err != nil {
		return tasks.NoRetry(fmt.Errorf("invalid payload: %w", err))
	}
	return nil
}

type thresholdArgs struct {
	DaysThreshold int `mapstructure:"days_threshold" validate:"gte=1"`
}

func cleanupOldCases(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, payload tasks.Payload) (tasks.Payload, error) {
		args := thresholdArgs{DaysThreshold: 90}
		if err := decode(payload, &args); err != nil {
			return nil, err
		}
		cutoff := d.Now().UTC().AddDate(0, 0, -args.DaysThreshold)
		logger.Log.Info().Int("days_threshold", args.DaysThreshold).Str("action", string(d.Retention)).Msg("Starting case cleanup")

		n, err := d.Cases.CleanupOldCases(ctx, cutoff, d.Retention)
		if err != nil {
			return nil, err
		}
		logger.Log.Info().Int("count", n).Msg("Case cleanup completed")
		return tasks.Payload{
			"status":        "completed",
			"action":        string(d.Retention),
			"deleted_count": n,
			"cutoff_date":   cutoff.Format(time.RFC3339),
		}, nil
	}
}

func cleanupCaseEvidence(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, payload tasks.Payload) (tasks.Payload, error) {
		args := thresholdArgs{DaysThreshold: 30}
		if err := decode(payload, &args); err != nil {
			return nil, err
		}
		cutoff := d.Now().UTC().AddDate(0, 0, -args.DaysThreshold)

		n, err := d.Cases.CleanupCaseEvidence(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		logger.Log.Info().Int("count", n).Msg("Case evidence cleanup completed")
		return tasks.Payload{
			"status":        "completed",
			"deleted_count": n,
			"cutoff_date":   cutoff.Format(time.RFC3339),
		}, nil
	}
}

func generatePostmortem(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, payload tasks.Payload) (tasks.Payload, error) {
		var args struct {
			CaseID string `mapstructure:"case_id" validate:"required"`
		}
		if err := decode(payload, &args); err != nil {
			return nil, err
		}
		if err := d.Cases.GeneratePostmortem(ctx, args.CaseID); err != nil {
			return nil, err
		}
		logger.Log.Info().Str("case_id", args.CaseID).Msg("Post-mortem generated")
		return tasks.Payload{
			"status":               "completed",
			"case_id":              args.CaseID,
			"postmortem_generated": true,
		}, nil
	}
}

func ingestDocument(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, payload tasks.Payload) (tasks.Payload, error) {
		var doc Document
		if err := decode(payload, &doc); err != nil {
			return nil, err
		}
		if doc.Tags == nil {
			doc.Tags = []string{}
		}
		chunks, err := d.Knowledge.IngestDocument(ctx, doc)
		if err != nil {
			return nil, err
		}
		logger.Log.Info().Str("document_id", doc.ID).Int("chunks", chunks).Msg("Document ingestion completed")
		return tasks.Payload{
			"status":         "completed",
			"document_id":    doc.ID,
			"chunks_created": chunks,
		}, nil
	}
}

func updateEmbeddings(d Deps) registry.HandlerFunc {
	return func(ctx context.Context, payload tasks.Payload) (tasks.Payload, error) {
		var args struct {
			Collection string `mapstructure:"collection_name" validate:"required"`
		}
		if err := decode(payload, &args); err != nil {
			return nil, err
		}
		if err := d.Knowledge.UpdateEmbeddings(ctx, args.Collection); err != nil {
			return nil, err
		}
		return tasks.Payload{
			"status":          "completed",
			"collection_name": args.Collection,
		}, nil
	}
}
