package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/faultmaven/jobworker/pkg/logger"
	"github.com/faultmaven/jobworker/pkg/tasks"
)

// ErrNotConfigured is returned by collaborators that have no backing service.
var ErrNotConfigured = errors.New("collaborator service not configured")

// PlaceholderCases stands in when no case service URL is configured. Cleanups
// report zero affected cases so the nightly schedule stays green.
type PlaceholderCases struct{}

func (PlaceholderCases) CleanupOldCases(_ context.Context, cutoff time.Time, action RetentionAction) (int, error) {
	logger.Log.Info().Time("cutoff", cutoff).Str("action", string(action)).Msg("No case service configured, nothing cleaned")
	return 0, nil
}

func (PlaceholderCases) CleanupCaseEvidence(_ context.Context, cutoff time.Time) (int, error) {
	logger.Log.Info().Time("cutoff", cutoff).Msg("No case service configured, no evidence cleaned")
	return 0, nil
}

func (PlaceholderCases) GeneratePostmortem(_ context.Context, caseID string) error {
	return tasks.NoRetry(ErrNotConfigured)
}

// UnconfiguredKnowledge fails every call without retry.
type UnconfiguredKnowledge struct{}

func (UnconfiguredKnowledge) IngestDocument(context.Context, Document) (int, error) {
	return 0, tasks.NoRetry(ErrNotConfigured)
}

func (UnconfiguredKnowledge) UpdateEmbeddings(context.Context, string) error {
	return tasks.NoRetry(ErrNotConfigured)
}
