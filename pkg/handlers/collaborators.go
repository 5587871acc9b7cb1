// Package handlers implements the worker's tasks. Each handler decodes its payload,
// calls an external collaborator and shapes the result; the collaborators
// (case service, knowledge service) own the business logic.
package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// RetentionAction decides what cleanup does with expired cases.
type RetentionAction string

const (
	RetentionArchive RetentionAction = "archive"
	RetentionDelete  RetentionAction = "delete"
)

// ParseRetentionAction accepts "archive" (the default when empty) or "delete".
func ParseRetentionAction(s string) (RetentionAction, error) {
	switch RetentionAction(strings.ToLower(strings.TrimSpace(s))) {
	case "", RetentionArchive:
		return RetentionArchive, nil
	case RetentionDelete:
		return RetentionDelete, nil
	}
	return "", fmt.Errorf("unknown retention action %q (want archive or delete)", s)
}

// CaseService is the case-management collaborator.
type CaseService interface {
	// CleanupOldCases applies action to cases closed before cutoff and returns
	// how many were affected.
	CleanupOldCases(ctx context.Context, cutoff time.Time, action RetentionAction) (int, error)
	// CleanupCaseEvidence drops evidence collections of cases resolved or closed
	// before cutoff.
	CleanupCaseEvidence(ctx context.Context, cutoff time.Time) (int, error)
	GeneratePostmortem(ctx context.Context, caseID string) error
}

// Document is a knowledge-base upload.
type Document struct {
	ID           string   `json:"document_id" mapstructure:"document_id" validate:"required"`
	Content      string   `json:"content" mapstructure:"content" validate:"required"`
	Title        string   `json:"title" mapstructure:"title" validate:"required"`
	DocumentType string   `json:"document_type" mapstructure:"document_type" validate:"required"`
	Category     string   `json:"category,omitempty" mapstructure:"category"`
	Tags         []string `json:"tags,omitempty" mapstructure:"tags"`
	SourceURL    string   `json:"source_url,omitempty" mapstructure:"source_url" validate:"omitempty,url"`
	Description  string   `json:"description,omitempty" mapstructure:"description"`
}

// KnowledgeService is the knowledge-base collaborator.
type KnowledgeService interface {
	// IngestDocument chunks and embeds doc, returning the number of chunks.
	IngestDocument(ctx context.Context, doc Document) (int, error)
	UpdateEmbeddings(ctx context.Context, collection string) error
}
