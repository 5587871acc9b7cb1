package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/faultmaven/jobworker/pkg/registry"
	"github.com/faultmaven/jobworker/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCases struct {
	cutoff     time.Time
	action     RetentionAction
	postmortem string
	count      int
	err        error
}

func (f *fakeCases) CleanupOldCases(_ context.Context, cutoff time.Time, action RetentionAction) (int, error) {
	f.cutoff, f.action = cutoff, action
	return f.count, f.err
}

func (f *fakeCases) CleanupCaseEvidence(_ context.Context, cutoff time.Time) (int, error) {
	f.cutoff = cutoff
	return f.count, f.err
}

func (f *fakeCases) GeneratePostmortem(_ context.Context, caseID string) error {
	f.postmortem = caseID
	return f.err
}

type fakeKnowledge struct {
	doc        Document
	collection string
	chunks     int
	err        error
}

func (f *fakeKnowledge) IngestDocument(_ context.Context, doc Document) (int, error) {
	f.doc = doc
	return f.chunks, f.err
}

func (f *fakeKnowledge) UpdateEmbeddings(_ context.Context, collection string) error {
	f.collection = collection
	return f.err
}

var fixedNow = time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T, d Deps) *registry.Registry {
	t.Helper()
	d.Now = func() time.Time { return fixedNow }
	reg := registry.New()
	require.NoError(t, Register(reg, Definitions(d), nil))
	return reg
}

func run(t *testing.T, reg *registry.Registry, name string, payload tasks.Payload) (tasks.Payload, error) {
	t.Helper()
	h, _, err := reg.Lookup(name)
	require.NoError(t, err)
	return h.Handle(context.Background(), payload)
}

func TestDefinitionsPolicies(t *testing.T) {
	reg := newRegistry(t, Deps{})
	assert.Equal(t, []string{
		TaskCleanupCaseEvidence,
		TaskCleanupOldCases,
		TaskGeneratePostmortem,
		TaskIngestDocument,
		TaskUpdateEmbeddings,
	}, reg.Names())

	_, p, err := reg.Lookup(TaskIngestDocument)
	require.NoError(t, err)
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 60*time.Second, p.BaseBackoff)
	assert.Equal(t, 3600*time.Second, p.HardTimeLimit)
	assert.Equal(t, 3300*time.Second, p.SoftTimeLimit)

	_, p, err = reg.Lookup(TaskUpdateEmbeddings)
	require.NoError(t, err)
	assert.Equal(t, 1, p.MaxAttempts)
}

func TestRegisterAppliesTuning(t *testing.T) {
	reg := registry.New()
	err := Register(reg, Definitions(Deps{}), func(name string, p registry.Policy) registry.Policy {
		if name == TaskIngestDocument {
			p.MaxAttempts = 6
		}
		return p
	})
	require.NoError(t, err)

	_, p, err := reg.Lookup(TaskIngestDocument)
	require.NoError(t, err)
	assert.Equal(t, 6, p.MaxAttempts)

	// A second registration of the same catalogue is a configuration error.
	var cfgErr *tasks.ConfigurationError
	assert.ErrorAs(t, Register(reg, Definitions(Deps{}), nil), &cfgErr)
}

func TestCleanupOldCases(t *testing.T) {
	cases := &fakeCases{count: 7}
	reg := newRegistry(t, Deps{Cases: cases, Retention: RetentionDelete})

	out, err := run(t, reg, TaskCleanupOldCases, tasks.Payload{})
	require.NoError(t, err)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, 7, out["deleted_count"])
	assert.Equal(t, "delete", out["action"])
	assert.Equal(t, "2025-03-03T02:00:00Z", out["cutoff_date"])
	assert.Equal(t, fixedNow.AddDate(0, 0, -90), cases.cutoff)
	assert.Equal(t, RetentionDelete, cases.action)

	// JSON numbers arrive as float64.
	_, err = run(t, reg, TaskCleanupOldCases, tasks.Payload{"days_threshold": float64(10)})
	require.NoError(t, err)
	assert.Equal(t, fixedNow.AddDate(0, 0, -10), cases.cutoff)
}

func TestCleanupCaseEvidenceDefaultThreshold(t *testing.T) {
	cases := &fakeCases{}
	reg := newRegistry(t, Deps{Cases: cases})

	out, err := run(t, reg, TaskCleanupCaseEvidence, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out["deleted_count"])
	assert.Equal(t, fixedNow.AddDate(0, 0, -30), cases.cutoff)
}

func TestInvalidPayloadIsNotRetried(t *testing.T) {
	reg := newRegistry(t, Deps{Cases: &fakeCases{}, Knowledge: &fakeKnowledge{}})

	tests := []struct {
		name    string
		task    string
		payload tasks.Payload
	}{
		{"negative threshold", TaskCleanupOldCases, tasks.Payload{"days_threshold": -1}},
		{"threshold not a number", TaskCleanupOldCases, tasks.Payload{"days_threshold": "soon"}},
		{"missing case id", TaskGeneratePostmortem, tasks.Payload{}},
		{"missing document fields", TaskIngestDocument, tasks.Payload{"document_id": "d1"}},
		{"missing document type", TaskIngestDocument, tasks.Payload{
			"document_id": "d1", "content": "c", "title": "t",
		}},
		{"missing collection", TaskUpdateEmbeddings, tasks.Payload{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, reg, tt.task, tt.payload)
			require.Error(t, err)
			assert.True(t, tasks.IsNoRetry(err), "got %v", err)
		})
	}
}

func TestGeneratePostmortem(t *testing.T) {
	cases := &fakeCases{}
	reg := newRegistry(t, Deps{Cases: cases})

	out, err := run(t, reg, TaskGeneratePostmortem, tasks.Payload{"case_id": "case-42"})
	require.NoError(t, err)
	assert.Equal(t, "case-42", cases.postmortem)
	assert.Equal(t, true, out["postmortem_generated"])

	cases.err = errors.New("agent service unavailable")
	_, err = run(t, reg, TaskGeneratePostmortem, tasks.Payload{"case_id": "case-42"})
	require.Error(t, err)
	assert.False(t, tasks.IsNoRetry(err), "collaborator failures are retried")
}

func TestIngestDocument(t *testing.T) {
	kb := &fakeKnowledge{chunks: 12}
	reg := newRegistry(t, Deps{Knowledge: kb})

	out, err := run(t, reg, TaskIngestDocument, tasks.Payload{
		"document_id":   "doc-1",
		"content":       "restart the pod",
		"title":         "Runbook",
		"document_type": "playbook",
		"tags":          []any{"k8s", "oncall"},
	})
	require.NoError(t, err)
	assert.Equal(t, 12, out["chunks_created"])
	assert.Equal(t, "doc-1", out["document_id"])
	assert.Equal(t, []string{"k8s", "oncall"}, kb.doc.Tags)
	assert.Equal(t, "Runbook", kb.doc.Title)

	// The knowledge service owns the set of document types.
	_, err = run(t, reg, TaskIngestDocument, tasks.Payload{
		"document_id":   "doc-2",
		"content":       "timeline",
		"title":         "Incident review",
		"document_type": "postmortem_summary",
	})
	require.NoError(t, err)
	assert.Equal(t, "postmortem_summary", kb.doc.DocumentType)
}

func TestUpdateEmbeddings(t *testing.T) {
	kb := &fakeKnowledge{}
	reg := newRegistry(t, Deps{Knowledge: kb})

	out, err := run(t, reg, TaskUpdateEmbeddings, tasks.Payload{"collection_name": "runbooks"})
	require.NoError(t, err)
	assert.Equal(t, "runbooks", kb.collection)
	assert.Equal(t, "runbooks", out["collection_name"])
}

func TestUnconfiguredCollaborators(t *testing.T) {
	reg := newRegistry(t, Deps{})

	out, err := run(t, reg, TaskCleanupOldCases, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out["deleted_count"])
	assert.Equal(t, "archive", out["action"])

	_, err = run(t, reg, TaskUpdateEmbeddings, tasks.Payload{"collection_name": "runbooks"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.True(t, tasks.IsNoRetry(err))
}

func TestParseRetentionAction(t *testing.T) {
	for in, want := range map[string]RetentionAction{"": RetentionArchive, "Archive": RetentionArchive, " delete ": RetentionDelete} {
		got, err := ParseRetentionAction(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseRetentionAction("shred")
	assert.Error(t, err)
}
