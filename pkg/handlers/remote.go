package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/faultmaven/jobworker/pkg/tasks"
)

// RemoteClient posts JSON to a collaborator service.
//
// Status handling:
//   - 2xx: success, body decoded into the response
//   - 429: retryable, honouring Retry-After when present
//   - other 4xx: the request itself is wrong, not retried
//   - 5xx and transport errors: retryable
type RemoteClient struct {
	base string
	http *http.Client
}

// NewRemoteClient targets baseURL (e.g. "http://case-service:8000").
func NewRemoteClient(baseURL string, timeout time.Duration) *RemoteClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *RemoteClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return tasks.NoRetry(fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return tasks.NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("POST %s: %s: %s", path, resp.Status, bytes.TrimSpace(msg))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if after, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
				return tasks.RetryAfter(err, after)
			}
			return err
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return tasks.NoRetry(err)
		}
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("POST %s: decode response: %w", path, err)
	}
	return nil
}

func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if sec, err := strconv.Atoi(v); err == nil && sec >= 0 {
		return time.Duration(sec) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0), true
	}
	return 0, false
}

// RemoteCases is a CaseService reached over HTTP.
type RemoteCases struct{ c *RemoteClient }

func NewRemoteCases(c *RemoteClient) *RemoteCases { return &RemoteCases{c: c} }

type cleanupRequest struct {
	Cutoff time.Time       `json:"cutoff"`
	Action RetentionAction `json:"action,omitempty"`
}

type countResponse struct {
	Count int `json:"count"`
}

func (r *RemoteCases) CleanupOldCases(ctx context.Context, cutoff time.Time, action RetentionAction) (int, error) {
	var out countResponse
	err := r.c.post(ctx, "/api/v1/jobs/cases/cleanup", cleanupRequest{Cutoff: cutoff, Action: action}, &out)
	return out.Count, err
}

func (r *RemoteCases) CleanupCaseEvidence(ctx context.Context, cutoff time.Time) (int, error) {
	var out countResponse
	err := r.c.post(ctx, "/api/v1/jobs/cases/evidence/cleanup", cleanupRequest{Cutoff: cutoff}, &out)
	return out.Count, err
}

func (r *RemoteCases) GeneratePostmortem(ctx context.Context, caseID string) error {
	return r.c.post(ctx, "/api/v1/jobs/cases/"+url.PathEscape(caseID)+"/postmortem", struct{}{}, nil)
}

// RemoteKnowledge is a KnowledgeService reached over HTTP.
type RemoteKnowledge struct{ c *RemoteClient }

func NewRemoteKnowledge(c *RemoteClient) *RemoteKnowledge { return &RemoteKnowledge{c: c} }

func (r *RemoteKnowledge) IngestDocument(ctx context.Context, doc Document) (int, error) {
	var out struct {
		ChunksCreated int `json:"chunks_created"`
	}
	err := r.c.post(ctx, "/api/v1/jobs/knowledge/documents", doc, &out)
	return out.ChunksCreated, err
}

func (r *RemoteKnowledge) UpdateEmbeddings(ctx context.Context, collection string) error {
	return r.c.post(ctx, "/api/v1/jobs/knowledge/collections/"+url.PathEscape(collection)+"/embeddings", struct{}{}, nil)
}
