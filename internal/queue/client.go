// Package queue is the HTTP client for the remote job queue service.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/raphaelgruber/conduit/internal/models"
)

// ProgressUpdate is one throttled progress submission for a running
// job. Content carries partial text for chat jobs; Step/TotalSteps
// carry generation progress for image and video jobs.
type ProgressUpdate struct {
	Content    string `json:"content,omitempty"`
	Step       int    `json:"step,omitempty"`
	TotalSteps int    `json:"totalSteps,omitempty"`
}

// Client talks to the remote job queue. Poll uses long-poll semantics:
// the server may hold the request and answer "no job", which is not an
// error.
type Client struct {
	baseURL    string
	token      string
	workerName string
	httpClient *http.Client
}

// New creates a queue client. The token authenticates every request.
func New(baseURL, token, workerName string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		workerName: workerName,
		// Generous timeout: the server may hold a poll for up to a
		// minute before answering "no job".
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
}

type pollRequest struct {
	Worker string   `json:"worker"`
	Models []string `json:"models"`
}

type pollResponse struct {
	Job *models.JobRequest `json:"job"`
}

// Poll asks the queue for one job servable by the given models.
// Returns (nil, nil) when there is no work.
func (c *Client) Poll(ctx context.Context, modelIDs []string) (*models.JobRequest, error) {
	body, status, err := c.post(ctx, "/v1/jobs/poll", pollRequest{
		Worker: c.workerName,
		Models: modelIDs,
	})
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("poll failed: status %d - %s", status, truncate(body))
	}

	var pr pollResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return pr.Job, nil
}

// SubmitProgress reports partial progress for a job.
func (c *Client) SubmitProgress(ctx context.Context, jobID string, update ProgressUpdate) error {
	body, status, err := c.post(ctx, "/v1/jobs/"+jobID+"/progress", update)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("submit progress failed: status %d - %s", status, truncate(body))
	}
	return nil
}

type resultRequest struct {
	Success bool              `json:"success"`
	Result  *models.JobResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// SubmitResult reports the terminal outcome of a job. Called exactly
// once per accepted job.
func (c *Client) SubmitResult(ctx context.Context, jobID string, result models.JobResult) error {
	req := resultRequest{Success: !result.Failed()}
	if result.Failed() {
		req.Error = result.Error
	} else {
		req.Result = &result
	}

	body, status, err := c.post(ctx, "/v1/jobs/"+jobID+"/result", req)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("submit result failed: status %d - %s", status, truncate(body))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, int, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func truncate(data []byte) string {
	s := string(data)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
