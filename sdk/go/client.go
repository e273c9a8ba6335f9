package taskforcesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskforce HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Mission is the API mission model.
type Mission struct {
	ID            string  `json:"id"`
	Objective     string  `json:"objective"`
	Deadline      *string `json:"deadline,omitempty"`
	Priority      *string `json:"priority,omitempty"`
	Context       *string `json:"context,omitempty"`
	Source        string  `json:"source"`
	SourceEventID string  `json:"source_event_id"`
	Status        string  `json:"status"`
	PageID        *string `json:"page_id,omitempty"`
	MessageID     *string `json:"message_id,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type Brief struct {
	ID        string `json:"id"`
	AgentKey  string `json:"agent_key"`
	Content   string `json:"content_json"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type Deliverable struct {
	ID        string `json:"id"`
	BriefID   string `json:"brief_id"`
	AgentKey  string `json:"agent_key"`
	Output    string `json:"output"`
	CreatedAt string `json:"created_at"`
}

type Report struct {
	Summary      string `json:"summary"`
	BodyMarkdown string `json:"body_markdown"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// MissionDetail is the full mission view with briefs, deliverables,
// progress and the report when one exists.
type MissionDetail struct {
	Mission      Mission       `json:"mission"`
	Briefs       []Brief       `json:"briefs"`
	Deliverables []Deliverable `json:"deliverables"`
	Report       *Report       `json:"report,omitempty"`
	Progress     Progress      `json:"progress"`
}

type SubmitMissionResult struct {
	Mission   Mission `json:"mission"`
	Duplicate bool    `json:"duplicate"`
}

type Job struct {
	ID          int64   `json:"id"`
	Stage       string  `json:"stage"`
	PayloadJSON string  `json:"payload_json"`
	Status      string  `json:"status"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	LastError   *string `json:"last_error,omitempty"`
	DeadAt      *string `json:"dead_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// PaginatedMissions wraps list responses with cursors.
type PaginatedMissions struct {
	Items      []Mission `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// SubmitMissionRequest is the intake payload. SourceEventID is the dedup
// key: submitting the same event twice returns the original mission.
type SubmitMissionRequest struct {
	Objective     string  `json:"objective"`
	Deadline      *string `json:"deadline,omitempty"`
	Priority      *string `json:"priority,omitempty"`
	Context       *string `json:"context,omitempty"`
	Source        string  `json:"source,omitempty"`
	SourceEventID string  `json:"source_event_id,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitMission submits a mission for processing.
func (c *Client) SubmitMission(ctx context.Context, req SubmitMissionRequest) (SubmitMissionResult, error) {
	var resp SubmitMissionResult
	err := c.do(ctx, http.MethodPost, "v1/missions", req, &resp)
	return resp, err
}

// Mission fetches a mission with briefs, deliverables and report.
func (c *Client) Mission(ctx context.Context, id string) (MissionDetail, error) {
	var resp MissionDetail
	err := c.do(ctx, http.MethodGet, "v1/missions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Missions returns a page of missions, optionally filtered by status.
func (c *Client) Missions(ctx context.Context, status string, limit int, cursor string) (PaginatedMissions, error) {
	endpoint := "v1/missions"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedMissions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RegenerateReport queues a report rebuild from the stored deliverables.
func (c *Client) RegenerateReport(ctx context.Context, missionID string) error {
	return c.do(ctx, http.MethodPost, "v1/missions/"+url.PathEscape(missionID)+"/report/regenerate", nil, nil)
}

// DeadJobs lists dead-lettered jobs.
func (c *Client) DeadJobs(ctx context.Context, limit int) ([]Job, error) {
	endpoint := "v1/jobs/dead"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RetryJob requeues a dead-lettered job.
func (c *Client) RetryJob(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("v1/jobs/%d/retry", id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
