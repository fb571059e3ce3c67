package soplinesdk

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

// Client is a minimal Sopline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set. The server must
	// allow the header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Version int64  `json:"version"`
}

// Step represents the API step model (partial).
type Step struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Title      string `json:"title"`
	Position   int    `json:"position"`
	IsRequired bool   `json:"is_required"`
}

// Execution represents one run of a project's steps.
type Execution struct {
	ID                  string     `json:"id"`
	ProjectID           string     `json:"project_id"`
	ActorID             string     `json:"actor_id"`
	Status              string     `json:"status"`
	CurrentStepID       *string    `json:"current_step_id,omitempty"`
	CurrentStepPosition *int       `json:"current_step_position"`
	TotalSteps          int        `json:"total_steps"`
	CompletedSteps      int        `json:"completed_steps"`
	Progress            int        `json:"progress"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	EscalationLevel     int        `json:"escalation_level"`
	RetryCount          int        `json:"retry_count"`
	Retryable           bool       `json:"retryable"`
	FailureReason       string     `json:"failure_reason,omitempty"`
	Version             int64      `json:"version"`
}

// AuditEntry is one immutable audit row.
type AuditEntry struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Action        string          `json:"action"`
	ActorID       string          `json:"actor_id"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	Description   string          `json:"description,omitempty"`
	IntegrityHash string          `json:"integrity_hash"`
	CreatedAt     time.Time       `json:"created_at"`
}

// APIError wraps non-2xx responses. Code is the error envelope code when the
// body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedExecutions wraps list responses with cursors.
type PaginatedExecutions struct {
	Items      []Execution `json:"items"`
	NextCursor string      `json:"next_cursor"`
}

// PaginatedAudit wraps audit history pages.
type PaginatedAudit struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// TransitionOptions are the optional fields of a transition request.
type TransitionOptions struct {
	Reason           string `json:"reason,omitempty"`
	ExpectedVersion  int64  `json:"expected_version,omitempty"`
	ExpectedPosition int    `json:"expected_position,omitempty"`
	Override         bool   `json:"override,omitempty"`
}

// StepOptions guard a complete-step call. When both are zero the client reads
// the execution and pins the call to its current step position.
type StepOptions struct {
	ExpectedVersion  int64
	ExpectedPosition int
}

// CreateProject creates a draft project.
func (c *Client) CreateProject(ctx context.Context, title string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", map[string]any{"title": title}, &resp)
	return resp, err
}

// AddStep appends a step to a project.
func (c *Client) AddStep(ctx context.Context, projectID, title string, optional bool) (Step, error) {
	body := map[string]any{"title": title, "optional": optional}
	var resp Step
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/projects/%s/steps", url.PathEscape(projectID)), body, &resp)
	return resp, err
}

// StartExecution starts a run of the project's steps.
func (c *Client) StartExecution(ctx context.Context, projectID string, metadata map[string]any) (Execution, error) {
	body := map[string]any{"project_id": projectID}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var resp Execution
	err := c.do(ctx, http.MethodPost, "v0/executions", body, &resp)
	return resp, err
}

func (c *Client) GetExecution(ctx context.Context, id string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodGet, c.executionPath(id, ""), nil, &resp)
	return resp, err
}

// ListExecutions returns one page of a project's executions, newest first.
func (c *Client) ListExecutions(ctx context.Context, projectID, status string, limit int, cursor string) (PaginatedExecutions, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/executions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedExecutions
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CompleteStep completes the current step. output may be nil. Two callers
// completing the same step get one success and one 409.
func (c *Client) CompleteStep(ctx context.Context, id string, output any, opts StepOptions) (Execution, error) {
	if opts.ExpectedVersion == 0 && opts.ExpectedPosition == 0 {
		pos, err := c.currentPosition(ctx, id)
		if err != nil {
			return Execution{}, err
		}
		opts.ExpectedPosition = pos
	}
	body := map[string]any{}
	if output != nil {
		body["output"] = output
	}
	if opts.ExpectedVersion > 0 {
		body["expected_version"] = opts.ExpectedVersion
	}
	if opts.ExpectedPosition > 0 {
		body["expected_position"] = opts.ExpectedPosition
	}
	var resp Execution
	err := c.do(ctx, http.MethodPost, c.executionPath(id, "complete-step"), body, &resp)
	return resp, err
}

// SkipStep skips the current optional step, pinned like CompleteStep.
func (c *Client) SkipStep(ctx context.Context, id string, opts TransitionOptions) (Execution, error) {
	if opts.ExpectedVersion == 0 && opts.ExpectedPosition == 0 {
		pos, err := c.currentPosition(ctx, id)
		if err != nil {
			return Execution{}, err
		}
		opts.ExpectedPosition = pos
	}
	return c.transition(ctx, id, "skip-step", opts)
}

// currentPosition is 0 when the execution has no current step; the server
// then rejects the call by status.
func (c *Client) currentPosition(ctx context.Context, id string) (int, error) {
	ex, err := c.GetExecution(ctx, id)
	if err != nil {
		return 0, err
	}
	if ex.CurrentStepPosition == nil {
		return 0, nil
	}
	return *ex.CurrentStepPosition, nil
}

func (c *Client) Pause(ctx context.Context, id string, opts TransitionOptions) (Execution, error) {
	return c.transition(ctx, id, "pause", opts)
}

func (c *Client) Resume(ctx context.Context, id string, opts TransitionOptions) (Execution, error) {
	return c.transition(ctx, id, "resume", opts)
}

func (c *Client) Fail(ctx context.Context, id string, opts TransitionOptions) (Execution, error) {
	return c.transition(ctx, id, "fail", opts)
}

// Retry restarts a failed execution. Set opts.Override for an escalated one.
func (c *Client) Retry(ctx context.Context, id string, opts TransitionOptions) (Execution, error) {
	return c.transition(ctx, id, "retry", opts)
}

func (c *Client) Cancel(ctx context.Context, id string, opts TransitionOptions) (Execution, error) {
	return c.transition(ctx, id, "cancel", opts)
}

// AuditHistory returns one page of an entity's audit rows, oldest first.
func (c *Client) AuditHistory(ctx context.Context, entityType, entityID string, limit int, cursor string) (PaginatedAudit, error) {
	endpoint := fmt.Sprintf("v0/audit/%s/%s", url.PathEscape(entityType), url.PathEscape(entityID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedAudit
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) transition(ctx context.Context, id, name string, opts TransitionOptions) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, c.executionPath(id, name), opts, &resp)
	return resp, err
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) executionPath(id, action string) string {
	p := fmt.Sprintf("v0/executions/%s", url.PathEscape(id))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
