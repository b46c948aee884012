package operaflowsdk

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

// Client is a minimal Operaflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID           string   `json:"id"`
	ParentID     *string  `json:"parent_id,omitempty"`
	Level        int      `json:"level"`
	OrderIndex   int      `json:"order_index"`
	Title        string   `json:"title"`
	Status       string   `json:"status"`
	PlannedStart string   `json:"planned_start,omitempty"`
	PlannedEnd   string   `json:"planned_end,omitempty"`
	PlannedHours float64  `json:"planned_hours"`
	IsMilestone  bool     `json:"is_milestone"`
	IsUmbrella   bool     `json:"is_umbrella"`
	ResourceIDs  []string `json:"assigned_resource_ids"`
	Version      int      `json:"version"`
}

// NewTask are the fields accepted on task creation.
type NewTask struct {
	ParentID     *string `json:"parent_id,omitempty"`
	Title        string  `json:"title"`
	PlannedStart *string `json:"planned_start,omitempty"`
	PlannedEnd   *string `json:"planned_end,omitempty"`
	PlannedHours float64 `json:"planned_hours,omitempty"`
	IsMilestone  bool    `json:"is_milestone,omitempty"`
}

// Assignment binds a resource to a task.
type Assignment struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	ResourceID    string  `json:"resource_id"`
	Role          string  `json:"role"`
	Start         string  `json:"start"`
	End           string  `json:"end"`
	Hours         float64 `json:"hours"`
	Provenance    string  `json:"provenance"`
	ProvisionalID *string `json:"provisional_id,omitempty"`
}

// Provisional is a substitution awaiting a decision.
type Provisional struct {
	ID           string   `json:"id"`
	TaskID       string   `json:"task_id"`
	ResourceID   string   `json:"resource_id"`
	ActingRole   string   `json:"acting_role"`
	Start        string   `json:"start"`
	End          string   `json:"end"`
	Hours        float64  `json:"hours"`
	PenaltyScore float64  `json:"penalty_score"`
	Status       string   `json:"status"`
	ExpiresAt    string   `json:"expires_at"`
	OverlapsWith []string `json:"overlaps_with,omitempty"`
}

// ProvisionalRequest asks for a substitution under a rule.
type ProvisionalRequest struct {
	TaskID     string  `json:"task_id"`
	ResourceID string  `json:"resource_id"`
	ActingRole string  `json:"acting_role"`
	Start      string  `json:"start"`
	End        string  `json:"end"`
	Hours      float64 `json:"hours,omitempty"`
	RuleID     string  `json:"rule_id,omitempty"`
}

// Decision is returned by Decide; Assignment is set on approval.
type Decision struct {
	Provisional Provisional `json:"provisional"`
	Assignment  *Assignment `json:"assignment,omitempty"`
}

// Conflict is a detected resource conflict.
type Conflict struct {
	ID         string         `json:"id"`
	ResourceID string         `json:"resource_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	Details    map[string]any `json:"details,omitempty"`
	Resolved   bool           `json:"resolved"`
}

// DetectionReport summarizes a detection run.
type DetectionReport struct {
	AsOf      string     `json:"as_of"`
	Conflicts []Conflict `json:"conflicts"`
	Created   int        `json:"created"`
	Updated   int        `json:"updated"`
	Cleared   int        `json:"cleared"`
}

// Declaration is the planning structure created from a contract.
type Declaration struct {
	Contract struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"contract"`
	Umbrella   Task   `json:"umbrella"`
	Milestones []Task `json:"milestones"`
}

// Summary reports fill and completion rates of an umbrella task.
type Summary struct {
	ContractID     string  `json:"contract_id"`
	UmbrellaTaskID string  `json:"umbrella_task_id"`
	RealizedHours  float64 `json:"realized_hours"`
	RealizedAmount string  `json:"realized_amount"`
	FillRate       float64 `json:"fill_rate"`
	CompletionRate float64 `json:"completion_rate"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the error envelope code when the
// body carries one.
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

// DevLogin exchanges an actor id and roles for a token on servers started
// with dev auth, and keeps the token for later calls.
func (c *Client) DevLogin(ctx context.Context, actorID string, roles ...string) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"actor_id": actorID, "roles": roles}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", t, &resp)
	return resp, err
}

// MoveTask re-parents a task; an empty parentID moves it to the roots.
func (c *Client) MoveTask(ctx context.Context, id, parentID string, index int) (Task, error) {
	body := map[string]any{"index": index}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/move", url.PathEscape(id)), body, &resp)
	return resp, err
}

// DeleteTask removes a task, and its subtree when cascade is set.
func (c *Client) DeleteTask(ctx context.Context, id string, cascade bool) ([]string, error) {
	var resp struct {
		Deleted []string `json:"deleted"`
	}
	endpoint := fmt.Sprintf("tasks/%s?cascade=%t", url.PathEscape(id), cascade)
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp.Deleted, err
}

// Tree returns the tasks under rootID depth first (all roots when empty).
func (c *Client) Tree(ctx context.Context, rootID string) ([]Task, error) {
	endpoint := "tasks/tree"
	if rootID != "" {
		endpoint += "?root_id=" + url.QueryEscape(rootID)
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// RequestProvisional submits a substitution request.
func (c *Client) RequestProvisional(ctx context.Context, req ProvisionalRequest) (Provisional, error) {
	var resp Provisional
	err := c.do(ctx, http.MethodPost, "provisional-assignments", req, &resp)
	return resp, err
}

// Decide approves or rejects a pending request.
func (c *Client) Decide(ctx context.Context, id string, approve bool) (Decision, error) {
	var resp Decision
	endpoint := fmt.Sprintf("provisional-assignments/%s/decision", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"approve": approve}, &resp)
	return resp, err
}

// DetectConflicts runs detection as of a date (today when empty).
func (c *Client) DetectConflicts(ctx context.Context, asOf string) (DetectionReport, error) {
	body := map[string]any{}
	if asOf != "" {
		body["as_of"] = asOf
	}
	var resp DetectionReport
	err := c.do(ctx, http.MethodPost, "conflicts/detect", body, &resp)
	return resp, err
}

// ResolveConflict marks a conflict resolved.
func (c *Client) ResolveConflict(ctx context.Context, id string) (Conflict, error) {
	var resp Conflict
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("conflicts/%s/resolve", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// DeclareContract declares a unit-priced contract into planning.
func (c *Client) DeclareContract(ctx context.Context, id, start, end string) (Declaration, error) {
	var resp Declaration
	body := map[string]any{"start": start, "end": end}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("contracts/%s/declare", url.PathEscape(id)), body, &resp)
	return resp, err
}

// ContractSummary returns the umbrella rates of a declared contract.
func (c *Client) ContractSummary(ctx context.Context, id string) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("contracts/%s/summary", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
