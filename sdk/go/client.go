package livestorysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal livestory HTTP API client bound to one project.
type Client struct {
	BaseURL     string
	ProjectID   string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v1.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

type Phase struct {
	ProjectID string         `json:"project_id"`
	Phase     int            `json:"phase"`
	Name      string         `json:"name"`
	Title     string         `json:"title"`
	Version   int64          `json:"version"`
	Content   map[string]any `json:"content"`
	UpdatedAt time.Time      `json:"updated_at"`
	UpdatedBy string         `json:"updated_by"`
}

type FieldChange struct {
	Field      string  `json:"field"`
	Before     string  `json:"before"`
	After      string  `json:"after"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

type PhaseImpact struct {
	Phase          int      `json:"phase"`
	AffectedFields []string `json:"affected_fields"`
	RiskLevel      string   `json:"risk_level"`
}

type Preview struct {
	ChangeID string        `json:"change_id"`
	Phase    int           `json:"phase"`
	Changes  []FieldChange `json:"changes"`
	Impact   []PhaseImpact `json:"impact"`
}

// Change is a proposed or resolved single-field change.
type Change struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Phase          int        `json:"phase"`
	PhaseName      string     `json:"phase_name"`
	Type           string     `json:"type"`
	Field          string     `json:"field"`
	OldValue       string     `json:"old_value"`
	NewValue       string     `json:"new_value"`
	Reason         string     `json:"reason"`
	AffectedPhases []int      `json:"affected_phases"`
	Status         string     `json:"status"`
	Timestamp      time.Time  `json:"timestamp"`
	SourcePhase    int        `json:"source_phase"`
	SourceVersion  int64      `json:"source_version"`
	AppliedAt      *time.Time `json:"applied_at,omitempty"`
	Resolution     string     `json:"resolution,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	UndoOf         string     `json:"undo_of,omitempty"`
	UndoneBy       string     `json:"undone_by,omitempty"`
	Preview        *Preview   `json:"preview,omitempty"`
}

type Propagation struct {
	Proposed      []Change `json:"proposed"`
	Duplicates    []string `json:"duplicates"`
	Stale         []string `json:"stale"`
	AnalysisError string   `json:"analysis_error,omitempty"`
}

// CommitResult is returned by CommitPhase and Repropagate.
type CommitResult struct {
	Phase         Phase       `json:"phase"`
	ChangedFields []string    `json:"changed_fields"`
	ManualChanges []Change    `json:"manual_changes"`
	Propagation   Propagation `json:"propagation"`
}

type BatchResult struct {
	ChangeID   string `json:"change_id"`
	Field      string `json:"field"`
	Phase      int    `json:"phase"`
	Status     string `json:"status"`
	Resolution string `json:"resolution,omitempty"`
	Error      string `json:"error,omitempty"`
}

type UndoResult struct {
	Undone   Change `json:"undone"`
	Reversal Change `json:"reversal"`
}

// Summary is the pending-change notification for a project.
type Summary struct {
	ProjectID       string         `json:"project_id"`
	Pending         int            `json:"pending"`
	ByPhase         map[string]int `json:"by_phase"`
	Previews        []Preview      `json:"previews"`
	OldestPendingAt *time.Time     `json:"oldest_pending_at,omitempty"`
	Digest          string         `json:"digest"`
	Seq             int64          `json:"seq"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedChanges wraps change listings with a cursor.
type PaginatedChanges struct {
	Items      []Change `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsStale reports whether err is a rejected accept or undo because the
// field moved on since the change was made.
func IsStale(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "stale_change"
}

// CommitPhase stores new content for a phase. content must match the
// phase's shape.
func (c *Client) CommitPhase(ctx context.Context, phase string, content any) (CommitResult, error) {
	var resp CommitResult
	err := c.do(ctx, http.MethodPost, c.projectPath("phases/"+url.PathEscape(phase)), map[string]any{"content": content}, &resp)
	return resp, err
}

func (c *Client) GetPhase(ctx context.Context, phase string) (Phase, error) {
	var resp Phase
	err := c.do(ctx, http.MethodGet, c.projectPath("phases/"+url.PathEscape(phase)), nil, &resp)
	return resp, err
}

// Repropagate re-runs propagation for the latest edit of a phase.
func (c *Client) Repropagate(ctx context.Context, phase string) (CommitResult, error) {
	var resp CommitResult
	err := c.do(ctx, http.MethodPost, c.projectPath("phases/"+url.PathEscape(phase)+"/repropagate"), nil, &resp)
	return resp, err
}

// Pending lists pending changes, oldest first.
func (c *Client) Pending(ctx context.Context) ([]Change, error) {
	var resp PaginatedChanges
	err := c.do(ctx, http.MethodGet, c.projectPath("changes?state=pending"), nil, &resp)
	return resp.Items, err
}

// History returns one page of resolved changes, newest first.
func (c *Client) History(ctx context.Context, limit int, cursor string) (PaginatedChanges, error) {
	q := url.Values{"state": {"history"}}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedChanges
	err := c.do(ctx, http.MethodGet, c.projectPath("changes?"+q.Encode()), nil, &resp)
	return resp, err
}

func (c *Client) GetChange(ctx context.Context, id string) (Change, error) {
	var resp Change
	err := c.do(ctx, http.MethodGet, c.projectPath("changes/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Accept applies a pending change. A stale change comes back as an
// *APIError for which IsStale is true.
func (c *Client) Accept(ctx context.Context, id string) (Change, error) {
	return c.resolve(ctx, id, "accept")
}

func (c *Client) Reject(ctx context.Context, id string) (Change, error) {
	return c.resolve(ctx, id, "reject")
}

func (c *Client) Undo(ctx context.Context, id string) (UndoResult, error) {
	var resp UndoResult
	err := c.do(ctx, http.MethodPost, c.projectPath("changes/"+url.PathEscape(id)+"/undo"), nil, &resp)
	return resp, err
}

func (c *Client) AcceptAll(ctx context.Context) ([]BatchResult, error) {
	return c.batch(ctx, "accept-all")
}

func (c *Client) RejectAll(ctx context.Context) ([]BatchResult, error) {
	return c.batch(ctx, "reject-all")
}

// Summary returns the notification summary with up to previews previews.
func (c *Client) Summary(ctx context.Context, previews int) (Summary, error) {
	endpoint := c.projectPath("notifications")
	if previews > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, previews)
	}
	var resp Summary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
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
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) resolve(ctx context.Context, id, verb string) (Change, error) {
	var resp Change
	err := c.do(ctx, http.MethodPost, c.projectPath("changes/"+url.PathEscape(id)+"/"+verb), nil, &resp)
	return resp, err
}

func (c *Client) batch(ctx context.Context, verb string) ([]BatchResult, error) {
	var resp struct {
		Results []BatchResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath("changes/"+verb), nil, &resp)
	return resp.Results, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
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
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
