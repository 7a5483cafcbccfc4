package processlinesdk

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

// Client is a minimal Processline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	TraceID     string
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

// Entity is the API entity model.
type Entity struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	Attributes map[string]any `json:"attributes,omitempty"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

// Details is an entity snapshot with computed properties.
type Details struct {
	Entity   Entity         `json:"entity"`
	Computed map[string]any `json:"computed"`
}

// HistoryEntry is one append-only history row.
type HistoryEntry struct {
	ID         int64  `json:"id"`
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
	Seq        int64  `json:"seq"`
	Command    string `json:"command"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	TS         string `json:"ts"`
}

// TimelineEntry is one chronological step, past or projected.
type TimelineEntry struct {
	Kind       string         `json:"kind"`
	TS         string         `json:"ts"`
	Label      string         `json:"label"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// DispatchResult is the outcome of a process invocation.
type DispatchResult struct {
	Process string `json:"process"`
	Variant string `json:"variant"`
	TraceID string `json:"trace_id"`
	Result  any    `json:"result,omitempty"`
}

// Delivery is one recorded event delivery attempt.
type Delivery struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
	TraceID    string `json:"trace_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	TS         string `json:"ts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Dispatch invokes a business process.
func (c *Client) Dispatch(ctx context.Context, process string, callerCtx, input map[string]any) (DispatchResult, error) {
	body := map[string]any{
		"process": process,
		"context": callerCtx,
		"input":   input,
	}
	var resp DispatchResult
	err := c.do(ctx, http.MethodPost, "v0/dispatch", body, &resp)
	return resp, err
}

// Execute runs an intent-named command against an entity. Pass an empty id
// for creating commands.
func (c *Client) Execute(ctx context.Context, entityType, id, command string, payload map[string]any) (Entity, error) {
	endpoint := fmt.Sprintf("v0/entities/%s/commands/%s", url.PathEscape(entityType), url.PathEscape(command))
	if id != "" {
		endpoint = fmt.Sprintf("v0/entities/%s/%s/commands/%s", url.PathEscape(entityType), url.PathEscape(id), url.PathEscape(command))
	}
	var resp Entity
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"payload": payload}, &resp)
	return resp, err
}

// GetDetails fetches an entity snapshot with computed properties.
func (c *Client) GetDetails(ctx context.Context, entityType, id string) (Details, error) {
	var resp Details
	endpoint := fmt.Sprintf("v0/entities/%s/%s", url.PathEscape(entityType), url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns the append-only command history for an entity.
func (c *Client) History(ctx context.Context, entityType, id string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	endpoint := fmt.Sprintf("v0/entities/%s/%s/history", url.PathEscape(entityType), url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Timeline returns history plus projections. Hypothetical terms are optional.
func (c *Client) Timeline(ctx context.Context, entityType, id string, terms map[string]any) ([]TimelineEntry, error) {
	endpoint := fmt.Sprintf("v0/entities/%s/%s/timeline", url.PathEscape(entityType), url.PathEscape(id))
	if terms != nil {
		data, err := json.Marshal(terms)
		if err != nil {
			return nil, err
		}
		endpoint = fmt.Sprintf("%s?terms=%s", endpoint, url.QueryEscape(string(data)))
	}
	var resp []TimelineEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Deliveries returns recent event delivery attempts.
func (c *Client) Deliveries(ctx context.Context, status string, limit int) ([]Delivery, error) {
	endpoint := "v0/events/deliveries"
	sep := "?"
	if status != "" {
		endpoint = fmt.Sprintf("%s%sstatus=%s", endpoint, sep, url.QueryEscape(status))
		sep = "&"
	}
	if limit > 0 {
		endpoint = fmt.Sprintf("%s%slimit=%d", endpoint, sep, limit)
	}
	var resp []Delivery
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RecordOutcome reports a variant outcome for adaptive routing.
func (c *Client) RecordOutcome(ctx context.Context, process, variant string, success bool) error {
	endpoint := fmt.Sprintf("v0/processes/%s/outcomes", url.PathEscape(process))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"variant": variant, "success": success}, nil)
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
	} else if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	if c.TraceID != "" {
		req.Header.Set("X-Trace-Id", c.TraceID)
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
