package readylinesdk

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

// Client is a minimal Readyline HTTP API client.
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

// Warning is one readiness finding.
type Warning struct {
	Severity            string   `json:"severity"`
	Category            string   `json:"category"`
	Title               string   `json:"title"`
	Message             string   `json:"message"`
	AffectedTasks       []string `json:"affected_tasks,omitempty"`
	SuggestedAction     string   `json:"suggested_action,omitempty"`
	EstimatedDelayHours *int     `json:"estimated_delay_hours,omitempty"`
}

// Readiness is the evaluation result.
type Readiness struct {
	CanProceed                 bool           `json:"can_proceed"`
	Warnings                   []Warning      `json:"warnings"`
	Score                      int            `json:"score"`
	EstimatedCompletionMinutes int            `json:"estimated_completion_minutes"`
	CriticalIssueCount         int            `json:"critical_issue_count"`
	Metadata                   map[string]any `json:"metadata"`
	SnapshotID                 string         `json:"snapshot_id,omitempty"`
}

// Activation is the API activation model (partial).
type Activation struct {
	ID           string  `json:"id"`
	OrgID        string  `json:"org_id"`
	PlanID       string  `json:"plan_id"`
	PlaybookID   string  `json:"playbook_id"`
	Status       string  `json:"status"`
	CurrentPhase string  `json:"current_phase"`
	StartedAt    string  `json:"started_at"`
	DeadlineAt   string  `json:"deadline_at"`
	CompletedAt  *string `json:"completed_at,omitempty"`
	Outcome      *string `json:"outcome,omitempty"`
}

// ActivationResult is the pipeline outcome for one activation attempt.
type ActivationResult struct {
	Success              bool        `json:"success"`
	Activation           *Activation `json:"activation,omitempty"`
	Readiness            *Readiness  `json:"readiness,omitempty"`
	Errors               []string    `json:"errors,omitempty"`
	DocumentsGenerated   int         `json:"documents_generated"`
	StakeholdersNotified int         `json:"stakeholders_notified"`
	SyncedTasks          int         `json:"synced_tasks"`
	BudgetUnlocked       float64     `json:"budget_unlocked"`
	ElapsedMs            int64       `json:"elapsed_ms"`
}

// Event is one audit log row.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	ActivationID *string        `json:"activation_id,omitempty"`
	Success      bool           `json:"success"`
	DurationMs   int64          `json:"duration_ms"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// ActivationStatus is the full record set for one activation.
type ActivationStatus struct {
	Activation      Activation       `json:"activation"`
	Events          []Event          `json:"events,omitempty"`
	Acknowledgments []map[string]any `json:"acknowledgments,omitempty"`
	Documents       []map[string]any `json:"documents,omitempty"`
	Sync            map[string]any   `json:"sync,omitempty"`
	BudgetUnlocks   []map[string]any `json:"budget_unlocks,omitempty"`
}

// ActivateRequest asks for one activation of a plan.
type ActivateRequest struct {
	PlanID        string `json:"plan_id"`
	PlaybookID    string `json:"playbook_id"`
	OrgID         string `json:"org_id,omitempty"`
	ScenarioID    string `json:"scenario_id,omitempty"`
	SyncPlatform  string `json:"sync_platform,omitempty"`
	SkipPreflight bool   `json:"skip_preflight,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// EvaluateReadiness scores readiness for a plan.
func (c *Client) EvaluateReadiness(ctx context.Context, planID string, proposedStart *time.Time) (Readiness, error) {
	body := map[string]any{"plan_id": planID}
	if proposedStart != nil {
		body["proposed_start"] = proposedStart.UTC().Format(time.RFC3339)
	}
	var resp Readiness
	err := c.do(ctx, http.MethodPost, "v0/readiness/evaluations", body, &resp)
	return resp, err
}

// Activate runs the activation pipeline for a plan.
func (c *Client) Activate(ctx context.Context, req ActivateRequest) (ActivationResult, error) {
	var resp ActivationResult
	err := c.do(ctx, http.MethodPost, "v0/activations", req, &resp)
	return resp, err
}

// Complete records the outcome of an activation.
func (c *Client) Complete(ctx context.Context, activationID, outcome, notes string) (Activation, error) {
	body := map[string]any{"outcome": outcome}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Activation
	endpoint := fmt.Sprintf("v0/activations/%s/complete", url.PathEscape(activationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Status fetches the full record set for an activation.
func (c *Client) Status(ctx context.Context, activationID string) (ActivationStatus, error) {
	var resp ActivationStatus
	endpoint := fmt.Sprintf("v0/activations/%s", url.PathEscape(activationID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListActivations returns recent activations.
func (c *Client) ListActivations(ctx context.Context, limit int) ([]Activation, error) {
	endpoint := "v0/activations"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Activation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns audit events after the given cursor.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?after=%d", after)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
