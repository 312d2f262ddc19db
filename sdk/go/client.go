package paylinesdk

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

// Client is a minimal Payline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
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

// Run represents the API payroll run model.
type Run struct {
	ID             string            `json:"id"`
	PeriodStart    string            `json:"period_start"`
	PeriodEnd      string            `json:"period_end"`
	Status         string            `json:"status"`
	PolicyVersion  string            `json:"policy_version"`
	EmployeeCount  int               `json:"employee_count"`
	TotalGross     string            `json:"total_gross"`
	TotalNet       string            `json:"total_net"`
	OpenExceptions int               `json:"open_exceptions"`
	StageStatus    map[string]string `json:"stage_status"`
	FailureReason  string            `json:"failure_reason"`
}

// Line represents one employee's record on a run. Amounts are decimal
// strings; computed fields are absent until their stage has run.
type Line struct {
	ID               string `json:"id"`
	RunID            string `json:"run_id"`
	EmployeeID       string `json:"employee_id"`
	BaseSalary       string `json:"base_salary"`
	GrossPay         string `json:"gross_pay"`
	NetPay           string `json:"net_pay"`
	InputsIncomplete bool   `json:"inputs_incomplete"`
	Finalized        bool   `json:"finalized"`
	Excluded         bool   `json:"excluded"`
	LastError        string `json:"last_error"`
}

// Exception represents a detected anomaly.
type Exception struct {
	ID          string `json:"id"`
	RunID       string `json:"run_id"`
	LineID      string `json:"line_id"`
	EmployeeID  string `json:"employee_id"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	RunID      string `json:"run_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
}

// BankDetails is the corrective payload for missing bank exceptions.
type BankDetails struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRun opens a draft run for the period.
func (c *Client) CreateRun(ctx context.Context, periodStart, periodEnd, policyVersion string) (Run, error) {
	body := map[string]any{
		"period_start": periodStart,
		"period_end":   periodEnd,
	}
	if policyVersion != "" {
		body["policy_version"] = policyVersion
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs", body, &resp)
	return resp, err
}

// GetRun fetches one run.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// Calculate executes the pipeline on a run.
func (c *Client) Calculate(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(runID)+"/calculate", nil, &resp)
	return resp, err
}

// Recalculate re-runs a run; stage and employeeID narrow the scope and may
// be empty.
func (c *Client) Recalculate(ctx context.Context, runID, stage, employeeID string) (Run, error) {
	body := map[string]any{}
	if stage != "" {
		body["stage"] = stage
	}
	if employeeID != "" {
		body["employee_id"] = employeeID
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(runID)+"/recalculate", body, &resp)
	return resp, err
}

// Approve approves a reviewed run.
func (c *Client) Approve(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(runID)+"/approve", nil, &resp)
	return resp, err
}

// Complete hands an approved run to the payment gateway.
func (c *Client) Complete(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs/"+url.PathEscape(runID)+"/complete", nil, &resp)
	return resp, err
}

// Lines lists a run's payroll lines.
func (c *Client) Lines(ctx context.Context, runID string) ([]Line, error) {
	var resp []Line
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(runID)+"/lines", nil, &resp)
	return resp, err
}

// Exceptions lists a run's exceptions, optionally filtered by status.
func (c *Client) Exceptions(ctx context.Context, runID, status string) ([]Exception, error) {
	endpoint := "runs/" + url.PathEscape(runID) + "/exceptions"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Exception
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResolveException resolves with corrective data. adjustedAmount and bank
// may be empty/nil depending on the exception type.
func (c *Client) ResolveException(ctx context.Context, exceptionID, note, adjustedAmount string, bank *BankDetails) (Exception, error) {
	body := map[string]any{"note": note}
	if adjustedAmount != "" {
		body["adjusted_amount"] = adjustedAmount
	}
	if bank != nil {
		body["bank"] = bank
	}
	var resp Exception
	err := c.do(ctx, http.MethodPost, "exceptions/"+url.PathEscape(exceptionID)+"/resolve", body, &resp)
	return resp, err
}

// RejectException closes an exception without correction.
func (c *Client) RejectException(ctx context.Context, exceptionID, reason string) (Exception, error) {
	var resp Exception
	err := c.do(ctx, http.MethodPost, "exceptions/"+url.PathEscape(exceptionID)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Events returns the run's recent events.
func (c *Client) Events(ctx context.Context, runID string, limit int) ([]Event, error) {
	endpoint := "runs/" + url.PathEscape(runID) + "/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
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
