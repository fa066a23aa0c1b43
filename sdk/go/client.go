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

// BudgetPool represents the API pool model (partial).
type BudgetPool struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Currency       string `json:"currency"`
	TotalBudget    int64  `json:"total_budget"`
	FundedAmount   int64  `json:"funded_amount"`
	ReservedAmount int64  `json:"reserved_amount"`
	ReleasedAmount int64  `json:"released_amount"`
	Status         string `json:"status"`
	OwnerID        string `json:"owner_id"`
}

// Milestone represents the API milestone model (partial).
type Milestone struct {
	ID             string `json:"id"`
	BudgetPoolID   string `json:"budget_pool_id"`
	Name           string `json:"name"`
	ReservedAmount int64  `json:"reserved_amount"`
	ReleasedAmount int64  `json:"released_amount"`
	ApprovalType   string `json:"approval_type"`
	Status         string `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	PoolID     string         `json:"pool_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreatePool creates a budget pool.
func (c *Client) CreatePool(ctx context.Context, name string, totalBudget int64) (BudgetPool, error) {
	body := map[string]any{
		"name":         name,
		"total_budget": totalBudget,
	}
	var resp BudgetPool
	err := c.do(ctx, http.MethodPost, "v0/commerce/budget-pools", body, &resp)
	return resp, err
}

// FundPool credits a pool. The idempotency key may be empty.
func (c *Client) FundPool(ctx context.Context, poolID string, amount int64, idempotencyKey string) (BudgetPool, error) {
	body := map[string]any{"amount": amount}
	if idempotencyKey != "" {
		body["idempotency_key"] = idempotencyKey
	}
	var resp BudgetPool
	endpoint := fmt.Sprintf("v0/commerce/budget-pools/%s/fund", url.PathEscape(poolID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CreateMilestone creates a milestone, reserving its amount from the pool.
func (c *Client) CreateMilestone(ctx context.Context, poolID, name string, amount int64) (Milestone, error) {
	body := map[string]any{
		"name":   name,
		"amount": amount,
	}
	var resp Milestone
	endpoint := fmt.Sprintf("v0/commerce/budget-pools/%s/milestones", url.PathEscape(poolID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ReleaseMilestone pays out an approved milestone.
func (c *Client) ReleaseMilestone(ctx context.Context, milestoneID string) (Milestone, error) {
	var resp Milestone
	endpoint := fmt.Sprintf("v0/commerce/milestones/%s/release", url.PathEscape(milestoneID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/commerce/events"
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
