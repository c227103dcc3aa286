// Package hubspot provides a read-only client for the HubSpot CRM API,
// used by the co-pilot's data tools.
package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/hubpilot/internal/httpkit"
)

// DefaultBaseURL is the public HubSpot API root.
const DefaultBaseURL = "https://api.hubapi.com"

// ErrNotConfigured is returned by every call when no access token is set.
var ErrNotConfigured = errors.New("HubSpot not configured")

// Client is a HubSpot REST API client authenticated with a private app
// access token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	watcher    readyChecker // set via SetWatcher for health status
}

// readyChecker is satisfied by connwatch.Watcher. Defined here to avoid
// importing connwatch directly, keeping the dependency one-directional.
type readyChecker interface {
	IsReady() bool
}

// SetWatcher sets the connection watcher for health status queries.
func (c *Client) SetWatcher(w readyChecker) {
	c.watcher = w
}

// IsReady reports whether HubSpot is currently reachable. Returns true
// if no watcher is configured.
func (c *Client) IsReady() bool {
	if c.watcher == nil {
		return true
	}
	return c.watcher.IsReady()
}

// NewClient creates a HubSpot client. An empty token yields a client
// whose calls all fail with ErrNotConfigured.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithDialRetry(2, time.Second),
			httpkit.WithLogger(logger.With("component", "hubspot")),
		),
	}
}

// Configured reports whether an access token is set.
func (c *Client) Configured() bool {
	return c != nil && c.token != ""
}

// Contact is a CRM contact.
type Contact struct {
	ID             string    `json:"id"`
	FirstName      string    `json:"firstname,omitempty"`
	LastName       string    `json:"lastname,omitempty"`
	Email          string    `json:"email,omitempty"`
	LifecycleStage string    `json:"lifecyclestage,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Deal is a CRM deal.
type Deal struct {
	ID        string    `json:"id"`
	Name      string    `json:"dealname,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Stage     string    `json:"dealstage,omitempty"`
	Pipeline  string    `json:"pipeline,omitempty"`
	CloseDate string    `json:"closedate,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Workflow is an automation workflow.
type Workflow struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Enabled    bool      `json:"enabled"`
	InsertedAt time.Time `json:"inserted_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// searchRequest is the body of a CRM v3 object search.
type searchRequest struct {
	Sorts      []searchSort `json:"sorts"`
	Properties []string     `json:"properties"`
	Limit      int          `json:"limit"`
}

type searchSort struct {
	PropertyName string `json:"propertyName"`
	Direction    string `json:"direction"`
}

type searchResponse struct {
	Total   int `json:"total"`
	Results []struct {
		ID         string            `json:"id"`
		Properties map[string]string `json:"properties"`
		CreatedAt  time.Time         `json:"createdAt"`
	} `json:"results"`
}

type workflowsResponse struct {
	Workflows []struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		Type       string `json:"type"`
		Enabled    bool   `json:"enabled"`
		InsertedAt int64  `json:"insertedAt"`
		UpdatedAt  int64  `json:"updatedAt"`
	} `json:"workflows"`
}

// MaxLimit is the largest page the search API returns.
const MaxLimit = 100

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 5
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// RecentContacts returns the newest contacts, newest first.
func (c *Client) RecentContacts(ctx context.Context, limit int) ([]Contact, error) {
	var resp searchResponse
	err := c.search(ctx, "contacts", []string{"firstname", "lastname", "email", "lifecyclestage", "createdate"}, limit, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]Contact, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, Contact{
			ID:             r.ID,
			FirstName:      r.Properties["firstname"],
			LastName:       r.Properties["lastname"],
			Email:          r.Properties["email"],
			LifecycleStage: r.Properties["lifecyclestage"],
			CreatedAt:      r.CreatedAt,
		})
	}
	return out, nil
}

// RecentDeals returns the newest deals, newest first.
func (c *Client) RecentDeals(ctx context.Context, limit int) ([]Deal, error) {
	var resp searchResponse
	err := c.search(ctx, "deals", []string{"dealname", "amount", "dealstage", "pipeline", "closedate", "createdate"}, limit, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]Deal, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, Deal{
			ID:        r.ID,
			Name:      r.Properties["dealname"],
			Amount:    r.Properties["amount"],
			Stage:     r.Properties["dealstage"],
			Pipeline:  r.Properties["pipeline"],
			CloseDate: r.Properties["closedate"],
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// Workflows returns every automation workflow in the portal.
func (c *Client) Workflows(ctx context.Context) ([]Workflow, error) {
	var resp workflowsResponse
	if err := c.do(ctx, http.MethodGet, "/automation/v3/workflows", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]Workflow, 0, len(resp.Workflows))
	for _, w := range resp.Workflows {
		out = append(out, Workflow{
			ID:         w.ID,
			Name:       w.Name,
			Type:       w.Type,
			Enabled:    w.Enabled,
			InsertedAt: time.UnixMilli(w.InsertedAt).UTC(),
			UpdatedAt:  time.UnixMilli(w.UpdatedAt).UTC(),
		})
	}
	return out, nil
}

// Ping verifies the token by fetching a single contact.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/crm/v3/objects/contacts?limit=1", nil, nil)
}

func (c *Client) search(ctx context.Context, object string, props []string, limit int, result any) error {
	body := searchRequest{
		Sorts:      []searchSort{{PropertyName: "createdate", Direction: "DESCENDING"}},
		Properties: props,
		Limit:      clampLimit(limit),
	}
	return c.do(ctx, http.MethodPost, "/crm/v3/objects/"+object+"/search", body, result)
}

func (c *Client) do(ctx context.Context, method, path string, data, result any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	var reqBody []byte
	if data != nil {
		var err error
		reqBody, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	// Drain and close to ensure connection reuse even when result is nil.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("HubSpot API error %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
