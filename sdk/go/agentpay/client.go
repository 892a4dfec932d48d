package agentpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentPay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Session mirrors the session snapshot returned by the daemon.
type Session struct {
	IsActive          bool   `json:"is_active"`
	BudgetLimit       int64  `json:"budget_limit"`
	BudgetUsed        int64  `json:"budget_used"`
	BudgetRemaining   int64  `json:"budget_remaining"`
	ExpiresAt         int64  `json:"expires_at,omitempty"`
	SessionKeyAddress string `json:"session_key_address,omitempty"`
}

// SessionRequest describes the budget and lifetime of a new session.
type SessionRequest struct {
	BudgetTokens  float64 `json:"budgetTokens"`
	DurationHours int     `json:"durationHours"`
}

// Listing is a marketplace catalog entry.
type Listing struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Endpoint    string   `json:"endpoint"`
	Modality    string   `json:"modality"`
	Price       int64    `json:"price"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

// CallRequest describes a metered agent invocation.
type CallRequest struct {
	ListingID string `json:"listingId"`
	Message   string `json:"message,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
	Image     string `json:"image,omitempty"`
	Audio     string `json:"audio,omitempty"`
}

// CallResult is the delivered content plus the amount charged for it.
type CallResult struct {
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaKind string `json:"mediaKind,omitempty"`
	Charged   int64  `json:"charged"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentPay API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// CreateSession authorizes a new spending session.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	var session Session
	if err := c.post(ctx, "/api/v1/sessions", req, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// GetSession returns the current session snapshot.
func (c *Client) GetSession(ctx context.Context) (Session, error) {
	var session Session
	if err := c.get(ctx, "/api/v1/sessions", &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// EndSession terminates the active session and clears the stored record.
func (c *Client) EndSession(ctx context.Context) error {
	return c.delete(ctx, "/api/v1/sessions")
}

// ListAgents returns the full marketplace catalog.
func (c *Client) ListAgents(ctx context.Context) ([]Listing, error) {
	var listings []Listing
	if err := c.get(ctx, "/api/v1/agents", &listings); err != nil {
		return nil, err
	}
	return listings, nil
}

// SearchAgents returns catalog entries matching the query.
func (c *Client) SearchAgents(ctx context.Context, query string) ([]Listing, error) {
	var listings []Listing
	endpoint := "/api/v1/agents?q=" + url.QueryEscape(query)
	if err := c.get(ctx, endpoint, &listings); err != nil {
		return nil, err
	}
	return listings, nil
}

// Call invokes an agent and waits for the delivered result.
func (c *Client) Call(ctx context.Context, req CallRequest) (CallResult, error) {
	var result CallResult
	if err := c.post(ctx, "/api/v1/calls", req, &result); err != nil {
		return CallResult{}, err
	}
	return result, nil
}

// ResetThread discards the conversation thread kept with an agent.
func (c *Client) ResetThread(ctx context.Context, listingID string) error {
	return c.delete(ctx, "/api/v1/threads/"+url.PathEscape(listingID))
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) delete(ctx context.Context, endpoint string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
