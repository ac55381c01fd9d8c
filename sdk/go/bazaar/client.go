package bazaar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Open Bazaar Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// TriggerRequest is the payload used to start a new marketplace session.
type TriggerRequest struct {
	TaskRef       string `json:"task_ref"`
	Budget        int64  `json:"budget,omitempty"`
	ClientAccount string `json:"client_account,omitempty"`
}

// Review carries a per-role verdict submitted during the review phase.
type Review struct {
	Role     string `json:"role"`
	Approved bool   `json:"approved"`
	Score    int    `json:"score"`
	Feedback string `json:"feedback,omitempty"`
}

// AcceptedBid records the winning bidder and price for one role.
type AcceptedBid struct {
	Account string `json:"account"`
	Price   int64  `json:"price"`
}

// Settlement describes one escrow release performed at session end.
type Settlement struct {
	Role      string `json:"role"`
	ToAccount string `json:"to_account"`
	Amount    int64  `json:"amount"`
	TxRef     string `json:"tx_ref,omitempty"`
}

// Session is the client-side view of the orchestrator session snapshot.
// Fields the caller does not need can simply be ignored during decoding.
type Session struct {
	RequestID      string                 `json:"request_id"`
	State          string                 `json:"state"`
	TaskRef        string                 `json:"task_ref"`
	Budget         int64                  `json:"budget"`
	EscrowLocked   int64                  `json:"escrow_locked"`
	EscrowReleased int64                  `json:"escrow_released"`
	Accepted       map[string]AcceptedBid `json:"accepted,omitempty"`
	Reviews        []Review               `json:"reviews,omitempty"`
	Settlements    []Settlement           `json:"settlements,omitempty"`
	LastError      string                 `json:"last_error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("bazaar api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the Open Bazaar Chain API. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// TriggerSession starts a new session and returns the initial snapshot.
func (c *Client) TriggerSession(ctx context.Context, req TriggerRequest) (Session, error) {
	var session Session
	if err := c.post(ctx, "/api/v1/session/trigger", req, &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// GetSession fetches the snapshot of the most recent session.
func (c *Client) GetSession(ctx context.Context) (Session, error) {
	var session Session
	if err := c.get(ctx, "/api/v1/session", &session); err != nil {
		return Session{}, err
	}
	return session, nil
}

// SubmitBidApproval resolves a pending bid-approval gate. Winners maps role
// names to the bidder account that should win; leave it nil to accept the
// orchestrator's default selection. The returned bool reports whether a
// decision was actually pending.
func (c *Client) SubmitBidApproval(ctx context.Context, approved bool, winners map[string]string) (bool, error) {
	payload := struct {
		Approved bool              `json:"approved"`
		Winners  map[string]string `json:"winners,omitempty"`
	}{Approved: approved, Winners: winners}
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	if err := c.post(ctx, "/api/v1/session/approval", payload, &resp); err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

// SubmitReview resolves a pending review gate with per-role verdicts.
func (c *Client) SubmitReview(ctx context.Context, reviews map[string]Review) (bool, error) {
	payload := struct {
		Reviews map[string]Review `json:"reviews"`
	}{Reviews: reviews}
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	if err := c.post(ctx, "/api/v1/session/review", payload, &resp); err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken stores a static bearer token attached to every request.
// Servers running without token auth ignore the header.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
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

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
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
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
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
