// Package registry is the HTTP client for the backend agent registry.
//
// Registration failures are reported as *RegistrationError so the caller can
// decide whether to fall back. Reads are owner-scoped: every detail, history
// and interact request carries the owner address in OwnerHeader.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/basesociety/internal/domain"
)

// OwnerHeader carries the connected address on owner-scoped requests.
const OwnerHeader = "X-Owner-Address"

// DefaultTimeout bounds every registry request unless overridden.
const DefaultTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response is kept for logs.
const maxErrorBody = 512

var (
	ErrRegistrationFailed = errors.New("registry: registration failed")
	ErrAccessDenied       = errors.New("registry: access denied")
	ErrNotFound           = errors.New("registry: agent not found")
	ErrFetchFailed        = errors.New("registry: fetch failed")
	ErrOwnerRequired      = errors.New("registry: owner address required")
	// ErrOffline is returned when no registry URL is configured.
	ErrOffline = errors.New("registry: client offline (no URL configured)")
)

// RegistrationError reports a failed POST /agents. Status is 0 when the
// request never produced a response.
type RegistrationError struct {
	Status int
	Err    error
}

func (e *RegistrationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d", ErrRegistrationFailed, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", ErrRegistrationFailed, e.Err)
	}
	return ErrRegistrationFailed.Error()
}

func (e *RegistrationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRegistrationFailed}
	}
	return []error{ErrRegistrationFailed, e.Err}
}

// FetchError reports a failed owner-scoped read. Kind is one of
// ErrAccessDenied, ErrNotFound or ErrFetchFailed.
type FetchError struct {
	Op     string
	Status int
	Kind   error
	Err    error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Option configures the Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Client talks to the registry REST API.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// NewClient creates a registry client. An empty baseURL yields an offline
// client whose calls fail with ErrOffline.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Available reports whether a registry URL is configured.
func (c *Client) Available() bool {
	return c.baseURL != ""
}

// Register posts the full record and returns the canonical agent id chosen
// by the registry. Any failure is a *RegistrationError.
func (c *Client) Register(ctx context.Context, record domain.AgentRecord) (string, error) {
	if !c.Available() {
		return "", &RegistrationError{Err: ErrOffline}
	}

	body, err := json.Marshal(record)
	if err != nil {
		return "", &RegistrationError{Err: fmt.Errorf("encode record: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agents", bytes.NewReader(body))
	if err != nil {
		return "", &RegistrationError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &RegistrationError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Warn("Registry rejected registration",
			"agent_id", record.AgentID, "status", resp.StatusCode, "body", readSnippet(resp.Body))
		return "", &RegistrationError{Status: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &RegistrationError{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	agentID, err := decodeAgentID(raw)
	if err != nil {
		return "", &RegistrationError{Status: resp.StatusCode, Err: err}
	}
	return agentID, nil
}

// decodeAgentID accepts either a bare JSON string or an object carrying
// agent_id.
func decodeAgentID(raw []byte) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		if id = strings.TrimSpace(id); id != "" {
			return id, nil
		}
		return "", errors.New("empty agent id in response")
	}

	var obj struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("decode agent id: %w", err)
	}
	if obj.AgentID == "" {
		return "", errors.New("empty agent id in response")
	}
	return obj.AgentID, nil
}

// FetchDetails returns the agent's details for its owner.
func (c *Client) FetchDetails(ctx context.Context, agentID, owner string) (*domain.AgentDetails, error) {
	var details domain.AgentDetails
	if err := c.getOwned(ctx, "fetch details", agentPath(agentID), owner, &details); err != nil {
		return nil, err
	}
	if details.AgentID == "" {
		details.AgentID = agentID
	}
	return &details, nil
}

// FetchHistory returns the agent's messages in the order the registry
// delivered them. No ordering is assumed.
func (c *Client) FetchHistory(ctx context.Context, agentID, owner string) ([]domain.CustomMessage, error) {
	var history []domain.CustomMessage
	if err := c.getOwned(ctx, "fetch history", agentPath(agentID)+"/history", owner, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// Interact sends a prompt to the agent and returns its reply.
func (c *Client) Interact(ctx context.Context, agentID, owner, prompt string) (string, error) {
	const op = "interact"
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return "", &FetchError{Op: op, Kind: ErrFetchFailed, Err: err}
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := c.doOwned(ctx, op, http.MethodPost, agentPath(agentID)+"/interact", owner, body, &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

func (c *Client) getOwned(ctx context.Context, op, path, owner string, out any) error {
	return c.doOwned(ctx, op, http.MethodGet, path, owner, nil, out)
}

func (c *Client) doOwned(ctx context.Context, op, method, path, owner string, body []byte, out any) error {
	if !c.Available() {
		return &FetchError{Op: op, Kind: ErrFetchFailed, Err: ErrOffline}
	}
	if strings.TrimSpace(owner) == "" {
		return &FetchError{Op: op, Kind: ErrFetchFailed, Err: ErrOwnerRequired}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &FetchError{Op: op, Kind: ErrFetchFailed, Err: err}
	}
	req.Header.Set(OwnerHeader, owner)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &FetchError{Op: op, Kind: ErrFetchFailed, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return &FetchError{Op: op, Status: resp.StatusCode, Kind: ErrAccessDenied}
	case resp.StatusCode == http.StatusNotFound:
		return &FetchError{Op: op, Status: resp.StatusCode, Kind: ErrNotFound}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		slog.Warn("Registry request failed", "op", op, "status", resp.StatusCode, "body", readSnippet(resp.Body))
		return &FetchError{Op: op, Status: resp.StatusCode, Kind: ErrFetchFailed}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &FetchError{Op: op, Status: resp.StatusCode, Kind: ErrFetchFailed, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func agentPath(agentID string) string {
	return "/agents/" + url.PathEscape(agentID)
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
