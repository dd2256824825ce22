package heirsdk

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

// Identity holds the doctrine headers attached to every governed
// request. All four fields are required by the gate.
type Identity struct {
	UniqueID       string
	ProcessID      string
	AgentSignature string
	BlueprintID    string
}

// Client is a minimal HEIR governance API client.
type Client struct {
	BaseURL       string
	Identity      Identity
	OperatorToken string
	HTTPClient    *http.Client
	Timeout       time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string, identity Identity) *Client {
	return &Client{
		BaseURL:  baseURL,
		Identity: identity,
		Timeout:  10 * time.Second,
	}
}

// Resolution is a known remediation from the troubleshooting guide.
type Resolution struct {
	LookupKey string   `json:"lookup_key"`
	Guidance  string   `json:"guidance"`
	Steps     []string `json:"steps,omitempty"`
	UpdatedAt string   `json:"updated_at"`
}

// Counter is the escalation state for one lookup key.
type Counter struct {
	LookupKey       string  `json:"lookup_key"`
	OccurrenceCount int     `json:"occurrence_count"`
	MissStreak      int     `json:"miss_streak"`
	FirstSeenAt     string  `json:"first_seen_at"`
	LastSeenAt      string  `json:"last_seen_at"`
	Escalated       bool    `json:"escalated"`
	EscalatedAt     *string `json:"escalated_at,omitempty"`
}

// Decision is the outcome of reporting an error.
type Decision struct {
	LookupKey      string      `json:"lookup_key"`
	Resolution     *Resolution `json:"resolution,omitempty"`
	Counter        Counter     `json:"counter"`
	Escalated      bool        `json:"escalated"`
	NewlyEscalated bool        `json:"newly_escalated"`
}

// SchemaVersion is one row of the applied-versions ledger.
type SchemaVersion struct {
	Version        string `json:"version"`
	AppliedAt      string `json:"applied_at"`
	AppliedBy      string `json:"applied_by"`
	Checksum       string `json:"checksum,omitempty"`
	AlreadyApplied bool   `json:"already_applied,omitempty"`
}

// RejectionError is the typed form of a doctrine gate rejection.
type RejectionError struct {
	Code             string   `json:"code"`
	Message          string   `json:"message"`
	ValidationErrors []string `json:"validation_errors"`
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("doctrine rejected: %s (%s)", e.Message, strings.Join(e.ValidationErrors, "; "))
}

// APIError wraps other non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ReportError reports one error occurrence through the escalation
// pipeline. The client's Identity supplies the doctrine headers.
func (c *Client) ReportError(ctx context.Context, errorCode, message string, extra map[string]any) (Decision, error) {
	body := map[string]any{
		"error_code": errorCode,
		"message":    message,
	}
	if len(extra) > 0 {
		body["context"] = extra
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "v1/errors", body, &resp)
	return resp, err
}

// LookupResolution fetches a remediation by lookup key. A miss is an
// *APIError with StatusCode 404.
func (c *Client) LookupResolution(ctx context.Context, key string) (Resolution, error) {
	var resp Resolution
	endpoint := "v1/troubleshooting/" + url.PathEscape(key)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Escalations lists escalation counters, optionally only escalated keys.
func (c *Client) Escalations(ctx context.Context, escalatedOnly bool) ([]Counter, error) {
	endpoint := "v1/escalations"
	if escalatedOnly {
		endpoint += "?escalated_only=true"
	}
	var resp []Counter
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApplySchemaVersion records an applied schema version. Requires
// OperatorToken. Safe to call repeatedly with the same version.
func (c *Client) ApplySchemaVersion(ctx context.Context, version, checksum string) (SchemaVersion, error) {
	body := map[string]any{
		"version":  version,
		"checksum": checksum,
	}
	var resp SchemaVersion
	err := c.do(ctx, http.MethodPost, "v1/schema/versions", body, &resp)
	return resp, err
}

// SchemaVersions lists the ledger in application order.
func (c *Client) SchemaVersions(ctx context.Context) ([]SchemaVersion, error) {
	var resp []SchemaVersion
	err := c.do(ctx, http.MethodGet, "v1/schema/versions", nil, &resp)
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
	c.setIdentity(req)
	if c.OperatorToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.OperatorToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		if rej := decodeRejection(b); rej != nil {
			return rej
		}
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) setIdentity(req *http.Request) {
	if c.Identity.UniqueID != "" {
		req.Header.Set("unique_id", c.Identity.UniqueID)
	}
	if c.Identity.ProcessID != "" {
		req.Header.Set("process_id", c.Identity.ProcessID)
	}
	if c.Identity.AgentSignature != "" {
		req.Header.Set("agent_signature", c.Identity.AgentSignature)
	}
	if c.Identity.BlueprintID != "" {
		req.Header.Set("blueprint_id", c.Identity.BlueprintID)
	}
}

func decodeRejection(body []byte) *RejectionError {
	var envelope struct {
		Status string          `json:"status"`
		Error  *RejectionError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	if envelope.Status != "REJECTED" || envelope.Error == nil {
		return nil
	}
	return envelope.Error
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
