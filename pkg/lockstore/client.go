// Package lockstore is the client for one independent lock-store node.
// Each operation maps to a single atomic conditional write at the node
// and resolves to a tri-state outcome: the node said yes, the node said
// no, or the node could not be reached. The distinction matters to the
// quorum layer, which must never mistake a timeout for either answer.
package lockstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Outcome classifies one node round-trip.
type Outcome int

const (
	// OK means the node performed the conditional operation.
	OK Outcome = iota
	// Refused means the node answered and the condition did not hold
	// (key held by another value, or the node asked for a retry).
	Refused
	// Unreachable means no usable answer: transport failure, timeout,
	// or an unexpected status. Never counted as success or as refusal.
	Unreachable
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Refused:
		return "refused"
	default:
		return "unreachable"
	}
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		http:    hc,
	}
}

// Addr returns the node's base URL, for logging.
func (c *Client) Addr() string { return c.baseURL }

// ---- Wire format (matches the lockstored HTTP API) ----

type acquireReq struct {
	Value string `json:"value"`
	TTLMS int64  `json:"ttl_ms"`
}
type acquireResp struct {
	Acquired        bool   `json:"acquired"`
	Resource        string `json:"resource"`
	ExpiryMS        int64  `json:"expiry_ms,omitempty"`
	CurrentExpiryMS int64  `json:"current_expiry_ms,omitempty"`
	RetryMS         int64  `json:"retry_ms,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

type extendReq struct {
	Value string `json:"value"`
	TTLMS int64  `json:"ttl_ms"`
}
type extendResp struct {
	Extended bool   `json:"extended"`
	ExpiryMS int64  `json:"expiry_ms,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type releaseReq struct {
	Value string `json:"value"`
}
type releaseResp struct {
	Released bool   `json:"released"`
	Reason   string `json:"reason,omitempty"`
}

// ---- Operations ----

// SetIfAbsent atomically creates resource=value with the given ttl at
// this node, succeeding only if no unexpired entry exists.
func (c *Client) SetIfAbsent(ctx context.Context, resource, value string, ttl time.Duration) (Outcome, error) {
	if resource == "" || value == "" {
		return Unreachable, fmt.Errorf("resource and value required")
	}
	if ttl <= 0 {
		return Unreachable, fmt.Errorf("ttl must be > 0")
	}

	path := fmt.Sprintf("%s/v1/locks/%s/acquire", c.baseURL, resource)
	var out acquireResp
	code, raw, err := c.doJSON(ctx, path, acquireReq{Value: value, TTLMS: ttl.Milliseconds()}, &out)
	if err != nil {
		return Unreachable, err
	}

	switch {
	case code == http.StatusOK && out.Acquired:
		return OK, nil
	case code == http.StatusConflict:
		return Refused, nil
	default:
		return Unreachable, &UnexpectedStatusError{Node: c.baseURL, Path: path, Code: code, Body: raw}
	}
}

// ExtendIfMatch resets the entry's expiry to ttl from now, only if the
// node's current value matches.
func (c *Client) ExtendIfMatch(ctx context.Context, resource, value string, ttl time.Duration) (Outcome, error) {
	if resource == "" || value == "" {
		return Unreachable, fmt.Errorf("resource and value required")
	}
	if ttl <= 0 {
		return Unreachable, fmt.Errorf("ttl must be > 0")
	}

	path := fmt.Sprintf("%s/v1/locks/%s/extend", c.baseURL, resource)
	var out extendResp
	code, raw, err := c.doJSON(ctx, path, extendReq{Value: value, TTLMS: ttl.Milliseconds()}, &out)
	if err != nil {
		return Unreachable, err
	}

	switch {
	case code == http.StatusOK && out.Extended:
		return OK, nil
	case code == http.StatusConflict:
		return Refused, nil
	default:
		return Unreachable, &UnexpectedStatusError{Node: c.baseURL, Path: path, Code: code, Body: raw}
	}
}

// DeleteIfMatch deletes the entry only if the node's current value
// matches. The node answers 200 either way; Refused means the value
// did not match (someone else holds the key, or it was already gone).
// A busy node answered nothing about the value, so it maps to
// Unreachable rather than Refused.
func (c *Client) DeleteIfMatch(ctx context.Context, resource, value string) (Outcome, error) {
	if resource == "" || value == "" {
		return Unreachable, fmt.Errorf("resource and value required")
	}

	path := fmt.Sprintf("%s/v1/locks/%s/release", c.baseURL, resource)
	var out releaseResp
	code, raw, err := c.doJSON(ctx, path, releaseReq{Value: value}, &out)
	if err != nil {
		return Unreachable, err
	}

	if code != http.StatusOK {
		return Unreachable, &UnexpectedStatusError{Node: c.baseURL, Path: path, Code: code, Body: raw}
	}
	if out.Released {
		return OK, nil
	}
	if out.Reason == "BUSY_RETRY" {
		return Unreachable, fmt.Errorf("node %s busy during release", c.baseURL)
	}
	return Refused, nil
}

// doJSON posts JSON and decodes the JSON response.
// Returns status code and raw body (trimmed) for debugging.
func (c *Client) doJSON(ctx context.Context, url string, req any, resp any) (int, string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return 0, "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer rsp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
	raw := strings.TrimSpace(string(body))

	if resp != nil && len(body) > 0 {
		_ = json.Unmarshal(body, resp) // tolerate non-JSON error bodies
	}
	return rsp.StatusCode, raw, nil
}
