package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"licenseguard/internal/guard"
)

// validateRequest mirrors POST /api/license/validate.
type validateRequest struct {
	LicenseKey string `json:"licenseKey"`
	Domain     string `json:"domain"`
}

// ValidateResponse is the server's validation verdict.
type ValidateResponse struct {
	Valid          bool   `json:"valid"`
	Payload        string `json:"payload,omitempty"`
	HeartbeatToken string `json:"heartbeatToken,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Status         string `json:"status,omitempty"`
}

// heartbeatRequest mirrors POST /api/license/heartbeat.
type heartbeatRequest struct {
	LicenseKey     string          `json:"licenseKey"`
	Token          string          `json:"token"`
	ComputedStyles *computedStyles `json:"computedStyles,omitempty"`
	ScriptDidMount bool            `json:"scriptDidMount"`
}

type computedStyles struct {
	Display    string `json:"display"`
	Visibility string `json:"visibility"`
	Opacity    string `json:"opacity"`
}

// HeartbeatResponse is the server's heartbeat verdict.
type HeartbeatResponse struct {
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Client talks to the guard server. All calls carry a bounded timeout; a
// timeout is indistinguishable from any other transport failure.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a guard API client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Validate asks the server whether the license may render on domain.
func (c *Client) Validate(ctx context.Context, licenseKey, domain string) (*ValidateResponse, error) {
	var out ValidateResponse
	err := c.post(ctx, "/api/license/validate", validateRequest{
		LicenseKey: licenseKey,
		Domain:     domain,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat sends one re-attestation round.
func (c *Client) Heartbeat(ctx context.Context, licenseKey, token string, diag guard.ClientDiagnostic) (*HeartbeatResponse, error) {
	var out HeartbeatResponse
	err := c.post(ctx, "/api/license/heartbeat", heartbeatRequest{
		LicenseKey: licenseKey,
		Token:      token,
		ComputedStyles: &computedStyles{
			Display:    diag.ComputedDisplay,
			Visibility: diag.ComputedVisibility,
			Opacity:    diag.ComputedOpacity,
		},
		ScriptDidMount: diag.ScriptDidMount,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("agent: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("agent: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent: %s: %w", path, err)
	}
	defer resp.Body.Close()

	// Protocol verdicts (including rejections) come back 200; 5xx means the
	// server itself failed and is treated as a transport failure.
	if resp.StatusCode >= 500 {
		return fmt.Errorf("agent: %s: server error %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("agent: %s: decode response: %w", path, err)
	}
	return nil
}
