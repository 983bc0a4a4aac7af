// Package client is the REST client for the shadowsift server, used by the
// CLI.
package client

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

// Client talks to one shadowsift server with admin credentials.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(serverURL, adminToken string) *Client {
	return &Client{
		baseURL: strings.TrimRight(serverURL, "/"),
		token:   adminToken,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
}

// SyncJob mirrors the server's sync job representation.
type SyncJob struct {
	JobID              string `json:"job_id"`
	OrganizationDomain string `json:"organization_domain"`
	Phase              string `json:"phase"`
	Progress           int    `json:"progress"`
	Message            string `json:"message"`
	Status             string `json:"status"`
	Stuck              bool   `json:"stuck"`
}

// Application mirrors the server's application representation.
type Application struct {
	AppID            string   `json:"app_id"`
	Name             string   `json:"name"`
	Provider         string   `json:"provider"`
	Category         string   `json:"category"`
	RiskLevel        string   `json:"risk_level"`
	Scopes           []string `json:"scopes"`
	PermissionCount  int      `json:"permission_count"`
	UserCount        int      `json:"user_count"`
	ManagementStatus string   `json:"management_status"`
}

// User mirrors the server's directory user representation.
type User struct {
	ProviderUserID string `json:"provider_user_id"`
	Email          string `json:"email"`
	DisplayName    string `json:"display_name"`
	Title          string `json:"title"`
	Department     string `json:"department"`
	AppCount       int    `json:"app_count"`
}

// ConflictError reports that the server refused a new sync because one is
// already running.
type ConflictError struct {
	ActiveJobID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("a sync is already running (job %s)", e.ActiveJobID)
}

// StartSync submits a discovery run. credentials is the raw provider
// credentials JSON, passed through untouched.
func (c *Client) StartSync(ctx context.Context, orgDomain, operatorEmail string, credentials json.RawMessage) (*SyncJob, error) {
	body := map[string]any{
		"organization_domain": orgDomain,
		"operator_email":      operatorEmail,
		"credentials":         credentials,
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/sync", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		var conflict struct {
			ActiveJobID string `json:"active_job_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return nil, fmt.Errorf("decode conflict response: %w", err)
		}
		return nil, &ConflictError{ActiveJobID: conflict.ActiveJobID}
	}
	if resp.StatusCode != http.StatusAccepted {
		return nil, apiError(resp)
	}
	var job SyncJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &job, nil
}

// GetSync fetches one sync job's state.
func (c *Client) GetSync(ctx context.Context, jobID string) (*SyncJob, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/sync/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var job SyncJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &job, nil
}

// ForceComplete marks a wedged sync job completed.
func (c *Client) ForceComplete(ctx context.Context, jobID string) (*SyncJob, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/sync/"+url.PathEscape(jobID)+"/force-complete", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var job SyncJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &job, nil
}

// ListApplications fetches an organization's applications. category and
// riskLevel filter when non-empty.
func (c *Client) ListApplications(ctx context.Context, orgDomain, categoryFilter, riskFilter string) ([]Application, error) {
	path := "/v1/organizations/" + url.PathEscape(orgDomain) + "/applications"
	q := url.Values{}
	if categoryFilter != "" {
		q.Set("category", categoryFilter)
	}
	if riskFilter != "" {
		q.Set("risk", riskFilter)
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var out struct {
		Applications []Application `json:"applications"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Applications, nil
}

// ListUsers fetches an organization's discovered users.
func (c *Client) ListUsers(ctx context.Context, orgDomain string) ([]User, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/organizations/"+url.PathEscape(orgDomain)+"/users", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var out struct {
		Users []User `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Users, nil
}

// SetManagementStatus records a triage decision for an application.
func (c *Client) SetManagementStatus(ctx context.Context, orgDomain, appID, status string) error {
	body := map[string]any{
		"organization_domain": orgDomain,
		"status":              status,
	}
	resp, err := c.do(ctx, http.MethodPut, "/v1/applications/"+url.PathEscape(appID)+"/management", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
