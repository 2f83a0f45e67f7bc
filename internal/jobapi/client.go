// Package jobapi is the HTTP client for the job-control backend: starting,
// listing, stopping and deleting runs, reading persisted events, and the
// per-location mutation endpoints used by the domain bot queue.
package jobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/provision-runner/internal/domain"
)

// Client talks to the job-control API
type Client struct {
	baseURL  string
	tenantID string
	client   *http.Client
}

// New creates a client. A zero timeout defaults to 30s.
func New(baseURL, tenantID string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		tenantID: tenantID,
		client:   &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the normalized backend address
func (c *Client) BaseURL() string { return c.baseURL }

// TenantID returns the tenant sent with every request
func (c *Client) TenantID() string { return c.tenantID }

// HTTPError is returned for non-2xx responses
type HTTPError struct {
	Status int
	Body   string
	// RunID is set when the body carried one, as on 409 conflicts
	RunID string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// IsStatus reports whether err is an HTTPError with the given status
func IsStatus(err error, status int) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == status
}

// StartRequest is the body of POST /run
type StartRequest struct {
	Job             string `json:"job"`
	State           string `json:"state,omitempty"`
	Mode            string `json:"mode,omitempty"`
	Debug           bool   `json:"debug,omitempty"`
	LocID           string `json:"locId,omitempty"`
	Kind            string `json:"kind,omitempty"`
	TenantID        string `json:"tenantId,omitempty"`
	AllowConcurrent bool   `json:"allowConcurrent,omitempty"`
	Rerun           bool   `json:"rerun,omitempty"`
}

// StartResponse is the decoded result of POST /run
type StartResponse struct {
	RunID string `json:"runId"`
	// Conflict is set when the backend answered 409 with its active run
	Conflict bool     `json:"-"`
	Sync     bool     `json:"sync,omitempty"`
	Logs     []string `json:"logs,omitempty"`
	OK       *bool    `json:"ok,omitempty"`
	ExitCode *int     `json:"exitCode,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// StartRun dispatches a new run. A 409 carrying a run id is not an error.
func (c *Client) StartRun(ctx context.Context, req StartRequest) (*StartResponse, error) {
	if req.TenantID == "" {
		req.TenantID = c.tenantID
	}
	var resp StartResponse
	err := c.doJSON(ctx, http.MethodPost, "/run", nil, req, &resp)
	if err != nil {
		var he *HTTPError
		if errors.As(err, &he) && he.Status == http.StatusConflict && he.RunID != "" {
			return &StartResponse{RunID: he.RunID, Conflict: true}, nil
		}
		return nil, fmt.Errorf("start run: %w", err)
	}
	if resp.RunID == "" && !resp.Sync {
		return nil, fmt.Errorf("start run: response carried no runId")
	}
	return &resp, nil
}

// ListRuns returns the most recent runs for the tenant
func (c *Client) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	query := map[string]string{}
	if c.tenantID != "" {
		query["tenantId"] = c.tenantID
	}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	var resp struct {
		Runs []domain.Run `json:"runs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/run", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return resp.Runs, nil
}

// StopResponse is the result of POST /stop/{runId}
type StopResponse struct {
	OK     bool `json:"ok"`
	Forced bool `json:"forced,omitempty"`
}

// StopRun asks the backend to stop a run
func (c *Client) StopRun(ctx context.Context, runID string) (*StopResponse, error) {
	var resp StopResponse
	if err := c.doJSON(ctx, http.MethodPost, "/stop/"+url.PathEscape(runID), nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("stop run %s: %w", runID, err)
	}
	return &resp, nil
}

// DeleteRun removes a run. forceStop stops it first if it is still going.
func (c *Client) DeleteRun(ctx context.Context, runID string, forceStop bool) error {
	var query map[string]string
	if forceStop {
		query = map[string]string{"forceStop": "1"}
	}
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/run/"+url.PathEscape(runID), query, nil, &resp); err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	if !resp.OK {
		return fmt.Errorf("delete run %s: backend refused", runID)
	}
	return nil
}

// Events returns persisted events with id > afterID in ascending order
func (c *Client) Events(ctx context.Context, runID string, afterID int64, limit int) ([]domain.Event, error) {
	query := map[string]string{"afterId": strconv.FormatInt(afterID, 10)}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}
	if c.tenantID != "" {
		query["tenantId"] = c.tenantID
	}
	var resp struct {
		OK     bool           `json:"ok"`
		Events []domain.Event `json:"events"`
		Error  string         `json:"error"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/run/"+url.PathEscape(runID)+"/events", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch events for %s: %w", runID, err)
	}
	if !resp.OK && resp.Error != "" {
		return nil, fmt.Errorf("fetch events for %s: %s", runID, resp.Error)
	}
	return resp.Events, nil
}

// StreamURL builds the live stream address for a run
func (c *Client) StreamURL(runID string, afterEventID int64) string {
	q := url.Values{}
	q.Set("afterEventId", strconv.FormatInt(afterEventID, 10))
	if c.tenantID != "" {
		q.Set("tenantId", c.tenantID)
	}
	return c.baseURL + "/stream/" + url.PathEscape(runID) + "?" + q.Encode()
}

func (c *Client) doJSON(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(c.baseURL + path)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		values := parsed.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		parsed.RawQuery = values.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := c.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return decodeError(response.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func decodeError(status int, payload []byte) error {
	var wrapper struct {
		RunID string `json:"runId"`
		Error string `json:"error"`
	}
	he := &HTTPError{Status: status, Body: strings.TrimSpace(string(payload))}
	if err := json.Unmarshal(payload, &wrapper); err == nil {
		he.RunID = wrapper.RunID
		if strings.TrimSpace(wrapper.Error) != "" {
			he.Body = strings.TrimSpace(wrapper.Error)
		}
	}
	return he
}
