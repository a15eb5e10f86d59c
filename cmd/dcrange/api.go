// ABOUTME: HTTP client for the dcranged control API.
// ABOUTME: Holds the request/response shapes the CLI sends and renders.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dcrange/dcrange/internal/buildinfo"
)

const (
	defaultAddr           = "http://127.0.0.1:8080"
	defaultRequestTimeout = 30 * time.Second
	tokenHeader           = "X-Orchestrator-Token"
	maxJSONOutputBytes    = 4 << 20
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
}

// apiError is the error payload returned by dcranged.
type apiError struct {
	Error   string          `json:"error"`
	Code    string          `json:"code,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// requestError is a failed API call with its status and server detail.
type requestError struct {
	Status     int
	Message    string
	Code       string
	Details    []string
	RetryAfter time.Duration
}

func (e *requestError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", e.Status)
	}
	if len(e.Details) > 0 {
		msg += ": " + strings.Join(e.Details, "; ")
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

type rangeOptions struct {
	Difficulty    string         `json:"difficulty"`
	TotalMachines int            `json:"amt-machines"`
	Composition   map[string]int `json:"composition,omitempty"`
}

type scenarioSelection struct {
	Name       string         `json:"name"`
	Categories []string       `json:"categories,omitempty"`
	Vars       map[string]any `json:"vars,omitempty"`
}

type rangeRequest struct {
	Options   rangeOptions        `json:"options"`
	Scenarios []scenarioSelection `json:"scenarios,omitempty"`
}

type stateResponse struct {
	Status string `json:"status"`
}

type destroyRequest struct {
	Force bool `json:"force"`
}

type applySummary struct {
	Minion  string `json:"minion"`
	JID     string `json:"jid,omitempty"`
	OK      bool   `json:"ok"`
	Changed int    `json:"changed"`
	Failed  int    `json:"failed"`
	Error   string `json:"error,omitempty"`
}

type machineResponse struct {
	Hostname   string         `json:"hostname"`
	OS         string         `json:"os"`
	Scenario   string         `json:"scenario"`
	Service    string         `json:"service"`
	SaltStates []string       `json:"saltStates"`
	Givens     map[string]any `json:"givens"`
	IP         string         `json:"ip"`
	Apply      *applySummary  `json:"apply,omitempty"`
}

type jobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// jobResponse is GET /range/status. An idle daemon returns only Status.
type jobResponse struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Progress  string            `json:"progress"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Options   rangeOptions      `json:"options"`
	Machines  []machineResponse `json:"machines"`
	Error     *jobError         `json:"error"`
}

type scenarioEntry struct {
	Name       string `json:"name"`
	FullPath   string `json:"fullPath"`
	OS         string `json:"os"`
	Difficulty string `json:"difficulty"`
}

type subcategory struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"displayName"`
	Scenarios   []scenarioEntry `json:"scenarios"`
}

type stage struct {
	Stage         string        `json:"stage"`
	DisplayName   string        `json:"displayName"`
	Subcategories []subcategory `json:"subcategories"`
}

type transition struct {
	ID        int64     `json:"id"`
	At        time.Time `json:"at"`
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Progress  string    `json:"progress"`
	ErrorCode string    `json:"errorCode,omitempty"`
}

type historyResponse struct {
	Transitions []transition `json:"transitions"`
}

type serverStatusResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Uptime    float64   `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
	JobStatus string    `json:"job_status"`
}

func newAPIClient(baseURL, token string, timeout time.Duration) *apiClient {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultAddr
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{
		baseURL:    base,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// doJSON sends payload as JSON and returns the raw response body.
func (c *apiClient) doJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(tokenHeader, c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s via %s: %w", method, path, c.baseURL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONOutputBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp, data)
	}
	return data, nil
}

// getJSON decodes a successful response into out.
func (c *apiClient) getJSON(ctx context.Context, method, path string, payload, out any) ([]byte, error) {
	data, err := c.doJSON(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return data, nil
}

// parseAPIError converts an error response into a *requestError.
func parseAPIError(resp *http.Response, data []byte) error {
	reqErr := &requestError{Status: resp.StatusCode}
	if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs > 0 {
		reqErr.RetryAfter = time.Duration(secs) * time.Second
	}
	if len(data) > 0 {
		var payload apiError
		if err := json.Unmarshal(data, &payload); err == nil {
			reqErr.Message = payload.Error
			reqErr.Code = payload.Code
			reqErr.Details = detailLines(payload.Details)
		}
	}
	return reqErr
}

// detailLines flattens the details field, which is a list of problems, a
// job error object or a plain string.
func detailLines(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var jobErr jobError
	if err := json.Unmarshal(raw, &jobErr); err == nil && jobErr.Message != "" {
		return []string{fmt.Sprintf("%s: %s", jobErr.Code, jobErr.Message)}
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil && text != "" {
		return []string{text}
	}
	return []string{string(raw)}
}

func (c *apiClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c == nil || c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func asRequestError(err error) (*requestError, bool) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr, true
	}
	return nil, false
}
