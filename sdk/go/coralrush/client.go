// Package coralrush is a small Go client for the CoralRush REST API.
package coralrush

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Synchronous orchestrations chain several provider calls,
// so it is longer than a typical REST timeout.
const DefaultHTTPTimeout = 90 * time.Second

// Client wraps the HTTP interactions with the CoralRush REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// OrchestrationRequest is the input of a synchronous run or a queued job.
// Audio is sent base64-encoded.
type OrchestrationRequest struct {
	JobID       string `json:"job_id,omitempty"`
	Text        string `json:"text,omitempty"`
	Audio       []byte `json:"audio_base64,omitempty"`
	Language    string `json:"language,omitempty"`
	VoiceID     string `json:"voice_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	SessionType string `json:"session_type,omitempty"`
}

// StepResult is the outcome of a single agent invocation.
type StepResult struct {
	Success          bool            `json:"success"`
	Data             json.RawMessage `json:"data,omitempty"`
	ErrorKind        string          `json:"error_kind,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ProviderUsed     string          `json:"provider_used"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Step records one agent invocation inside a session.
type Step struct {
	StepID        string     `json:"step_id"`
	AgentName     string     `json:"agent_name"`
	Operation     string     `json:"operation"`
	Result        StepResult `json:"result"`
	SequenceIndex int        `json:"sequence_index"`
	Critical      bool       `json:"critical"`
}

// Response is the aggregated result of an orchestration.
type Response struct {
	SessionID             string  `json:"session_id"`
	Status                string  `json:"status"`
	Steps                 []Step  `json:"steps"`
	OverallSuccess        bool    `json:"overall_success"`
	SuccessRate           float64 `json:"success_rate"`
	TotalProcessingTimeMs int64   `json:"total_processing_time_ms"`
	MaxProcessingTimeMs   int64   `json:"max_processing_time_ms"`
	CombinedText          string  `json:"combined_text"`
	Aborted               bool    `json:"aborted,omitempty"`
	AbortReason           string  `json:"abort_reason,omitempty"`
}

// JobSummary is returned when a job is accepted.
type JobSummary struct {
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status"`
}

// Job contains the full view of a queued orchestration.
type Job struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"max_retries"`
	LastError  string    `json:"last_error,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Response   *Response `json:"response,omitempty"`
	CreatedAt  int64     `json:"created_at"`
	UpdatedAt  int64     `json:"updated_at"`
}

// Done reports whether the job reached a terminal state.
func (j Job) Done() bool {
	return j.Status == "succeeded" || j.Status == "failed"
}

// SessionMetadata carries the business context of a session.
type SessionMetadata struct {
	UserQuery   string `json:"user_query,omitempty"`
	SessionType string `json:"session_type,omitempty"`
}

// Session is the persisted state of one interaction.
type Session struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Participants []string          `json:"participants"`
	Messages     []json.RawMessage `json:"messages"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	Metadata     SessionMetadata   `json:"metadata"`
}

// SessionDetail bundles a session with its aggregated summary.
type SessionDetail struct {
	Session Session  `json:"session"`
	Summary Response `json:"summary"`
}

// Agent describes an agent and the operations it exposes.
type Agent struct {
	Name       string   `json:"name"`
	Operations []string `json:"operations"`
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
		return fmt.Sprintf("coralrush api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("coralrush api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the CoralRush API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored bearer token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every API call.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Orchestrate runs the pipeline synchronously.
func (c *Client) Orchestrate(ctx context.Context, req OrchestrationRequest) (Response, error) {
	var resp Response
	if err := c.send(ctx, http.MethodPost, "/api/v1/orchestrations", req, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// SubmitJob queues an orchestration.
func (c *Client) SubmitJob(ctx context.Context, req OrchestrationRequest) (JobSummary, error) {
	var summary JobSummary
	if err := c.send(ctx, http.MethodPost, "/api/v1/jobs", req, &summary); err != nil {
		return JobSummary{}, err
	}
	return summary, nil
}

// GetJob fetches a job by identifier.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var job Job
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// ListJobs lists recent jobs, optionally filtered by status.
func (c *Client) ListJobs(ctx context.Context, limit int, statuses ...string) ([]Job, error) {
	var list []Job
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs"+listQuery(limit, statuses), nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// WaitForJob polls until the job finishes or ctx expires.
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return Job{}, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CreateSession opens an empty session.
func (c *Client) CreateSession(ctx context.Context, meta SessionMetadata) (Session, error) {
	var sess Session
	if err := c.send(ctx, http.MethodPost, "/api/v1/sessions", meta, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// GetSession fetches a session and its aggregated summary.
func (c *Client) GetSession(ctx context.Context, sessionID string) (SessionDetail, error) {
	var detail SessionDetail
	if err := c.send(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID), nil, &detail); err != nil {
		return SessionDetail{}, err
	}
	return detail, nil
}

// ListSessions lists recent sessions, optionally filtered by status.
func (c *Client) ListSessions(ctx context.Context, limit int, statuses ...string) ([]Session, error) {
	var list []Session
	if err := c.send(ctx, http.MethodGet, "/api/v1/sessions"+listQuery(limit, statuses), nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// FinalizeSession closes a session with status "completed" or "failed" and
// returns the status the session ends up in.
func (c *Client) FinalizeSession(ctx context.Context, sessionID, status string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	body := map[string]string{"status": status}
	if err := c.send(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/finalize", body, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Agents lists the agents and their operations.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.send(ctx, http.MethodGet, "/api/v1/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.send(ctx, http.MethodGet, "/healthz", nil, nil)
}

func listQuery(limit int, statuses []string) string {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(statuses) > 0 {
		q.Set("status", strings.Join(statuses, ","))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rawPath, rawQuery, _ := strings.Cut(endpoint, "?")
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, rawPath)
	u.RawPath = ""
	u.RawQuery = rawQuery
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
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
