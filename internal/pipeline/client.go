// -----------------------------------------------------------------------
// Pipeline Client - HTTP client for the ML pipeline backend
// -----------------------------------------------------------------------

package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/models"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 10
)

// Client is a pipeline backend API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets a custom rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithAPIKey sets the bearer token sent on each request.
func WithAPIKey(apiKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// NewClient creates a new pipeline API client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// jobPayload is the backend's wire representation of a job. Status arrives
// as a free-form string and is validated against the kind's closed set.
type jobPayload struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Scope       models.Scope      `json:"scope"`
	Status      string            `json:"status"`
	Processed   int               `json:"processed"`
	Total       int               `json:"total"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// toJob converts a wire payload into a validated job record.
func (p *jobPayload) toJob() (*models.Job, error) {
	kind := models.JobKind(p.Kind)
	if !models.IsValidJobKind(kind) {
		return nil, fmt.Errorf("unknown job kind %q for job %s", p.Kind, p.ID)
	}
	status, err := models.ParseStatus(kind, p.Status)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:          p.ID,
		Kind:        kind,
		Scope:       p.Scope,
		ScopeKey:    p.Scope.Key(),
		Status:      status,
		Error:       p.Error,
		CreatedAt:   p.CreatedAt,
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
	}
	job.Progress.Update(p.Processed, p.Total)
	return job, nil
}

// do performs a request against the API and decodes the response into result.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &RateLimitError{RetryAfter: time.Second}
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	if c.logger != nil {
		c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Msg("Pipeline API request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures are recoverable by the next poll tick.
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return classifyStatus(resp.StatusCode, path, string(respBody))
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// CreateJob asks the backend to start a new pipeline stage.
func (c *Client) CreateJob(ctx context.Context, req *interfaces.CreateJobRequest) (*models.Job, error) {
	var payload jobPayload
	if err := c.do(ctx, http.MethodPost, "/jobs", nil, req, &payload); err != nil {
		return nil, err
	}
	return payload.toJob()
}

// GetJob retrieves a job's full record.
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var payload jobPayload
	if err := c.do(ctx, http.MethodGet, "/jobs/"+jobID, nil, nil, &payload); err != nil {
		return nil, err
	}
	return payload.toJob()
}

// GetProgress retrieves a job's status and progress counts. This is the
// side-effect-free fetch the poll loops use.
func (c *Client) GetProgress(ctx context.Context, jobID string) (*interfaces.JobStatusReport, error) {
	var report interfaces.JobStatusReport
	if err := c.do(ctx, http.MethodGet, "/jobs/"+jobID+"/progress", nil, nil, &report); err != nil {
		return nil, err
	}
	report.JobID = jobID
	return &report, nil
}

// CancelJob requests cancellation of an in-flight job. The returned record
// reflects the backend's view, which may not yet be cancelled.
func (c *Client) CancelJob(ctx context.Context, jobID string) (*models.Job, error) {
	var payload jobPayload
	if err := c.do(ctx, http.MethodPost, "/jobs/"+jobID+"/cancel", nil, nil, &payload); err != nil {
		return nil, err
	}
	return payload.toJob()
}

// DeleteJob removes a terminal job. The backend refuses active jobs; callers
// guard locally first to avoid the round trip.
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+jobID, nil, nil, nil)
}

// summaryPayload is the backend's wire representation of a scope summary.
type summaryPayload struct {
	Latest        *jobPayload `json:"latest_run,omitempty"`
	LastCompleted *jobPayload `json:"last_completed_run,omitempty"`
}

// ListSummary retrieves the canonical latest/last-completed view for a scope.
func (c *Client) ListSummary(ctx context.Context, kind models.JobKind, scope models.Scope) (*models.ScopeSummary, error) {
	params := url.Values{}
	params.Set("kind", string(kind))

	var payload summaryPayload
	if err := c.do(ctx, http.MethodGet, "/scopes/"+url.PathEscape(scope.Key())+"/summary", params, nil, &payload); err != nil {
		return nil, err
	}

	summary := &models.ScopeSummary{
		Scope:     scope,
		Kind:      kind,
		FetchedAt: time.Now(),
	}
	if payload.Latest != nil {
		job, err := payload.Latest.toJob()
		if err != nil {
			return nil, err
		}
		summary.Latest = job
	}
	if payload.LastCompleted != nil {
		job, err := payload.LastCompleted.toJob()
		if err != nil {
			return nil, err
		}
		summary.LastCompleted = job
	}
	return summary, nil
}

// ListHistory retrieves one page of a scope's job history.
func (c *Client) ListHistory(ctx context.Context, kind models.JobKind, scope models.Scope, filter *interfaces.HistoryFilter) (*interfaces.HistoryPage, error) {
	params := url.Values{}
	params.Set("kind", string(kind))
	if filter != nil {
		if filter.Status != "" {
			params.Set("status", filter.Status)
		}
		if filter.Limit > 0 {
			params.Set("limit", strconv.Itoa(filter.Limit))
		}
		if filter.Offset > 0 {
			params.Set("offset", strconv.Itoa(filter.Offset))
		}
	}

	var payload struct {
		Jobs       []*jobPayload `json:"jobs"`
		TotalCount int           `json:"total_count"`
		Limit      int           `json:"limit"`
		Offset     int           `json:"offset"`
	}
	if err := c.do(ctx, http.MethodGet, "/scopes/"+url.PathEscape(scope.Key())+"/history", params, nil, &payload); err != nil {
		return nil, err
	}

	page := &interfaces.HistoryPage{
		Jobs:       make([]*models.Job, 0, len(payload.Jobs)),
		TotalCount: payload.TotalCount,
		Limit:      payload.Limit,
		Offset:     payload.Offset,
	}
	for _, p := range payload.Jobs {
		job, err := p.toJob()
		if err != nil {
			return nil, err
		}
		page.Jobs = append(page.Jobs, job)
	}
	return page, nil
}

// ListModels retrieves the custom models of an ML project.
func (c *Client) ListModels(ctx context.Context, project models.Scope) ([]*models.CustomModel, error) {
	var payload []struct {
		ID    string       `json:"id"`
		Name  string       `json:"name"`
		State string       `json:"state"`
		Scope models.Scope `json:"scope"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects/"+project.ID+"/models", nil, nil, &payload); err != nil {
		return nil, err
	}

	result := make([]*models.CustomModel, 0, len(payload))
	for _, m := range payload {
		state, err := models.ParseModelState(m.State)
		if err != nil {
			return nil, err
		}
		result = append(result, &models.CustomModel{
			ID:      m.ID,
			Name:    m.Name,
			Project: project,
			State:   state,
		})
	}
	return result, nil
}
