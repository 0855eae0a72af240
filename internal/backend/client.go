// Package backend talks to the generation backend over HTTP and derives its
// websocket endpoints.
package backend

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

	"github.com/rpggio/tripsync/internal/domain/schedule"
	"github.com/rpggio/tripsync/internal/stream"
)

// DefaultTimeout bounds each HTTP request.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a rejected response is kept for diagnostics.
const maxErrorBody = 4 << 10

var (
	// ErrUpstreamRejected indicates the backend answered with a non-success status.
	ErrUpstreamRejected = errors.New("backend rejected request")
	// ErrBackendUnreachable indicates the request never got an answer.
	ErrBackendUnreachable = errors.New("backend unreachable")
	// ErrInvalidBaseURL indicates the configured backend URL cannot be used.
	ErrInvalidBaseURL = errors.New("invalid backend url")
)

// StatusError carries the backend's rejected status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUpstreamRejected }

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// Header is added to every request, e.g. a service credential.
	Header http.Header
	Logger *slog.Logger
}

// Client is the generation backend's HTTP API.
type Client struct {
	base   *url.URL
	http   *http.Client
	header http.Header
	logger *slog.Logger
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidBaseURL, base.Scheme)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidBaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{base: base, http: httpClient, header: opts.Header.Clone(), logger: logger}, nil
}

// BaseURL returns the backend's HTTP base.
func (c *Client) BaseURL() string { return c.base.String() }

type scheduleUpdate struct {
	ListOfActivities []schedule.ScheduleItem `json:"list_of_activities"`
	ID               string                  `json:"id"`
}

type tripUpdate struct {
	schedule.TripProfile
	ID string `json:"id"`
}

// FetchGraphState returns the user's snapshot JSON as the backend sent it.
func (c *Client) FetchGraphState(ctx context.Context, userID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/graph_state", userID, nil)
}

// UpdateSchedule replaces the user's stored schedule.
func (c *Client) UpdateSchedule(ctx context.Context, userID string, items []schedule.ScheduleItem) error {
	if items == nil {
		items = []schedule.ScheduleItem{}
	}
	_, err := c.do(ctx, http.MethodPost, "/update_schedule", userID, scheduleUpdate{ListOfActivities: items, ID: userID})
	return err
}

// UpdateTrip replaces the user's trip profile.
func (c *Client) UpdateTrip(ctx context.Context, userID string, profile schedule.TripProfile) error {
	_, err := c.do(ctx, http.MethodPost, "/update_trip", userID, tripUpdate{TripProfile: profile, ID: userID})
	return err
}

// ResetState clears the user's generation state.
func (c *Client) ResetState(ctx context.Context, userID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/reset_state", userID, nil)
	return err
}

// Health checks the backend's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", "", nil)
	return err
}

// StreamURL returns the websocket URL for endpoint, carrying the user id.
func (c *Client) StreamURL(endpoint stream.Endpoint, userID string) (string, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + string(endpoint)
	u.RawQuery = url.Values{"user_id": {userID}}.Encode()
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path, userID string, body any) ([]byte, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if userID != "" {
		u.RawQuery = url.Values{"user_id": {userID}}.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	for key, values := range c.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrBackendUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %v", ErrBackendUnreachable, path, err)
	}
	c.logger.Debug("backend request",
		"method", method,
		"path", path,
		"user_id", userID,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	return data, nil
}
