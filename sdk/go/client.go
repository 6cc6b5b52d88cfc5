package studiopipesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"studiopipe/internal/bus"
	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
	"studiopipe/internal/resolver"
)

// Client is a minimal studio pipeline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// APIError wraps non-2xx responses. It unwraps to the matching errs kind so
// callers can test remote failures with errors.Is.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return errs.ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errs.ErrValidation
	case http.StatusConflict:
		return errs.ErrConflict
	case http.StatusUnauthorized:
		return errs.ErrUnauthorized
	case http.StatusForbidden:
		return errs.ErrForbidden
	case http.StatusGatewayTimeout:
		return errs.ErrTimeout
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return errs.ErrUpstream
	}
	return nil
}

// Level is a node of the level tree.
type Level struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	EntityID  int64  `json:"entity_id,omitempty"`
	Site      string `json:"site,omitempty"`
	Division  string `json:"division,omitempty"`
	Project   string `json:"project,omitempty"`
	Type      string `json:"type,omitempty"`
	AssetType string `json:"asset_type,omitempty"`
	AssetCode string `json:"asset_code,omitempty"`
	Sequence  string `json:"sequence,omitempty"`
	Shot      string `json:"shot,omitempty"`
	Children  int    `json:"children"`
}

// ConfigPut stores a new config item.
type ConfigPut struct {
	Path        string         `json:"path"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Inherits    *bool          `json:"inherits,omitempty"`
	Payload     map[string]any `json:"payload"`
	Current     *bool          `json:"current,omitempty"`
	Reduced     bool           `json:"reduced,omitempty"`
}

// ProfilePut stores a new profile.
type ProfilePut struct {
	Path        string              `json:"path"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Inherits    *bool               `json:"inherits,omitempty"`
	Packages    []domain.PackageRef `json:"packages,omitempty"`
	Bundles     []domain.Bundle     `json:"bundles,omitempty"`
	Current     *bool               `json:"current,omitempty"`
}

// JobPage wraps job listings with a cursor.
type JobPage struct {
	Items      []domain.JobRequest `json:"items"`
	NextCursor string              `json:"next_cursor"`
}

// EffectiveConfig returns the merged config at path.
func (c *Client) EffectiveConfig(ctx context.Context, path, name string, withTokens bool) (resolver.EffectiveConfig, error) {
	q := url.Values{"path": {path}, "name": {name}}
	if withTokens {
		q.Set("with_tokens", "true")
	}
	var resp resolver.EffectiveConfig
	err := c.do(ctx, http.MethodGet, "configs/effective?"+q.Encode(), nil, &resp)
	return resp, err
}

// PutConfig stores a config item.
func (c *Client) PutConfig(ctx context.Context, in ConfigPut) (domain.ConfigItem, error) {
	var resp domain.ConfigItem
	err := c.do(ctx, http.MethodPut, "configs", in, &resp)
	return resp, err
}

// EffectiveProfile returns the merged profile at path.
func (c *Client) EffectiveProfile(ctx context.Context, path, name string, excludeDeletions bool) (resolver.EffectiveProfile, error) {
	q := url.Values{"path": {path}, "name": {name}}
	if excludeDeletions {
		q.Set("exclude_deletions", "true")
	}
	var resp resolver.EffectiveProfile
	err := c.do(ctx, http.MethodGet, "profiles/effective?"+q.Encode(), nil, &resp)
	return resp, err
}

// PutProfile stores a profile.
func (c *Client) PutProfile(ctx context.Context, in ProfilePut) (domain.Profile, error) {
	var resp domain.Profile
	err := c.do(ctx, http.MethodPut, "profiles", in, &resp)
	return resp, err
}

// PackagesAt returns the package request list of the effective profile.
func (c *Client) PackagesAt(ctx context.Context, path, name string) ([]string, error) {
	q := url.Values{"path": {path}, "name": {name}}
	var resp struct {
		Packages []string `json:"packages"`
	}
	err := c.do(ctx, http.MethodGet, "profiles/packages?"+q.Encode(), nil, &resp)
	return resp.Packages, err
}

// ProfilePackages returns the package request list of a stored profile.
func (c *Client) ProfilePackages(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		Packages []string `json:"packages"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("profiles/%s/packages", url.PathEscape(id)), nil, &resp)
	return resp.Packages, err
}

// FindLevel looks a level up by path.
func (c *Client) FindLevel(ctx context.Context, path string) (Level, error) {
	var resp Level
	err := c.do(ctx, http.MethodGet, "levels/find?"+url.Values{"path": {path}}.Encode(), nil, &resp)
	return resp, err
}

// RequestSync queues a level tree rebuild.
func (c *Client) RequestSync(ctx context.Context, comment string) (domain.SyncRequest, error) {
	var resp domain.SyncRequest
	err := c.do(ctx, http.MethodPost, "levels/sync", map[string]any{"comment": comment}, &resp)
	return resp, err
}

// Publish sends an envelope through the API bus endpoint.
func (c *Client) Publish(ctx context.Context, e bus.Envelope) error {
	body := map[string]any{
		"source":      e.Source,
		"detail-type": e.DetailType,
		"detail":      e.Detail,
	}
	return c.do(ctx, http.MethodPost, "bus/events", body, nil)
}

// JobsPage returns a page of job requests, newest first.
func (c *Client) JobsPage(ctx context.Context, state string, limit int, cursor string) (JobPage, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "jobs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp JobPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errs.Upstream("api", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		return dec.Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
