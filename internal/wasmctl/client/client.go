package client

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

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

// Client is a wasm-deploy API client
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a new wasm-deploy API client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// joinURL safely joins a base URL with a path, handling trailing slashes
func (c *Client) joinURL(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// StatusError is returned when the API answers with an unexpected status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	var resp models.ErrorResponse
	if err := json.Unmarshal([]byte(e.Body), &resp); err == nil && resp.Error != "" {
		if resp.Details != "" {
			return fmt.Sprintf("API returned status %d: %s (%s)", e.StatusCode, resp.Error, resp.Details)
		}
		return fmt.Sprintf("API returned status %d: %s", e.StatusCode, resp.Error)
	}
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

// do sends a request and decodes the response into out when it is non-nil
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}, want int) error {
	u := c.joinURL(path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		data, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// RegisterApplication registers a new application
func (c *Client) RegisterApplication(ctx context.Context, app models.Application) (*models.Application, error) {
	var created models.Application
	if err := c.do(ctx, http.MethodPost, "api/v1/applications", nil, app, &created, http.StatusCreated); err != nil {
		return nil, err
	}
	return &created, nil
}

// AddDomain attaches a custom domain to an application
func (c *Client) AddDomain(ctx context.Context, appID, fqdn string, verified bool) (*models.Domain, error) {
	var domain models.Domain
	req := models.Domain{FQDN: fqdn, Verified: verified}
	if err := c.do(ctx, http.MethodPost, "api/v1/applications/"+url.PathEscape(appID)+"/domains", nil, req, &domain, http.StatusCreated); err != nil {
		return nil, err
	}
	return &domain, nil
}

// ListDeploymentsResponse is the response from listing deployments
type ListDeploymentsResponse struct {
	Deployments []models.Deployment `json:"deployments"`
	Total       int                 `json:"total"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}

// ListDeployments lists the deployments of an application, newest first
func (c *Client) ListDeployments(ctx context.Context, appID string, limit, offset int) (*ListDeploymentsResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	var resp ListDeploymentsResponse
	if err := c.do(ctx, http.MethodGet, "api/v1/applications/"+url.PathEscape(appID)+"/deployments", q, nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetDeployment fetches one deployment including its module
func (c *Client) GetDeployment(ctx context.Context, id string) (*models.Deployment, error) {
	var dep models.Deployment
	if err := c.do(ctx, http.MethodGet, "api/v1/deployments/"+url.PathEscape(id), nil, nil, &dep, http.StatusOK); err != nil {
		return nil, err
	}
	return &dep, nil
}

// Release promotes a deployment to the application's permanent addresses
func (c *Client) Release(ctx context.Context, id, requestedBy string) ([]models.Deployment, error) {
	var resp struct {
		Deployments []models.Deployment `json:"deployments"`
	}
	req := models.ReleaseRequest{RequestedBy: requestedBy}
	if err := c.do(ctx, http.MethodPost, "api/v1/deployments/"+url.PathEscape(id)+"/release", nil, req, &resp, http.StatusAccepted); err != nil {
		return nil, err
	}
	return resp.Deployments, nil
}

// Terminate tears a deployment down
func (c *Client) Terminate(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "api/v1/deployments/"+url.PathEscape(id)+"/terminate", nil, nil, nil, http.StatusAccepted)
}

// DeleteDeployment removes a deployment record
func (c *Client) DeleteDeployment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "api/v1/deployments/"+url.PathEscape(id), nil, nil, nil, http.StatusNoContent)
}

// Push submits a push event and returns the applications scheduled for deployment
func (c *Client) Push(ctx context.Context, ev models.PushEvent) ([]string, error) {
	var resp struct {
		Applications []string `json:"applications"`
	}
	if err := c.do(ctx, http.MethodPost, "api/v1/events/push", nil, ev, &resp, http.StatusAccepted); err != nil {
		return nil, err
	}
	return resp.Applications, nil
}
