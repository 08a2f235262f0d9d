package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "secret")
}

func TestRegisterApplication(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/applications", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var app models.Application
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&app))
		app.ID = "a1b2c3d4-0000"
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(app)
	})

	app, err := c.RegisterApplication(context.Background(), models.Application{Slug: "widget", Owner: "acme", Repo: "widget", OrgSlug: "acme"})
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4-0000", app.ID)
	assert.Equal(t, "widget", app.Slug)
}

func TestListDeployments(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/applications/app-1/deployments", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Empty(t, r.URL.Query().Get("offset"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"deployments": []models.Deployment{{ID: "d1", Status: models.StatusDeployed}},
			"total":       7,
			"limit":       5,
		})
	})

	resp, err := c.ListDeployments(context.Background(), "app-1", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, resp.Total)
	require.Len(t, resp.Deployments, 1)
	assert.Equal(t, models.StatusDeployed, resp.Deployments[0].Status)
}

func TestCommands(t *testing.T) {
	var calls []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"deployments":[{"id":"r1"}],"applications":["app-1"]}`))
		}
	})
	ctx := context.Background()

	released, err := c.Release(ctx, "d1", "ops")
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, "r1", released[0].ID)

	require.NoError(t, c.Terminate(ctx, "d1"))
	require.NoError(t, c.DeleteDeployment(ctx, "d1"))

	scheduled, err := c.Push(ctx, models.PushEvent{Owner: "acme", Repo: "widget"})
	require.NoError(t, err)
	assert.Equal(t, []string{"app-1"}, scheduled)

	assert.Equal(t, []string{
		"POST /api/v1/deployments/d1/release",
		"POST /api/v1/deployments/d1/terminate",
		"DELETE /api/v1/deployments/d1",
		"POST /api/v1/events/push",
	}, calls)
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{
			name:    "error response",
			status:  http.StatusConflict,
			body:    `{"error":"Invalid status transition","details":"cannot terminate a errored deployment"}`,
			wantErr: "API returned status 409: Invalid status transition (cannot terminate a errored deployment)",
		},
		{
			name:    "plain body",
			status:  http.StatusBadGateway,
			body:    "upstream down",
			wantErr: "API returned status 502: upstream down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			err := c.Terminate(context.Background(), "d1")
			require.Error(t, err)
			assert.EqualError(t, err, tt.wantErr)

			var serr *StatusError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tt.status, serr.StatusCode)
		})
	}
}
