package config

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheretheplow/plowfleet/pkg/api"
)

func TestAdminClient_SendsBearerAndDecodes(t *testing.T) {
	var gotAuth, gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		json.NewEncoder(w).Encode(api.AgentView{ID: "abc", Name: "attic", Status: "approved"})
	}))
	defer srv.Close()

	client := NewAdminClient(srv.URL, "secret", time.Second)
	view, err := client.Approve(context.Background(), "abc")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "/admin/agents/abc/approve", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "attic", view.Name)
}

func TestAdminClient_RenameSendsBody(t *testing.T) {
	var got api.RenameRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(api.AgentView{ID: "abc", Name: got.Name})
	}))
	defer srv.Close()

	view, err := NewAdminClient(srv.URL, "t", time.Second).Rename(context.Background(), "abc", "garage")
	require.NoError(t, err)
	assert.Equal(t, "garage", got.Name)
	assert.Equal(t, "garage", view.Name)
}

func TestAdminClient_ErrorResponse(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "json error", status: http.StatusNotFound, body: `{"error":"agent not found"}`, wantMsg: "agent not found"},
		{name: "plain body", status: http.StatusBadGateway, body: "upstream gone", wantMsg: "upstream gone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewAdminClient(srv.URL, "t", time.Second).GetAgent(context.Background(), "x")
			require.Error(t, err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
		})
	}
}

func TestAdminClient_EventsQuery(t *testing.T) {
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte(`{"events":[{"id":"e1","type":"agent.approved","description":"ok"}]}`))
	}))
	defer srv.Close()

	since := time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC)
	events, err := NewAdminClient(srv.URL, "t", time.Second).Events(context.Background(), EventQuery{
		Type:    "agent.approved",
		AgentID: "abc",
		Limit:   5,
		Since:   since,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)

	assert.Equal(t, []string{"agent.approved"}, query["type"])
	assert.Equal(t, []string{"abc"}, query["agent"])
	assert.Equal(t, []string{"5"}, query["limit"])
	assert.Equal(t, []string{"2026-01-15T07:00:00Z"}, query["since"])
}
