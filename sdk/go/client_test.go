package operaflowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientSendsTokenAndDecodes(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		switch r.URL.Path {
		case "/v1/auth/dev/login":
			json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
		case "/v1/tasks":
			var in NewTask
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(Task{ID: "t1", Title: in.Title, Status: "not_started", Version: 1})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	require.NoError(t, c.DevLogin(context.Background(), "pat", "planner"))
	require.Equal(t, "tok-1", c.BearerToken)

	task, err := c.CreateTask(context.Background(), NewTask{Title: "Building A"})
	require.NoError(t, err)
	require.Equal(t, "/v1/tasks", gotPath)
	require.Equal(t, "Bearer tok-1", gotAuth)
	require.Equal(t, "t1", task.ID)
	require.Equal(t, "Building A", task.Title)
}

func TestClientParsesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"not_pending","message":"provisional assignment is not pending"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	_, err := c.Decide(context.Background(), "p1", true)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "not_pending", apiErr.Code)
	require.Contains(t, apiErr.Error(), "not_pending")
}

func TestClientEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/events", r.URL.Path)
		require.Equal(t, "5", r.URL.Query().Get("limit"))
		require.Equal(t, "42", r.URL.Query().Get("cursor"))
		json.NewEncoder(w).Encode(PaginatedEvents{Items: []Event{{ID: 41, Type: "task.created"}}, NextCursor: "41"})
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 5, "42")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, "41", page.NextCursor)
}
