package backend_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/ts-campus/internal/backend"
	"github.com/technosupport/ts-campus/internal/events"
)

type staticToken string

func (s staticToken) Token() (string, error) { return string(s), nil }

type failingToken struct{}

func (failingToken) Token() (string, error) { return "", errors.New("token expired") }

func newBackend(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, `{"detail":"Not authenticated"}`, http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		w.Write([]byte(`[
			{"id":2,"camera_id":"cam-02","event_type":"loitering","timestamp":"2024-01-01T10:20:00","confidence":0.5,"description":null,"image_path":"media/2.jpg"},
			{"id":1,"camera_id":"cam-01","event_type":"intrusion","timestamp":"2024-01-01T10:15:00"}
		]`))
	})
	mux.HandleFunc("/api/events/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total_events":2,"intrusion_events":1,"last_event_time":"2024-01-01T10:20:00"}`))
	})
	mux.HandleFunc("/api/auth/user-count", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total_users":7}`))
	})
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Snapshot(t *testing.T) {
	srv := newBackend(t)
	c := backend.NewClient(srv.URL+"/", staticToken("secret"), time.Second)
	ctx := context.Background()

	evts, err := c.FetchEvents(ctx, 50)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "2", evts[0].ID)
	assert.Equal(t, "media/2.jpg", evts[0].ImagePath)
	assert.Empty(t, evts[0].Description)

	stats, err := c.FetchStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEvents)
	require.NotNil(t, stats.LastEventTime)

	users, err := c.FetchUserCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, users)

	status, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", status)
}

func TestClient_Unauthorized(t *testing.T) {
	srv := newBackend(t)
	c := backend.NewClient(srv.URL, staticToken("wrong"), time.Second)

	_, err := c.FetchEvents(context.Background(), 50)
	var statusErr *backend.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Status)
	assert.Contains(t, statusErr.Body, "Not authenticated")
}

func TestClient_TokenFailureSkipsRequest(t *testing.T) {
	hit := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer srv.Close()

	c := backend.NewClient(srv.URL, failingToken{}, time.Second)
	_, err := c.FetchStats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bearer token")
	assert.False(t, hit)
}

func TestClient_MalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":1,"camera_id":"cam-01"}]`))
	}))
	defer srv.Close()

	c := backend.NewClient(srv.URL, nil, time.Second)
	_, err := c.FetchEvents(context.Background(), 50)
	assert.ErrorIs(t, err, events.ErrInvalidEvent)
}

func TestClient_ImageURL(t *testing.T) {
	c := backend.NewClient("http://127.0.0.1:8000/", nil, 0)

	assert.Equal(t, "", c.ImageURL(""))
	assert.Equal(t, "http://127.0.0.1:8000/media/a.jpg", c.ImageURL("/media/a.jpg"))
	assert.Equal(t, "http://127.0.0.1:8000/media/a.jpg", c.ImageURL("media/a.jpg"))
	assert.Equal(t, "https://cdn.example/a.jpg", c.ImageURL("https://cdn.example/a.jpg"))
}
