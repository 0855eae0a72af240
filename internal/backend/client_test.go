package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rpggio/tripsync/internal/domain/schedule"
	"github.com/rpggio/tripsync/internal/stream"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://backend", "http://", "::nope"} {
		_, err := New(raw, Options{})
		require.ErrorIs(t, err, ErrInvalidBaseURL, raw)
	}
}

func TestClient_FetchGraphState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/graph_state", r.URL.Path)
		require.Equal(t, "u1", r.URL.Query().Get("user_id"))
		require.Equal(t, "secret", r.Header.Get("X-Service-Key"))
		_, _ = w.Write([]byte(`{"user_id":"u1","schedule_list":[]}`))
	}))
	defer srv.Close()

	client, err := New(srv.URL, Options{Header: http.Header{"X-Service-Key": {"secret"}}})
	require.NoError(t, err)

	data, err := client.FetchGraphState(context.Background(), "u1")
	require.NoError(t, err)
	require.JSONEq(t, `{"user_id":"u1","schedule_list":[]}`, string(data))
}

func TestClient_UpdateScheduleBody(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/update_schedule", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := New(srv.URL, Options{})
	require.NoError(t, err)

	err = client.UpdateSchedule(context.Background(), "u1", []schedule.ScheduleItem{{
		ID:           3,
		ActivityType: schedule.TypeMeal,
		Time:         schedule.ItemTime{StartTime: "2024-05-01 12:00"},
		Location:     "Cafe",
		Title:        "Lunch",
	}})
	require.NoError(t, err)
	require.Equal(t, "u1", body["id"])
	list, ok := body["list_of_activities"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
}

func TestClient_UpdateTripAndReset(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/update_trip" {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "Lisbon", body["trip_location"])
			require.Equal(t, "u1", body["id"])
		}
	}))
	defer srv.Close()

	client, err := New(srv.URL+"/", Options{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.UpdateTrip(ctx, "u1", schedule.TripProfile{TripLocation: "Lisbon"}))
	require.NoError(t, client.ResetState(ctx, "u1"))
	require.Equal(t, []string{"POST /update_trip", "DELETE /reset_state"}, methods)
}

func TestClient_RejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad schedule", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client, err := New(srv.URL, Options{})
	require.NoError(t, err)

	err = client.UpdateSchedule(context.Background(), "u1", nil)
	require.ErrorIs(t, err, ErrUpstreamRejected)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
	require.Equal(t, "bad schedule", statusErr.Body)
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := New(url, Options{})
	require.NoError(t, err)

	_, err = client.FetchGraphState(context.Background(), "u1")
	require.ErrorIs(t, err, ErrBackendUnreachable)
}

func TestClient_StreamURL(t *testing.T) {
	client, err := New("https://planner.example.com/api", Options{})
	require.NoError(t, err)

	got, err := client.StreamURL(stream.EndpointSchedule, "u 1")
	require.NoError(t, err)
	require.Equal(t, "wss://planner.example.com/api/ws/generate_schedule?user_id=u+1", got)

	client, err = New("http://localhost:8000", Options{})
	require.NoError(t, err)
	got, err = client.StreamURL(stream.EndpointChat, "u1")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8000/ws/chat?user_id=u1", got)
}
