package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherPostsEvent(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"success":true}`))
	}))
	defer ts.Close()

	p := NewPublisher(ts.URL)
	err := p.PublishEvent(context.Background(), Publication{
		ID:       "srv-1",
		Channel:  "orders",
		Event:    "created",
		Msg:      "payload",
		Password: "hunter2",
	})
	require.NoError(t, err)
	require.Equal(t, "/emit-event", gotPath)
	require.Equal(t, "orders", gotBody["channel"])
	require.Equal(t, "created", gotBody["event"])
	require.Equal(t, "payload", gotBody["msg"])
}

func TestPublisherPostsMessage(t *testing.T) {
	var gotPath string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"success":true}`))
	}))
	defer ts.Close()

	p := NewPublisher(ts.URL)
	err := p.PublishMessage(context.Background(), Publication{
		ID:       "srv-1",
		Channel:  "orders",
		Message:  "payload",
		Password: "hunter2",
	})
	require.NoError(t, err)
	require.Equal(t, "/emit-message", gotPath)
}

func TestPublisherSurfacesRejection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such channel", http.StatusNotFound)
	}))
	defer ts.Close()

	p := NewPublisher(ts.URL)
	err := p.PublishEvent(context.Background(), Publication{Channel: "nope"})

	var perr *PublishError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, http.StatusNotFound, perr.Status)
	require.Contains(t, perr.Body, "no such channel")
}
