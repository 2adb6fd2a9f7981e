package httpgen_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestory/internal/domain"
	"livestory/internal/generator"
	"livestory/internal/generator/httpgen"
)

func newClient(url string, retries int) *httpgen.Client {
	c := httpgen.New(url, "secret", retries)
	c.InitialInterval = time.Millisecond
	return c
}

func TestSuggestPostsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/suggestions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "p1", body["project_id"])
		assert.EqualValues(t, 2, body["target_phase"])
		_, _ = w.Write([]byte(`{"edits":[{"field":"stakes","after":"her sister","confidence":0.82,"reason":"summary changed"}]}`))
	}))
	defer srv.Close()

	resp, err := newClient(srv.URL, 0).Suggest(context.Background(), generator.Request{
		ProjectID:     "p1",
		SourcePhase:   domain.PhaseDNA,
		TargetPhase:   domain.PhaseStructure,
		TargetContent: &domain.SceneStructure{Stakes: "a killer"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Edits, 1)
	assert.Equal(t, "her sister", resp.Edits[0].After)
}

func TestSuggestRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"edits":[]}`))
	}))
	defer srv.Close()

	resp, err := newClient(srv.URL, 3).Suggest(context.Background(), generator.Request{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, resp.Edits)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestSuggestDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad diff", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 3).Suggest(context.Background(), generator.Request{ProjectID: "p1"})
	require.Error(t, err)
	var se *httpgen.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestSuggestHonorsDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newClient(srv.URL, 5).Suggest(ctx, generator.Request{ProjectID: "p1"})
	require.Error(t, err)
}
