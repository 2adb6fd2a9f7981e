package livestorysdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRequests(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		mu.Unlock()
		assert.Equal(t, "alice", r.Header.Get("X-Actor-Id"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/projects/p1/phases/dna":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Contains(t, body, "content")
			fmt.Fprint(w, `{"phase":{"phase":1,"name":"dna","version":2},"changed_fields":["summary"],"propagation":{"proposed":[{"id":"c1","field":"stakes","status":"pending"}],"duplicates":[],"stale":[]}}`)
		case "/v1/projects/p1/changes":
			assert.Equal(t, "history", r.URL.Query().Get("state"))
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			fmt.Fprint(w, `{"items":[{"id":"c0","status":"applied"}],"next_cursor":"abc"}`)
		case "/v1/projects/p1/changes/c1/accept":
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"error":{"code":"stale_change","message":"change is stale","details":{"field":"stakes"}}}`)
		case "/v1/projects/p1/changes/accept-all":
			fmt.Fprint(w, `{"results":[{"change_id":"c2","status":"applied"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1/", "p1")
	c.ActorID = "alice"
	ctx := context.Background()

	res, err := c.CommitPhase(ctx, "dna", map[string]any{"summary": "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Phase.Version)
	require.Len(t, res.Propagation.Proposed, 1)
	assert.Equal(t, "stakes", res.Propagation.Proposed[0].Field)

	page, err := c.History(ctx, 5, "")
	require.NoError(t, err)
	assert.Equal(t, "abc", page.NextCursor)
	require.Len(t, page.Items, 1)

	_, err = c.Accept(ctx, "c1")
	require.Error(t, err)
	assert.True(t, IsStale(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "stakes", apiErr.Details["field"])

	results, err := c.AcceptAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c2", results[0].ChangeID)

	_, err = c.GetChange(ctx, "missing")
	require.Error(t, err)
	assert.False(t, IsStale(err))
}

func TestPollerFiresOnDigestChange(t *testing.T) {
	digests := []string{"a", "a", "b", "b"}
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/p1/notifications", r.URL.Path)
		d := digests[calls]
		calls++
		fmt.Fprintf(w, `{"project_id":"p1","pending":%d,"digest":%q}`, calls, d)
	}))
	defer srv.Close()

	var fired []string
	p := &Poller{Client: New(srv.URL, "p1"), OnChange: func(s Summary) { fired = append(fired, s.Digest) }}
	ctx := context.Background()
	for range digests {
		_, err := p.Poll(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b"}, fired)
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	p := &Poller{Client: New(srv.URL, "p1"), OnError: func(err error) {
		select {
		case errs <- err:
		default:
		}
		cancel()
	}}
	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	var apiErr *APIError
	require.ErrorAs(t, <-errs, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}
