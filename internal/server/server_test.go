package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestory/internal/analyze"
	"livestory/internal/config"
	"livestory/internal/db"
	"livestory/internal/domain"
	"livestory/internal/engine"
	"livestory/internal/generator"
	"livestory/internal/migrate"
	"livestory/internal/notify"
)

const (
	projectID = "novel"
	jwtSecret = "test-secret"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func stakesGenerator() generator.Generator {
	return generator.Func(func(_ context.Context, req generator.Request) (*generator.Response, error) {
		if req.TargetPhase != domain.PhaseStructure {
			return &generator.Response{}, nil
		}
		return &generator.Response{Edits: []generator.Edit{{
			Field: "stakes", After: "Her sister is the killer", Confidence: 0.82, Reason: "dna summary changed",
		}}}, nil
	})
}

func newTestServer(t *testing.T, authCfg AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	e := engine.New(conn, config.Default())
	e.Analyzer = analyze.New(e.Repo, stakesGenerator(), analyze.DefaultRiskPolicy(), 2*time.Second, nil)
	hub := notify.NewHub()
	e.Publisher = hub
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: authCfg, Subscriber: hub})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	ts := &testServer{
		URL:    srv.URL,
		client: srv.Client(),
		close: func() {
			srv.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func openAuth() AuthConfig {
	return AuthConfig{AllowActorHeader: true, JWTSecret: jwtSecret}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func (s *testServer) projectURL(parts ...string) string {
	return s.URL + "/v1/projects/" + projectID + "/" + strings.Join(parts, "/")
}

var writer = map[string]string{"X-Actor-Id": "writer"}

func (s *testServer) commit(t *testing.T, phase string, content map[string]any) CommitResponse {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodPost, s.projectURL("phases", phase), map[string]any{"content": content}, writer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	return decode[CommitResponse](t, data)
}

// seedScenario commits DNA and structure, then edits the DNA summary so that
// one stakes proposal is pending.
func (s *testServer) seedScenario(t *testing.T) ChangeResponse {
	t.Helper()
	s.commit(t, "dna", map[string]any{"title": "Blood Ties", "summary": "A detective hunts a killer"})
	s.commit(t, "structure", map[string]any{"premise": "A city in fear", "stakes": "A killer stalks the city"})
	out := s.commit(t, "dna", map[string]any{"title": "Blood Ties", "summary": "A detective hunts her own sister"})
	require.Empty(t, out.Propagation.AnalysisError)
	require.Len(t, out.Propagation.Proposed, 1)
	assert.Equal(t, []string{"summary"}, out.ChangedFields)
	return out.Propagation.Proposed[0]
}

func (s *testServer) pending(t *testing.T) []ChangeResponse {
	t.Helper()
	res, data := doJSON(t, s.Client(), http.MethodGet, s.projectURL("changes")+"?state=pending", nil, writer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	return decode[paginatedChanges](t, data).Items
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestScenarioAcceptOverHTTP(t *testing.T) {
	srv := newTestServer(t, openAuth())
	proposed := srv.seedScenario(t)
	assert.Equal(t, "stakes", proposed.Field)
	assert.Equal(t, 2, proposed.Phase)
	require.NotNil(t, proposed.Preview)
	assert.InDelta(t, 0.82, proposed.Preview.Changes[0].Confidence, 1e-9)

	pending := srv.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, proposed.ID, pending[0].ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.projectURL("changes", proposed.ID, "accept"), nil, map[string]string{"X-Actor-Id": "editor"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	accepted := decode[ChangeResponse](t, data)
	assert.Equal(t, "applied", accepted.Status)
	assert.Equal(t, "editor", accepted.ResolvedBy)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.projectURL("phases", "structure"), nil, writer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	phase := decode[PhaseResponse](t, data)
	assert.Equal(t, int64(2), phase.Version)
	assert.Equal(t, "Her sister is the killer", phase.Content["stakes"])
	assert.Empty(t, srv.pending(t))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.projectURL("changes")+"?state=history&limit=1", nil, writer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	history := decode[paginatedChanges](t, data)
	require.Len(t, history.Items, 1)
	assert.Equal(t, proposed.ID, history.Items[0].ID)
	assert.NotEmpty(t, history.NextCursor)
}

func TestStaleAcceptIsConflict(t *testing.T) {
	srv := newTestServer(t, openAuth())
	proposed := srv.seedScenario(t)
	srv.commit(t, "structure", map[string]any{"premise": "A city in fear", "stakes": "hand edited"})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.projectURL("changes", proposed.ID, "accept"), nil, writer)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "stale_change", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.projectURL("changes", proposed.ID), nil, writer)
	require.Equal(t, http.StatusOK, res.StatusCode)
	got := decode[ChangeResponse](t, data)
	assert.Equal(t, "rejected", got.Status)
	assert.Equal(t, "stale", got.Resolution)
}

func TestUndoOverHTTP(t *testing.T) {
	srv := newTestServer(t, openAuth())
	proposed := srv.seedScenario(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.projectURL("changes", proposed.ID, "accept"), nil, writer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.projectURL("changes", proposed.ID, "undo"), nil, writer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	undo := decode[UndoResponse](t, data)
	assert.Equal(t, proposed.ID, undo.Reversal.UndoOf)
	assert.Equal(t, "A killer stalks the city", undo.Reversal.NewValue)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.projectURL("changes", proposed.ID, "undo"), nil, writer)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "not_applied", errorCode(t, data))
}

func TestRejectAndBatchOverHTTP(t *testing.T) {
	srv := newTestServer(t, openAuth())
	proposed := srv.seedScenario(t)

	for i := 0; i < 2; i++ {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.projectURL("changes", proposed.ID, "reject"), nil, writer)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		assert.Equal(t, "rejected", decode[ChangeResponse](t, data).Status)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.projectURL("changes", "accept-all"), nil, writer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Empty(t, decode[BatchResponse](t, data).Results)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.projectURL("phases", "dna", "repropagate"), nil, writer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.Len(t, decode[CommitResponse](t, data).Propagation.Proposed, 1)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.projectURL("changes", "reject-all"), nil, writer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	results := decode[BatchResponse](t, data).Results
	require.Len(t, results, 1)
	assert.Equal(t, "rejected", results[0].Status)
}

func TestBadRequests(t *testing.T) {
	srv := newTestServer(t, openAuth())

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.projectURL("phases", "7"), map[string]any{"content": map[string]any{}}, writer)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.projectURL("phases", "dna"), map[string]any{"content": map[string]any{"villain": "x"}}, writer)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.projectURL("phases", "beats"), nil, writer)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.projectURL("changes")+"?state=history&cursor=nope", nil, writer)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestChangeOfOtherProjectIsHidden(t *testing.T) {
	srv := newTestServer(t, openAuth())
	proposed := srv.seedScenario(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/other/changes/"+proposed.ID+"/accept", nil, writer)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))
	assert.Len(t, srv.pending(t), 1)
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: jwtSecret, RequireAuth: true})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.projectURL("phases"), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.projectURL("phases"), nil, writer)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.projectURL("phases"), nil, map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.projectURL("phases", "dna"),
		map[string]any{"content": map[string]any{"summary": "x"}}, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "alice", decode[CommitResponse](t, data).Phase.UpdatedBy)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestNotificationsAndEvents(t *testing.T) {
	srv := newTestServer(t, openAuth())
	proposed := srv.seedScenario(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.projectURL("notifications"), nil, writer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	summary := decode[SummaryResponse](t, data)
	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, map[string]int{"structure": 1}, summary.ByPhase)
	require.Len(t, summary.Previews, 1)
	assert.Equal(t, proposed.ID, summary.Previews[0].ChangeID)
	assert.NotEmpty(t, summary.Digest)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.projectURL("events")+"?limit=2", nil, writer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	assert.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.projectURL("events")+"?type=change.proposed", nil, writer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	proposedEvents := decode[paginatedEvents](t, data)
	require.Len(t, proposedEvents.Items, 1)
	assert.Equal(t, proposed.ID, proposedEvents.Items[0].EntityID)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestNotificationStream(t *testing.T) {
	srv := newTestServer(t, openAuth())
	srv.seedScenario(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.projectURL("notifications", "stream"), nil)
	require.NoError(t, err)
	req.Header.Set("X-Actor-Id", "writer")
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")

	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		s := decode[SummaryResponse](t, []byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))))
		assert.Equal(t, 1, s.Pending)
		return
	}
	t.Fatalf("no summary event: %v", scanner.Err())
}
