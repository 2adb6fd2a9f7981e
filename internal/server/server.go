package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"livestory/internal/domain"
	"livestory/internal/engine"
	"livestory/internal/notify"
	"livestory/internal/repo"
)

const defaultMaxBodyBytes = 1 << 20

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Subscriber feeds the notification stream. Without one the stream only
	// sends the current summary.
	Subscriber   notify.Subscriber
	PreviewLimit int
	MaxBodyBytes int64
	Logger       *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_change"`
	Message string         `json:"message" example:"change is stale"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the livestory API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "body_too_large", err.Error(), nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, data)))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("livestory API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	previewLimit := cfg.PreviewLimit
	if previewLimit <= 0 {
		previewLimit = notify.DefaultPreviewLimit
	}

	registerDocs(router, basePath)
	registerHealth(group)
	registerPhases(group, cfg.Engine)
	registerChanges(group, cfg.Engine)
	registerNotifications(group, cfg.Engine, cfg.Subscriber, previewLimit)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger logs one line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var stale *engine.StaleChangeError
	if errors.As(err, &stale) {
		return newAPIError(http.StatusConflict, "stale_change", err.Error(), map[string]any{
			"change_id": stale.ChangeID,
			"phase":     int(stale.Phase),
			"field":     stale.Field,
			"expected":  stale.Expected,
			"actual":    stale.Actual,
		})
	}
	switch {
	case errors.Is(err, engine.ErrConcurrentWrite):
		return newAPIError(http.StatusConflict, "concurrent_write_conflict", err.Error(), map[string]any{"retryable": true})
	case errors.Is(err, engine.ErrNotApplied):
		return newAPIError(http.StatusConflict, "not_applied", err.Error(), nil)
	case errors.Is(err, engine.ErrNotPending):
		return newAPIError(http.StatusConflict, "not_pending", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrUnknownField):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), map[string]any{"retryable": true})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "does not belong"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>livestory API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Actor-Id.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type phasePath struct {
	ProjectID string `path:"project_id"`
	Phase     string `path:"phase" doc:"Phase number (1-4) or name (dna, structure, beats, document)"`
}

func parsePhaseParam(raw string) (domain.Phase, huma.StatusError) {
	p, err := domain.ParsePhase(raw)
	if err != nil {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"phase": raw})
	}
	return p, nil
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases",
		Summary:     "List committed phases",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []PhaseResponse `json:"body"`
	}, error) {
		items, err := e.ListPhases(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PhaseResponse, 0, len(items))
		for _, rec := range items {
			out = append(out, phaseResponse(rec))
		}
		return &struct {
			Body []PhaseResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase}",
		Summary:     "Get phase",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		phase, perr := parsePhaseParam(input.Phase)
		if perr != nil {
			return nil, perr
		}
		rec, err := e.GetPhase(ctx, input.ProjectID, phase)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "commit-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phases/{phase}",
		Summary:     "Commit a manual edit of a phase",
		Description: "Stores the new content, records one manual_edit change per changed field and proposes downstream updates. A generator failure is reported in propagation.analysis_error; the commit still stands.",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Phase     string             `path:"phase"`
		Body      CommitPhaseRequest `json:"body"`
	}) (*struct {
		Body CommitResponse `json:"body"`
	}, error) {
		phase, perr := parsePhaseParam(input.Phase)
		if perr != nil {
			return nil, perr
		}
		if input.Body.Content == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "content is required", nil)
		}
		raw, err := json.Marshal(input.Body.Content)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		content, err := domain.DecodeContent(phase, raw)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CommitPhase(ctx, input.ProjectID, phase, content, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommitResponse `json:"body"`
		}{Body: commitResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "repropagate-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phases/{phase}/repropagate",
		Summary:     "Re-run propagation for the latest edit of a phase",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body CommitResponse `json:"body"`
	}, error) {
		phase, perr := parsePhaseParam(input.Phase)
		if perr != nil {
			return nil, perr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Repropagate(ctx, input.ProjectID, phase, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommitResponse `json:"body"`
		}{Body: commitResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-phase-revisions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase}/revisions",
		Summary:     "List phase revisions, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Phase     string `path:"phase"`
		Limit     int    `query:"limit" default:"50"`
		Before    int64  `query:"before" doc:"Only revisions older than this version"`
	}) (*struct {
		Body []RevisionResponse `json:"body"`
	}, error) {
		phase, perr := parsePhaseParam(input.Phase)
		if perr != nil {
			return nil, perr
		}
		items, err := e.ListRevisions(ctx, input.ProjectID, phase, normalizeLimit(input.Limit), input.Before)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RevisionResponse, 0, len(items))
		for _, rev := range items {
			out = append(out, revisionResponse(rev))
		}
		return &struct {
			Body []RevisionResponse `json:"body"`
		}{Body: out}, nil
	})
}

type changePath struct {
	ProjectID string `path:"project_id"`
	ChangeID  string `path:"change_id"`
}

// changeInProject loads a change and hides changes of other projects.
func changeInProject(ctx context.Context, e engine.Engine, projectID, changeID string) (domain.StoryChange, huma.StatusError) {
	c, err := e.GetChange(ctx, changeID)
	if err != nil {
		return domain.StoryChange{}, handleError(err)
	}
	if c.ProjectID != projectID {
		return domain.StoryChange{}, newAPIError(http.StatusNotFound, "not_found", "change not found", map[string]any{"change_id": changeID})
	}
	return c, nil
}

func registerChanges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-changes",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/changes",
		Summary:     "List pending changes or resolved history",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		State     string `query:"state" enum:"pending,history" default:"pending"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedChanges `json:"body"`
	}, error) {
		var resp paginatedChanges
		if input.State == "history" {
			items, next, err := e.History(ctx, input.ProjectID, normalizeLimit(input.Limit), input.Cursor)
			if err != nil {
				if strings.Contains(err.Error(), "invalid cursor") {
					return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
				}
				return nil, handleError(err)
			}
			resp = paginatedChanges{Items: mapChanges(items), NextCursor: next}
		} else {
			items, err := e.ListPending(ctx, input.ProjectID)
			if err != nil {
				return nil, handleError(err)
			}
			resp = paginatedChanges{Items: mapChanges(items)}
		}
		return &struct {
			Body paginatedChanges `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-change",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/changes/{change_id}",
		Summary:     "Get change",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *changePath) (*struct {
		Body ChangeResponse `json:"body"`
	}, error) {
		c, herr := changeInProject(ctx, e, input.ProjectID, input.ChangeID)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body ChangeResponse `json:"body"`
		}{Body: changeResponse(c)}, nil
	})

	resolve := func(opID, verb, summary string, fn func(ctx context.Context, id, actorID string) (domain.StoryChange, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/changes/{change_id}/" + verb,
			Summary:     summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *changePath) (*struct {
			Body ChangeResponse `json:"body"`
		}, error) {
			if _, herr := changeInProject(ctx, e, input.ProjectID, input.ChangeID); herr != nil {
				return nil, herr
			}
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			c, err := fn(ctx, input.ChangeID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ChangeResponse `json:"body"`
			}{Body: changeResponse(c)}, nil
		})
	}
	resolve("accept-change", "accept", "Accept a pending change", e.Accept)
	resolve("reject-change", "reject", "Reject a pending change", e.Reject)

	huma.Register(api, huma.Operation{
		OperationID: "undo-change",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/changes/{change_id}/undo",
		Summary:     "Undo an applied change",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *changePath) (*struct {
		Body UndoResponse `json:"body"`
	}, error) {
		if _, herr := changeInProject(ctx, e, input.ProjectID, input.ChangeID); herr != nil {
			return nil, herr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Undo(ctx, input.ChangeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UndoResponse `json:"body"`
		}{Body: UndoResponse{Undone: changeResponse(res.Undone), Reversal: changeResponse(res.Reversal)}}, nil
	})

	batch := func(opID, verb, summary string, fn func(ctx context.Context, projectID, actorID string) ([]domain.BatchResult, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/changes/" + verb,
			Summary:     summary,
			Errors:      []int{http.StatusConflict},
		}, func(ctx context.Context, input *projectPath) (*struct {
			Body BatchResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			results, err := fn(ctx, input.ProjectID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body BatchResponse `json:"body"`
			}{Body: batchResponse(results)}, nil
		})
	}
	batch("accept-all-changes", "accept-all", "Accept every pending change in timestamp order", e.AcceptAll)
	batch("reject-all-changes", "reject-all", "Reject every pending change", e.RejectAll)
}

// SummaryEvent is the SSE event carrying a pending summary.
type SummaryEvent SummaryResponse

func registerNotifications(api huma.API, e engine.Engine, sub notify.Subscriber, previewLimit int) {
	huma.Register(api, huma.Operation{
		OperationID: "get-notifications",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/notifications",
		Summary:     "Pending change summary",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" doc:"Number of previews to include"`
	}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		limit := previewLimit
		if input.Limit > 0 {
			limit = input.Limit
		}
		s, err := e.Summary(ctx, input.ProjectID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: summaryResponse(s)}, nil
	})

	sse.Register(api, huma.Operation{
		OperationID: "stream-notifications",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/notifications/stream",
		Summary:     "Stream pending change summaries",
	}, map[string]any{
		"summary": SummaryEvent{},
	}, func(ctx context.Context, input *projectPath, send sse.Sender) {
		current, err := e.Summary(ctx, input.ProjectID, previewLimit)
		if err != nil {
			return
		}
		if err := send.Data(SummaryEvent(summaryResponse(current))); err != nil {
			return
		}
		if sub == nil {
			return
		}
		ch, unsubscribe, err := sub.Subscribe(ctx, input.ProjectID)
		if err != nil {
			return
		}
		defer unsubscribe()
		last := current
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-ch:
				if !ok {
					return
				}
				if s.Older(last) || s.Digest == last.Digest {
					continue
				}
				last = s
				if err := send.Data(SummaryEvent(summaryResponse(s))); err != nil {
					return
				}
			}
		}
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		EntityID  string `query:"entity_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.ProjectID, input.Type, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
