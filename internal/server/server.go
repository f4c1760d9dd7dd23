package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"storyline/internal/cache"
	"storyline/internal/engine"
	"storyline/internal/repo"
	"storyline/internal/tasks"
	"storyline/internal/watch"
)

// Config for the HTTP API handler. Hub may be nil, in which case the stream
// and watch endpoints answer 503.
type Config struct {
	Engine   engine.Engine
	Hub      *watch.Hub
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task 3 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"project_id\":\"proj-1\"}"`
}

// apiError models the error envelope shared by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Storyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Storyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerViews(group, cfg.Engine)
	registerLinks(group, cfg.Engine)
	registerCache(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerWatch(group, cfg.Engine, cfg.Hub)
	registerStream(router, basePath, cfg.Engine, cfg.Hub)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

	return router, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("request_id", middleware.GetReqID(r.Context())).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
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
	var nf repo.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrUnknownView) {
		return newAPIError(http.StatusBadRequest, "unknown_view", err.Error(), nil)
	}
	if errors.Is(err, tasks.ErrStoreUnavailable) {
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		log.Error().Err(err).Msg("request failed")
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
	case http.StatusServiceUnavailable:
		return "unavailable"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateOperations(oas, basePath, secured)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

// operations yields every non-nil operation of a path item.
func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

// decorateOperations points every default response at the error envelope and,
// when bearer auth is on, marks all routes except health as secured.
func decorateOperations(oas *huma.OpenAPI, basePath string, secured bool) {
	if oas == nil {
		return
	}
	errSchema := &huma.Schema{Ref: "#/components/schemas/ApiError"}
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	errResponse := &huma.Response{
		Description: "Error envelope",
		Content:     map[string]*huma.MediaType{"application/json": {Schema: errSchema}},
	}
	var security []map[string][]string
	if secured {
		if oas.Components == nil {
			oas.Components = &huma.Components{}
		}
		if oas.Components.SecuritySchemes == nil {
			oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
		}
		oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
		security = []map[string][]string{{"bearerAuth": {}}}
		oas.Security = security
	}
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errResponse
			if !secured {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
			} else {
				op.Security = security
			}
		}
	}
}

const docsPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<title>Storyline API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>
window.onload = () => SwaggerUIBundle({url: '%s', dom_id: '#swagger-ui'});
</script>
</body>
</html>`

func swaggerHTML(basePath string) string {
	return fmt.Sprintf(docsPage, path.Join("/", basePath, "openapi.json"))
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Register project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		var desc string
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.AddProject(ctx, input.Body.ID, input.Body.Root, desc, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Project(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerViews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-hierarchy",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/hierarchy",
		Summary:     "Epic, story and task tree with completion metrics",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body engine.HierarchyView `json:"body"`
	}, error) {
		view, err := e.GetHierarchy(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.HierarchyView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-validation",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/validation",
		Summary:     "Task to story link validation report",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body engine.ValidationReport `json:"body"`
	}, error) {
		report, err := e.GetValidationReport(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ValidationReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dashboard",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/dashboard",
		Summary:     "Task, story, epic and agent statistics",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body engine.DashboardStats `json:"body"`
	}, error) {
		stats, err := e.GetDashboardStats(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DashboardStats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerLinks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "link-task",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/tasks/{task_id}/story",
		Summary:     "Link a task to a story",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		TaskID    string          `path:"task_id"`
		Body      LinkTaskRequest `json:"body"`
	}) (*struct {
		Body engine.LinkResult `json:"body"`
	}, error) {
		res, err := e.LinkTask(ctx, input.ProjectID, input.TaskID, input.Body.StoryID, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.LinkResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerCache(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "clear-cache",
		Method:      http.MethodPost,
		Path:        "/cache/clear",
		Summary:     "Drop cached views",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ClearCacheRequest `json:"body"`
	}) (*struct {
		Body ClearCacheResponse `json:"body"`
	}, error) {
		removed, err := e.ClearCache(ctx, engine.ClearOptions{
			ProjectID: input.Body.ProjectID,
			ViewType:  input.Body.ViewType,
			All:       input.Body.All,
			ActorID:   actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClearCacheResponse `json:"body"`
		}{Body: ClearCacheResponse{Removed: removed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cache-status",
		Method:      http.MethodGet,
		Path:        "/cache/status",
		Summary:     "Cache occupancy",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body cache.Status `json:"body"`
	}, error) {
		return &struct {
			Body cache.Status `json:"body"`
		}{Body: e.CacheStatus()}, nil
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
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,task,tasks,cache"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
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
		items, err := e.ListEvents(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      limit + 1,
			Cursor:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
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

func registerWatch(api huma.API, e engine.Engine, hub *watch.Hub) {
	huma.Register(api, huma.Operation{
		OperationID: "watch-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/watch",
		Summary:     "Change watcher state",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body WatchStatusResponse `json:"body"`
	}, error) {
		if hub == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "watch_disabled", "change watching is not enabled", nil)
		}
		if _, err := e.Project(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WatchStatusResponse `json:"body"`
		}{Body: WatchStatusResponse{
			ProjectID:   input.ProjectID,
			State:       hub.State(input.ProjectID).String(),
			Subscribers: hub.Subscribers(input.ProjectID),
		}}, nil
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
