package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"apjsurvey/internal/domain"
	"apjsurvey/internal/engine"
	"apjsurvey/internal/engine/auth"
	"apjsurvey/internal/points"
	"apjsurvey/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Tracker  *engine.Tracker
	Points   *points.Tracker
	BasePath string
	Auth     AuthConfig
	Log      logrus.FieldLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"validate survey: survey is menunggu, cannot move to tervalidasi"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"rejectionReason\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the survey API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("server: tracking tracker is required")
	}
	if cfg.Points == nil {
		return nil, errors.New("server: points tracker is required")
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Log
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	router.Use(requestLogger(cfg.Log))
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("APJ Survey API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerSurveys(group, cfg.Engine)
	registerTracking(group, cfg.Tracker)
	registerPoints(group, cfg.Engine, cfg.Points)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// Run serves handler on addr until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, addr string, handler http.Handler, log logrus.FieldLogger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission, "role": fe.Role})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var pe engine.PreconditionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", err.Error(), map[string]any{"op": pe.Op})
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, store.ErrExists):
		return newAPIError(http.StatusConflict, "already_exists", err.Error(), nil)
	case errors.Is(err, points.ErrNoActiveTask), errors.Is(err, points.ErrNoPoint):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var stErr *store.Error
	if errors.As(err, &stErr) {
		return newAPIError(http.StatusServiceUnavailable, "storage_unavailable", "storage unavailable, retry later",
			map[string]any{"op": stErr.Op, "collection": stErr.Collection, "retry": true})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
		return "precondition_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// errNotOwner is returned when a surveyor reaches for another surveyor's records.
func errNotOwner(ownerID string) huma.StatusError {
	return newAPIError(http.StatusForbidden, "forbidden", "surveyors may only access their own records", map[string]any{"owner": ownerID})
}

// taskAccess resolves a task the caller may act on: its surveyor, or an admin it is visible to.
func taskAccess(ctx context.Context, e engine.Engine, p auth.Principal, id string) (domain.Task, error) {
	t, err := e.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	switch p.Role {
	case auth.RoleSurveyor:
		if t.SurveyorID != p.ID {
			return domain.Task{}, errNotOwner(t.SurveyorID)
		}
	case auth.RoleAdmin:
		if !t.VisibleTo(p.Admin()) {
			return domain.Task{}, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("task %s not found", id), nil)
		}
	}
	return t, nil
}

func parseKind(s string) (domain.SurveyKind, error) {
	kind, err := domain.ParseSurveyKind(s)
	if err != nil {
		return "", engine.ValidationError{Field: "kind", Reason: err.Error()}
	}
	return kind, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var doc []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>APJ Survey API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Assign a survey task to a surveyor",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := requirePermission(ctx, auth.PermTaskManage)
		if err != nil {
			return nil, handleError(err)
		}
		files := make([]domain.ReferenceFile, 0, len(input.Body.ReferenceFiles))
		for _, f := range input.Body.ReferenceFiles {
			files = append(files, domain.ReferenceFile{Kind: domain.SurveyKind(f.Kind), URL: f.URL, Name: f.Name})
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:          stringOrEmpty(input.Body.ID),
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Type:        domain.TaskType(input.Body.Type),
			Surveyor: domain.Surveyor{
				ID:    input.Body.SurveyorID,
				Name:  stringOrEmpty(input.Body.SurveyorName),
				Email: stringOrEmpty(input.Body.SurveyorEmail),
			},
			ReferenceFiles: files,
			Admin:          p.Admin(),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks visible to the caller",
		Errors:      []int{http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*taskListOutput, error) {
		p, err := requirePermission(ctx, auth.PermTaskRead)
		if err != nil {
			return nil, handleError(err)
		}
		var items []domain.Task
		if p.Role == auth.RoleAdmin {
			items, err = e.ListTasksForAdmin(ctx, p.Admin())
		} else {
			items, err = e.ListTasksForSurveyor(ctx, p.ID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &taskListOutput{Body: nonNilTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*taskOutput, error) {
		p, err := requirePermission(ctx, auth.PermTaskRead)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := taskAccess(ctx, e, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, err := requirePermission(ctx, auth.PermTaskManage)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := taskAccess(ctx, e, p, input.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, handleError(err)
		}
		if err := e.DeleteTask(ctx, input.ID, p.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}/status",
		Summary:     "Advance task status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body SetTaskStatusRequest `json:"body"`
	}) (*taskOutput, error) {
		p, err := requirePermission(ctx, auth.PermTaskProgress)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := taskAccess(ctx, e, p, input.ID); err != nil {
			return nil, handleError(err)
		}
		t, err := e.SetTaskStatus(ctx, input.ID, domain.TaskStatus(input.Body.Status), p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-surveyor-tasks",
		Method:      http.MethodGet,
		Path:        "/surveyors/{id}/tasks",
		Summary:     "List a surveyor's assignments",
		Errors:      []int{http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*taskListOutput, error) {
		p, err := requirePermission(ctx, auth.PermTaskRead)
		if err != nil {
			return nil, handleError(err)
		}
		if p.Role == auth.RoleSurveyor && p.ID != input.ID {
			return nil, errNotOwner(input.ID)
		}
		items, err := e.ListTasksForSurveyor(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.Role == auth.RoleAdmin {
			visible := items[:0]
			for _, t := range items {
				if t.VisibleTo(p.Admin()) {
					visible = append(visible, t)
				}
			}
			items = visible
		}
		return &taskListOutput{Body: nonNilTasks(items)}, nil
	})
}

func registerSurveys(api huma.API, e engine.Engine) {
	type surveyPath struct {
		Kind string `path:"kind" enum:"existing,propose"`
		ID   string `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "submit-survey",
		Method:        http.MethodPost,
		Path:          "/surveys/{kind}",
		Summary:       "Submit a field survey",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Kind string              `path:"kind" enum:"existing,propose"`
		Body SubmitSurveyRequest `json:"body"`
	}) (*surveyOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := requirePermission(ctx, auth.PermSurveySubmit)
		if err != nil {
			return nil, handleError(err)
		}
		kind, err := parseKind(input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		var details domain.Details
		if input.Body.Details != nil {
			raw, err := json.Marshal(input.Body.Details)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid details", map[string]any{"error": err.Error()})
			}
			if details, err = domain.ParseDetails(kind, raw); err != nil {
				return nil, handleError(engine.ValidationError{Field: "details", Reason: err.Error()})
			}
		}
		s, err := e.SubmitSurvey(ctx, engine.SurveySubmission{
			ID:        stringOrEmpty(input.Body.ID),
			Kind:      kind,
			TaskID:    stringOrEmpty(input.Body.TaskID),
			Surveyor:  p.Surveyor(),
			Latitude:  input.Body.Latitude,
			Longitude: input.Body.Longitude,
			Accuracy:  input.Body.Accuracy,
			Details:   details,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return surveyBody(s)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-surveys",
		Method:      http.MethodGet,
		Path:        "/surveys/{kind}",
		Summary:     "List surveys of one kind",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Kind        string `path:"kind" enum:"existing,propose"`
		Status      string `query:"status"`
		SurveyorUID string `query:"surveyorUid"`
		TaskID      string `query:"taskId"`
	}) (*surveyListOutput, error) {
		p, err := requirePermission(ctx, auth.PermSurveyRead)
		if err != nil {
			return nil, handleError(err)
		}
		kind, err := parseKind(input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		f := engine.SurveyFilter{Kind: kind, SurveyorUID: input.SurveyorUID, TaskID: input.TaskID}
		if input.Status != "" {
			st, err := domain.ParseSurveyStatus(input.Status)
			if err != nil {
				return nil, handleError(engine.ValidationError{Field: "status", Reason: err.Error()})
			}
			f.Status = st
		}
		if p.Role == auth.RoleSurveyor {
			if f.SurveyorUID != "" && f.SurveyorUID != p.ID {
				return nil, errNotOwner(f.SurveyorUID)
			}
			f.SurveyorUID = p.ID
		}
		items, err := e.ListSurveys(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return surveyListBody(items)
	})

	huma.Register(api, huma.Operation{
		OperationID: "survey-counts",
		Method:      http.MethodGet,
		Path:        "/surveys/counts",
		Summary:     "Survey totals by kind and status",
		Errors:      []int{http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*countsOutput, error) {
		if _, err := requirePermission(ctx, auth.PermSurveyRead); err != nil {
			return nil, handleError(err)
		}
		c, err := e.SurveyCounts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &countsOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-survey",
		Method:      http.MethodGet,
		Path:        "/surveys/{kind}/{id}",
		Summary:     "Get survey",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *surveyPath) (*surveyOutput, error) {
		p, err := requirePermission(ctx, auth.PermSurveyRead)
		if err != nil {
			return nil, handleError(err)
		}
		kind, err := parseKind(input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.GetSurvey(ctx, kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.Role == auth.RoleSurveyor && s.SurveyorUID != p.ID {
			return nil, errNotOwner(s.SurveyorUID)
		}
		return surveyBody(s)
	})

	transitionErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusUnprocessableEntity,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID: "verify-survey",
		Method:      http.MethodPost,
		Path:        "/surveys/{kind}/{id}/verify",
		Summary:     "Mark a waiting survey as verified",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *surveyPath) (*surveyOutput, error) {
		p, err := requirePermission(ctx, auth.PermSurveyReview)
		if err != nil {
			return nil, handleError(err)
		}
		kind, err := parseKind(input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.VerifySurvey(ctx, kind, input.ID, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return surveyBody(s)
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-survey",
		Method:      http.MethodPost,
		Path:        "/surveys/{kind}/{id}/validate",
		Summary:     "Validate a verified survey",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *surveyPath) (*surveyOutput, error) {
		p, err := requirePermission(ctx, auth.PermSurveyReview)
		if err != nil {
			return nil, handleError(err)
		}
		kind, err := parseKind(input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.ValidateSurvey(ctx, kind, input.ID, p.Admin())
		if err != nil {
			return nil, handleError(err)
		}
		return surveyBody(s)
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-survey",
		Method:      http.MethodPost,
		Path:        "/surveys/{kind}/{id}/reject",
		Summary:     "Reject a survey with a reason",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		Kind string              `path:"kind" enum:"existing,propose"`
		ID   string              `path:"id"`
		Body RejectSurveyRequest `json:"body"`
	}) (*surveyOutput, error) {
		p, err := requirePermission(ctx, auth.PermSurveyReview)
		if err != nil {
			return nil, handleError(err)
		}
		kind, err := parseKind(input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.RejectSurvey(ctx, kind, input.ID, p.Admin(), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return surveyBody(s)
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-survey",
		Method:      http.MethodPatch,
		Path:        "/surveys/{kind}/{id}",
		Summary:     "Correct survey coordinates or details",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		Kind string            `path:"kind" enum:"existing,propose"`
		ID   string            `path:"id"`
		Body EditSurveyRequest `json:"body"`
	}) (*surveyOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := requirePermission(ctx, auth.PermSurveyEdit)
		if err != nil {
			return nil, handleError(err)
		}
		kind, err := parseKind(input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		bodyMap := rawBodyMap(ctx)
		for _, field := range []string{"latitude", "longitude"} {
			if isNullRaw(bodyMap[field]) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", field+" cannot be null", map[string]any{"field": field, "reason": "cannot be null"})
			}
		}
		s, err := e.EditSurvey(ctx, kind, input.ID, p.Admin(), engine.SurveyEdit{
			Latitude:  input.Body.Latitude,
			Longitude: input.Body.Longitude,
			Accuracy:  input.Body.Accuracy,
			Details:   input.Body.Details,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return surveyBody(s)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-survey",
		Method:        http.MethodDelete,
		Path:          "/surveys/{kind}/{id}",
		Summary:       "Delete survey",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *surveyPath) (*struct{}, error) {
		p, err := requirePermission(ctx, auth.PermSurveyDelete)
		if err != nil {
			return nil, handleError(err)
		}
		kind, err := parseKind(input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteSurvey(ctx, kind, input.ID, p.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verification-queue",
		Method:      http.MethodGet,
		Path:        "/verification-queue",
		Summary:     "Surveys awaiting verification",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Kind string `query:"kind"`
	}) (*surveyListOutput, error) {
		if _, err := requirePermission(ctx, auth.PermSurveyReview); err != nil {
			return nil, handleError(err)
		}
		var kind domain.SurveyKind
		if input.Kind != "" {
			k, err := parseKind(input.Kind)
			if err != nil {
				return nil, handleError(err)
			}
			kind = k
		}
		items, err := e.VerificationQueue(ctx, kind)
		if err != nil {
			return nil, handleError(err)
		}
		return surveyListBody(items)
	})

	huma.Register(api, huma.Operation{
		OperationID: "validation-queue",
		Method:      http.MethodGet,
		Path:        "/validation-queue",
		Summary:     "Verified surveys awaiting this admin's validation",
		Errors:      []int{http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*surveyListOutput, error) {
		p, err := requirePermission(ctx, auth.PermSurveyReview)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ValidationQueue(ctx, p.Admin())
		if err != nil {
			return nil, handleError(err)
		}
		return surveyListBody(items)
	})
}

func registerTracking(api huma.API, t *engine.Tracker) {
	// ownSession resumes an active session that belongs to the caller.
	ownSession := func(ctx context.Context, p auth.Principal, id string) (*engine.Session, error) {
		doc, err := t.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc.UserID != p.ID {
			return nil, errNotOwner(doc.UserID)
		}
		return t.Resume(ctx, id)
	}

	huma.Register(api, huma.Operation{
		OperationID:   "start-tracking",
		Method:        http.MethodPost,
		Path:          "/tracking/sessions",
		Summary:       "Start a tracking session",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body StartTrackingRequest `json:"body"`
	}) (*sessionOutput, error) {
		p, err := requirePermission(ctx, auth.PermTrackingUse)
		if err != nil {
			return nil, handleError(err)
		}
		kind, err := parseKind(input.Body.SurveyType)
		if err != nil {
			return nil, handleError(err)
		}
		fix := fixFromRequest(input.Body.Fix)
		s, err := t.Start(ctx, engine.TrackingStart{
			User:       p.Surveyor(),
			SurveyType: kind,
			TaskID:     stringOrEmpty(input.Body.TaskID),
			Fix:        &fix,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: s.Snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-tracking-point",
		Method:      http.MethodPost,
		Path:        "/tracking/sessions/{id}/points",
		Summary:     "Append a fix to an active session",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body FixRequest `json:"body"`
	}) (*struct {
		Body TickResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermTrackingUse)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := ownSession(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		fix := fixFromRequest(input.Body)
		recorded, err := t.Tick(ctx, s, &fix)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TickResponse `json:"body"`
		}{Body: TickResponse{SessionID: s.ID(), Recorded: recorded, PointsCount: len(s.Snapshot().Path)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-tracking",
		Method:      http.MethodPost,
		Path:        "/tracking/sessions/{id}/stop",
		Summary:     "Stop a session and store its summary",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Summary `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermTrackingUse)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := ownSession(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		sum, err := t.Stop(ctx, s)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Summary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tracking-sessions",
		Method:      http.MethodGet,
		Path:        "/tracking/sessions",
		Summary:     "List tracking sessions, newest first",
		Errors:      []int{http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		UserID string `query:"userId"`
	}) (*sessionListOutput, error) {
		p, err := requirePermission(ctx, auth.PermTrackingRead)
		if err != nil {
			return nil, handleError(err)
		}
		userID := input.UserID
		if p.Role == auth.RoleSurveyor {
			if userID != "" && userID != p.ID {
				return nil, errNotOwner(userID)
			}
			userID = p.ID
		}
		items, err := t.ListSessions(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionListOutput{Body: nonNilSessions(items)}, nil
	})
}

func registerPoints(api huma.API, e engine.Engine, pt *points.Tracker) {
	huma.Register(api, huma.Operation{
		OperationID: "complete-point",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/points/{point_id}/complete",
		Summary:     "Mark a reference point as visited",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID      string               `path:"id"`
		PointID string               `path:"point_id"`
		Body    CompletePointRequest `json:"body"`
	}) (*struct {
		Body CompletePointResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermPointsComplete)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := taskAccess(ctx, e, p, input.ID); err != nil {
			return nil, handleError(err)
		}
		outcome, conf, err := pt.Complete(ctx, input.ID, input.PointID, stringOrEmpty(input.Body.PointName), input.Body.Lat, input.Body.Lng)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompletePointResponse `json:"body"`
		}{Body: CompletePointResponse{Outcome: string(outcome), Confirmation: conf}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-completed-points",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/points",
		Summary:     "Reference points already visited for a task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body CompletedPointsResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, auth.PermPointsRead)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := taskAccess(ctx, e, p, input.ID); err != nil {
			return nil, handleError(err)
		}
		ids, err := pt.Completed(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompletedPointsResponse `json:"body"`
		}{Body: CompletedPointsResponse{TaskID: input.ID, Completed: nonNilSlice(ids)}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ID:          principal.ID,
			Name:        principal.Name,
			Email:       principal.Email,
			Role:        string(principal.Role),
			Permissions: nonNilSlice(auth.Permissions(principal.Role)),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		id := strings.TrimSpace(input.Body.ID)
		if id == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", map[string]any{"field": "id", "reason": "required"})
		}
		role, err := auth.ParseRole(input.Body.Role)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "role"})
		}
		token, err := signDevToken(authCfg.JWTSecret, auth.Principal{
			ID:    id,
			Name:  stringOrEmpty(input.Body.Name),
			Email: stringOrEmpty(input.Body.Email),
			Role:  role,
		}, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func fixFromRequest(in FixRequest) domain.Fix {
	fix := domain.Fix{Latitude: in.Latitude, Longitude: in.Longitude, Accuracy: in.Accuracy}
	if in.Timestamp != nil {
		fix.Timestamp = *in.Timestamp
	} else {
		fix.Timestamp = time.Now().UnixMilli()
	}
	return fix
}

func surveyBody(s domain.Survey) (*surveyOutput, error) {
	r, err := surveyResponse(s)
	if err != nil {
		return nil, handleError(err)
	}
	return &surveyOutput{Body: r}, nil
}

func surveyListBody(items []domain.Survey) (*surveyListOutput, error) {
	out, err := surveyResponses(items)
	if err != nil {
		return nil, handleError(err)
	}
	return &surveyListOutput{Body: out}, nil
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
}
