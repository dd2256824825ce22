package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"heir/internal/engine"
	"heir/internal/registry"
	"heir/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Registry *registry.Registry
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"no resolution for key"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope for non-doctrine failures. The
// doctrine gate has its own REJECTED envelope (see doctrine.go).
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the doctrine governance API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(newDoctrineMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("HEIR Governance API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerErrors(group, cfg.Engine)
	registerEscalations(group, cfg.Engine)
	registerTroubleshooting(group, cfg.Engine)
	registerSchemaVersions(group, cfg.Registry)
	registerOpenAPI(router, api, basePath)

	return router, nil
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
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

func registerErrors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "report-error",
		Method:      http.MethodPost,
		Path:        "/errors",
		Summary:     "Report a runtime error occurrence",
		Description: "Classifies the error, looks up a known remediation and advances the escalation counter. The request must carry valid doctrine headers.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ReportErrorRequest `json:"body"`
	}) (*struct {
		Body engine.Decision `json:"body"`
	}, error) {
		identity, ok := identityFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "doctrine identity missing", nil)
		}
		if input.Body.ErrorCode == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "error_code is required", nil)
		}
		decision, err := e.ReportError(ctx, engine.ReportOptions{
			ProcessID:  identity.ProcessID,
			ErrorCode:  input.Body.ErrorCode,
			Message:    input.Body.Message,
			AgentID:    identity.Signature.AgentID,
			Context:    input.Body.Context,
			OccurredAt: input.Body.OccurredAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Decision `json:"body"`
		}{Body: decision}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-errors",
		Method:      http.MethodGet,
		Path:        "/errors",
		Summary:     "List recent error log entries",
	}, func(ctx context.Context, input *struct {
		Limit     int    `query:"limit" default:"50"`
		LookupKey string `query:"lookup_key"`
	}) (*struct {
		Body []ErrorEventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListErrorEvents(ctx, input.Limit, input.LookupKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ErrorEventResponse `json:"body"`
		}{Body: mapErrorEvents(items)}, nil
	})
}

func registerEscalations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalation counters",
	}, func(ctx context.Context, input *struct {
		EscalatedOnly bool `query:"escalated_only"`
	}) (*struct {
		Body []CounterResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListCounters(ctx, input.EscalatedOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CounterResponse `json:"body"`
		}{Body: mapCounters(items)}, nil
	})
}

func registerTroubleshooting(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "lookup-resolution",
		Method:      http.MethodGet,
		Path:        "/troubleshooting/{lookup_key}",
		Summary:     "Look up a known remediation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LookupKey string `path:"lookup_key"`
	}) (*struct {
		Body ResolutionResponse `json:"body"`
	}, error) {
		res, err := e.Repo.LookupResolution(ctx, input.LookupKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResolutionResponse `json:"body"`
		}{Body: resolutionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-resolutions",
		Method:      http.MethodGet,
		Path:        "/troubleshooting",
		Summary:     "List the troubleshooting knowledge base",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ResolutionResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListResolutions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ResolutionResponse `json:"body"`
		}{Body: mapResolutions(items)}, nil
	})
}

func registerSchemaVersions(api huma.API, reg *registry.Registry) {
	huma.Register(api, huma.Operation{
		OperationID:   "apply-schema-version",
		Method:        http.MethodPost,
		Path:          "/schema/versions",
		Summary:       "Record an applied schema version",
		Description:   "Idempotent: re-recording an applied version returns the original ledger row with already_applied=true. Requires an operator bearer token.",
		DefaultStatus: http.StatusOK,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body ApplySchemaVersionRequest `json:"body"`
	}) (*struct {
		Body ApplySchemaVersionResponse `json:"body"`
	}, error) {
		operator, ok := operatorFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "operator token required", nil)
		}
		res, err := reg.Apply(ctx, input.Body.Version, operator, input.Body.Checksum)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplySchemaVersionResponse `json:"body"`
		}{Body: ApplySchemaVersionResponse{
			Version:        res.Record.Version,
			AppliedAt:      res.Record.AppliedAt,
			AppliedBy:      res.Record.AppliedBy,
			Checksum:       res.Record.Checksum,
			AlreadyApplied: res.AlreadyApplied,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-schema-versions",
		Method:      http.MethodGet,
		Path:        "/schema/versions",
		Summary:     "List applied schema versions in application order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SchemaVersionResponse `json:"body"`
	}, error) {
		items, err := reg.ListApplied(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SchemaVersionResponse `json:"body"`
		}{Body: mapSchemaVersions(items)}, nil
	})
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>HEIR Governance API Docs</title>
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
      Governed requests carry unique_id, process_id, blueprint_id and agent_signature headers.
    </p>
  </body>
</html>`, specURL)
}
