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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"readyline/internal/domain"
	"readyline/internal/pipeline"
	"readyline/internal/readiness"
	"readyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Pipeline pipeline.Pipeline
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"activation_conflict"`
	Message string         `json:"message" example:"activation already in progress for this plan"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Readyline API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Pipeline.Repo))
	hcfg := huma.DefaultConfig("Readyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerReadiness(group, cfg.Pipeline)
	registerActivations(group, cfg.Pipeline)
	registerPlans(group, cfg.Pipeline)
	registerEvents(group, cfg.Pipeline)
	registerKeys(group, cfg.Pipeline)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Pipeline)

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
	if errors.Is(err, repo.ErrActivationRunning) {
		return newAPIError(http.StatusConflict, "activation_conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "not configured"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
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
    <title>Readyline API Docs</title>
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

func registerReadiness(api huma.API, p pipeline.Pipeline) {
	type evaluateInput struct {
		Body struct {
			PlanID        string  `json:"plan_id" required:"true"`
			OrgID         string  `json:"org_id,omitempty"`
			ProposedStart *string `json:"proposed_start,omitempty" format:"date-time"`
		}
	}
	type evaluateOutput struct {
		Body struct {
			readiness.Result
			SnapshotID string `json:"snapshot_id,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-readiness",
		Method:      http.MethodPost,
		Path:        "/readiness/evaluations",
		Summary:     "Evaluate activation readiness",
		Description: "Scores how ready the org is to run the plan right now and persists a snapshot with a short validity window.",
	}, func(ctx context.Context, input *evaluateInput) (*evaluateOutput, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		orgID := input.Body.OrgID
		if orgID == "" && p.Config != nil {
			orgID = p.Config.Org.ID
		}
		var proposed *time.Time
		if input.Body.ProposedStart != nil {
			t, err := time.Parse(time.RFC3339, *input.Body.ProposedStart)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "proposed_start must be RFC3339", nil)
			}
			proposed = &t
		}
		result, err := p.Evaluator.Evaluate(ctx, input.Body.PlanID, orgID, proposed)
		if err != nil {
			return nil, handleError(err)
		}
		out := &evaluateOutput{}
		out.Body.Result = result
		if snap, err := p.Evaluator.SaveSnapshot(ctx, input.Body.PlanID, orgID, result); err == nil {
			out.Body.SnapshotID = snap.ID
		}
		return out, nil
	})

	type snapshotInput struct {
		PlanID string `query:"plan_id" required:"true"`
		OrgID  string `query:"org_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "latest-readiness-snapshot",
		Method:      http.MethodGet,
		Path:        "/readiness/snapshots/latest",
		Summary:     "Latest valid readiness snapshot",
	}, func(ctx context.Context, input *snapshotInput) (*struct {
		Body domain.ReadinessSnapshot `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		orgID := input.OrgID
		if orgID == "" && p.Config != nil {
			orgID = p.Config.Org.ID
		}
		now := time.Now().UTC().Format(time.RFC3339)
		snap, err := p.Repo.LatestValidSnapshot(ctx, orgID, input.PlanID, now)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReadinessSnapshot `json:"body"`
		}{Body: snap}, nil
	})
}

func registerActivations(api huma.API, p pipeline.Pipeline) {
	type activateInput struct {
		Body struct {
			PlanID        string `json:"plan_id" required:"true"`
			PlaybookID    string `json:"playbook_id" required:"true"`
			OrgID         string `json:"org_id,omitempty"`
			ScenarioID    string `json:"scenario_id,omitempty"`
			SyncPlatform  string `json:"sync_platform,omitempty" enum:",jira,linear,asana"`
			SkipPreflight bool   `json:"skip_preflight,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "activate-plan",
		Method:        http.MethodPost,
		Path:          "/activations",
		Summary:       "Activate a response plan",
		Description:   "Runs the activation pipeline. A true success with a non-empty errors list means the activation is live but some supporting steps failed.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *activateInput) (*struct {
		Body pipeline.ActivationResult `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		orgID := input.Body.OrgID
		if orgID == "" && p.Config != nil {
			orgID = p.Config.Org.ID
		}
		result, err := p.Activate(ctx, pipeline.Request{
			OrgID:         orgID,
			ScenarioID:    input.Body.ScenarioID,
			PlanID:        input.Body.PlanID,
			PlaybookID:    input.Body.PlaybookID,
			TriggeredBy:   actor,
			SyncPlatform:  input.Body.SyncPlatform,
			SkipPreflight: input.Body.SkipPreflight,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body pipeline.ActivationResult `json:"body"`
		}{Body: result}, nil
	})

	type completeInput struct {
		ActivationID string `path:"activation_id"`
		Body         struct {
			Outcome string `json:"outcome" required:"true" enum:"successful,partially_successful,failed"`
			Notes   string `json:"notes,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "complete-activation",
		Method:      http.MethodPost,
		Path:        "/activations/{activation_id}/complete",
		Summary:     "Record activation outcome",
	}, func(ctx context.Context, input *completeInput) (*struct {
		Body domain.Activation `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		act, err := p.Complete(ctx, input.ActivationID, input.Body.Outcome, input.Body.Notes, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Activation `json:"body"`
		}{Body: act}, nil
	})

	type statusInput struct {
		ActivationID string `path:"activation_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "activation-status",
		Method:      http.MethodGet,
		Path:        "/activations/{activation_id}",
		Summary:     "Activation status",
		Description: "Full record set for one activation: instance, audit events, acknowledgments, documents, sync state, and budget unlocks.",
	}, func(ctx context.Context, input *statusInput) (*struct {
		Body pipeline.AggregateView `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		view, err := p.Status(ctx, input.ActivationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body pipeline.AggregateView `json:"body"`
		}{Body: view}, nil
	})

	type listInput struct {
		OrgID string `query:"org_id"`
		Limit int    `query:"limit"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-activations",
		Method:      http.MethodGet,
		Path:        "/activations",
		Summary:     "List activations",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []domain.Activation `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		orgID := input.OrgID
		if orgID == "" && p.Config != nil {
			orgID = p.Config.Org.ID
		}
		items, err := p.Repo.ListActivations(ctx, orgID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Activation `json:"body"`
		}{Body: items}, nil
	})
}

func registerPlans(api huma.API, p pipeline.Pipeline) {
	type listInput struct {
		OrgID string `query:"org_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plans",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []domain.Plan `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		orgID := input.OrgID
		if orgID == "" && p.Config != nil {
			orgID = p.Config.Org.ID
		}
		items, err := p.Repo.ListPlans(ctx, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Plan `json:"body"`
		}{Body: items}, nil
	})

	type showInput struct {
		PlanID string `path:"plan_id"`
	}
	type showOutput struct {
		Body struct {
			Plan         domain.Plan             `json:"plan"`
			Tasks        []domain.PlanTask       `json:"tasks,omitempty"`
			Dependencies []domain.TaskDependency `json:"dependencies,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "show-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Show a plan with its tasks and dependency graph",
	}, func(ctx context.Context, input *showInput) (*showOutput, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		plan, err := p.Repo.GetPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &showOutput{}
		out.Body.Plan = plan
		if out.Body.Tasks, err = p.Repo.ListPlanTasks(ctx, input.PlanID); err != nil {
			return nil, handleError(err)
		}
		if out.Body.Dependencies, err = p.Repo.ListTaskDependencies(ctx, input.PlanID); err != nil {
			return nil, handleError(err)
		}
		return out, nil
	})
}

func registerEvents(api huma.API, p pipeline.Pipeline) {
	type eventsInput struct {
		After int64  `query:"after"`
		Limit int    `query:"limit"`
		OrgID string `query:"org_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit event log",
	}, func(ctx context.Context, input *eventsInput) (*struct {
		Body []domain.ActivationEvent `json:"body"`
	}, error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		orgID := input.OrgID
		if orgID == "" && p.Config != nil {
			orgID = p.Config.Org.ID
		}
		items, err := p.Repo.EventsAfter(ctx, input.Limit, input.After, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActivationEvent `json:"body"`
		}{Body: items}, nil
	})
}

func registerKeys(api huma.API, p pipeline.Pipeline) {
	type mintInput struct {
		Body struct {
			Name string `json:"name,omitempty"`
		}
	}
	type mintOutput struct {
		Body struct {
			ID  string `json:"id"`
			Key string `json:"key"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "mint-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Mint an API key for the current actor",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *mintInput) (*mintOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw := uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: actor,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(raw),
		}
		if err := p.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		out := &mintOutput{}
		out.Body.ID = key.ID
		out.Body.Key = raw
		return out, nil
	})
}
