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
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"payline/internal/alloc"
	"payline/internal/domain"
	"payline/internal/engine"
	"payline/internal/engine/auth"
	"payline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_funds"`
	Message string         `json:"message" example:"pool has 100 available, 500 requested"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Payline API. The context bounds
// the lifetime of the background webhook dispatcher.
func New(ctx context.Context, cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBuf, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBuf))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBuf)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Payline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPlans(group, cfg.Engine)
	registerPools(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerPreview(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(ctx, cfg.Engine)

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
	var ua auth.UnauthorizedActionError
	if errors.As(err, &ua) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": ua.Action})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var insufficient engine.InsufficientFundsError
	if errors.As(err, &insufficient) {
		return newAPIError(http.StatusConflict, "insufficient_funds", err.Error(), map[string]any{
			"requested": insufficient.Requested,
			"available": insufficient.Available,
		})
	}
	var overfund engine.FundExceedsBudgetError
	if errors.As(err, &overfund) {
		return newAPIError(http.StatusConflict, "fund_exceeds_budget", err.Error(), map[string]any{
			"requested": overfund.Requested,
			"capacity":  overfund.Capacity,
		})
	}
	var poolState engine.InvalidPoolStateError
	if errors.As(err, &poolState) {
		return newAPIError(http.StatusConflict, "invalid_pool_state", err.Error(), map[string]any{"status": poolState.Current})
	}
	var msState engine.InvalidMilestoneStateError
	if errors.As(err, &msState) {
		return newAPIError(http.StatusConflict, "invalid_milestone_state", err.Error(), map[string]any{"status": msState.Current})
	}
	var open engine.OpenMilestonesError
	if errors.As(err, &open) {
		return newAPIError(http.StatusConflict, "open_milestones", err.Error(), map[string]any{"count": open.Count})
	}
	var confirm engine.ConfirmRequiredError
	if errors.As(err, &confirm) {
		return newAPIError(http.StatusConflict, "confirm_required", err.Error(), nil)
	}
	var splitTotal engine.InvalidSplitTotalError
	if errors.As(err, &splitTotal) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_split_total", err.Error(), map[string]any{"sum_bps": splitTotal.Sum})
	}
	var gate engine.QualityGateNotMetError
	if errors.As(err, &gate) {
		return newAPIError(http.StatusUnprocessableEntity, "quality_gate_not_met", err.Error(), map[string]any{"score": gate.Score})
	}
	var missingReason engine.MissingRejectReasonError
	if errors.As(err, &missingReason) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, alloc.ErrInvalidPlan) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "only drafts") || strings.Contains(lowered, "only active") ||
		strings.Contains(lowered, "system template"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
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
    <title>Payline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerPlans(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-split-plan",
		Method:        http.MethodPost,
		Path:          "/commerce/split-plans",
		Summary:       "Create split plan",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePlanRequest `json:"body"`
	}) (*struct {
		Body domain.SplitPlan `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Plans.Create(ctx, engine.PlanCreateOptions{
			Name:        input.Body.Name,
			Description: stringOrEmpty(input.Body.Description),
			ProductType: input.Body.ProductType,
			Rules:       input.Body.Rules,
			FeeConfig:   input.Body.FeeConfig,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SplitPlan `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-split-plans",
		Method:      http.MethodGet,
		Path:        "/commerce/split-plans",
		Summary:     "List split plans",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" enum:"draft,active,archived"`
		ProductType string `query:"product_type" enum:"physical,service,virtual,nft,skill,agent_task"`
		Owner       string `query:"owner"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedPlans `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		f := repo.PlanFilters{
			Status:      input.Status,
			ProductType: input.ProductType,
			OwnerID:     input.Owner,
			Limit:       limit + 1,
		}
		f.CursorCreatedAt, f.CursorID = splitCursor(input.Cursor)
		items, err := e.Plans.List(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedPlans{Items: []domain.SplitPlan{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = joinCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedPlans `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-split-plan-template",
		Method:      http.MethodGet,
		Path:        "/commerce/split-plans/templates/{product_type}",
		Summary:     "Default split plan template for a product type",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductType string `path:"product_type" enum:"physical,service,virtual,nft,skill,agent_task"`
	}) (*struct {
		Body domain.SplitPlan `json:"body"`
	}, error) {
		p, err := e.Plans.DefaultTemplate(ctx, input.ProductType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SplitPlan `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-split-plan",
		Method:      http.MethodGet,
		Path:        "/commerce/split-plans/{plan_id}",
		Summary:     "Get split plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body domain.SplitPlan `json:"body"`
	}, error) {
		p, err := e.Plans.Get(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SplitPlan `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-split-plan",
		Method:      http.MethodPatch,
		Path:        "/commerce/split-plans/{plan_id}",
		Summary:     "Update a draft split plan",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PlanID string            `path:"plan_id"`
		Body   UpdatePlanRequest `json:"body"`
	}) (*struct {
		Body domain.SplitPlan `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Plans.Update(ctx, engine.PlanUpdateOptions{
			ID:          input.PlanID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Rules:       input.Body.Rules,
			FeeConfig:   input.Body.FeeConfig,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SplitPlan `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-split-plan",
		Method:      http.MethodDelete,
		Path:        "/commerce/split-plans/{plan_id}",
		Summary:     "Delete a draft split plan",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Plans.Delete(ctx, input.PlanID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-split-plan",
		Method:      http.MethodPost,
		Path:        "/commerce/split-plans/{plan_id}/activate",
		Summary:     "Activate split plan",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body domain.SplitPlan `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Plans.Activate(ctx, input.PlanID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SplitPlan `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-split-plan",
		Method:      http.MethodPost,
		Path:        "/commerce/split-plans/{plan_id}/archive",
		Summary:     "Archive split plan",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body domain.SplitPlan `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Plans.Archive(ctx, input.PlanID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SplitPlan `json:"body"`
		}{Body: p}, nil
	})
}

func registerPools(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-budget-pool",
		Method:        http.MethodPost,
		Path:          "/commerce/budget-pools",
		Summary:       "Create budget pool",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePoolRequest `json:"body"`
	}) (*struct {
		Body domain.BudgetPool `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.PoolCreateOptions{
			Name:          input.Body.Name,
			Description:   stringOrEmpty(input.Body.Description),
			Currency:      stringOrEmpty(input.Body.Currency),
			TotalBudget:   input.Body.TotalBudget,
			FundingSource: stringOrEmpty(input.Body.FundingSource),
			SplitPlanID:   stringOrEmpty(input.Body.SplitPlanID),
			ExpiresAt:     stringOrEmpty(input.Body.ExpiresAt),
			ActorID:       actorID,
		}
		if input.Body.Ref != nil {
			opts.Ref = *input.Body.Ref
		}
		for _, part := range input.Body.Participants {
			opts.Participants = append(opts.Participants, domain.PoolParticipant{
				ActorID: part.ActorID,
				Role:    part.Role,
			})
		}
		p, err := e.Ledger.CreatePool(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BudgetPool `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-budget-pools",
		Method:      http.MethodGet,
		Path:        "/commerce/budget-pools",
		Summary:     "List budget pools",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" enum:"draft,funded,active,depleted,expired,cancelled"`
		Owner   string `query:"owner"`
		RefKind string `query:"ref_kind" enum:"none,task,order"`
		RefID   string `query:"ref_id"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedPools `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		f := repo.PoolFilters{
			Status:  input.Status,
			OwnerID: input.Owner,
			RefKind: input.RefKind,
			RefID:   input.RefID,
			Limit:   limit + 1,
		}
		f.CursorCreatedAt, f.CursorID = splitCursor(input.Cursor)
		items, err := e.Ledger.List(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedPools{Items: []domain.BudgetPool{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = joinCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedPools `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-budget-pool",
		Method:      http.MethodGet,
		Path:        "/commerce/budget-pools/{pool_id}",
		Summary:     "Get budget pool",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
	}) (*struct {
		Body domain.BudgetPool `json:"body"`
	}, error) {
		p, err := e.Ledger.Get(ctx, input.PoolID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BudgetPool `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fund-budget-pool",
		Method:      http.MethodPost,
		Path:        "/commerce/budget-pools/{pool_id}/fund",
		Summary:     "Fund budget pool",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PoolID string          `path:"pool_id"`
		Body   FundPoolRequest `json:"body"`
	}) (*struct {
		Body domain.BudgetPool `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Ledger.Fund(ctx, engine.FundOptions{
			PoolID:         input.PoolID,
			Amount:         input.Body.Amount,
			IdempotencyKey: stringOrEmpty(input.Body.IdempotencyKey),
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BudgetPool `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "budget-pool-stats",
		Method:      http.MethodGet,
		Path:        "/commerce/budget-pools/{pool_id}/stats",
		Summary:     "Budget pool statistics",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
	}) (*struct {
		Body domain.PoolStats `json:"body"`
	}, error) {
		stats, err := e.Ledger.Stats(ctx, input.PoolID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PoolStats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-budget-pool",
		Method:      http.MethodPost,
		Path:        "/commerce/budget-pools/{pool_id}/cancel",
		Summary:     "Cancel budget pool",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		PoolID string            `path:"pool_id"`
		Body   CancelPoolRequest `json:"body"`
	}) (*struct {
		Body domain.BudgetPool `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Ledger.Cancel(ctx, engine.CancelOptions{
			PoolID:  input.PoolID,
			Confirm: input.Body.Confirm,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BudgetPool `json:"body"`
		}{Body: p}, nil
	})
}

func createMilestone(ctx context.Context, e *engine.Engine, poolID string, body CreateMilestoneRequest) (domain.Milestone, error) {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return domain.Milestone{}, authErr
	}
	opts := engine.MilestoneCreateOptions{
		PoolID:       poolID,
		Name:         body.Name,
		Description:  stringOrEmpty(body.Description),
		Amount:       body.Amount,
		ApprovalType: stringOrEmpty(body.ApprovalType),
		QualityGate:  body.QualityGate,
		DueDate:      stringOrEmpty(body.DueDate),
		ActorID:      actorID,
	}
	if body.SortOrder != nil {
		opts.SortOrder = *body.SortOrder
	}
	m, err := e.Milestones.Create(ctx, opts)
	if err != nil {
		return domain.Milestone{}, handleError(err)
	}
	return m, nil
}

func registerMilestones(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-milestone",
		Method:        http.MethodPost,
		Path:          "/commerce/budget-pools/{pool_id}/milestones",
		Summary:       "Create milestone",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		PoolID string                 `path:"pool_id"`
		Body   CreateMilestoneRequest `json:"body"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		m, err := createMilestone(ctx, e, input.PoolID, input.Body)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-milestone-direct",
		Method:        http.MethodPost,
		Path:          "/commerce/milestones",
		Summary:       "Create milestone with the pool in the body",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateMilestoneDirectRequest `json:"body"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.BudgetPoolID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "budget_pool_id is required", nil)
		}
		m, err := createMilestone(ctx, e, input.Body.BudgetPoolID, input.Body.CreateMilestoneRequest)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/commerce/budget-pools/{pool_id}/milestones",
		Summary:     "List milestones for a pool",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PoolID string `path:"pool_id"`
		Status string `query:"status" enum:"pending,in_progress,pending_review,approved,rejected,released"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Milestone `json:"body"`
	}, error) {
		items, err := e.Milestones.List(ctx, repo.MilestoneFilters{
			PoolID: input.PoolID,
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Milestone `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-milestone",
		Method:      http.MethodGet,
		Path:        "/commerce/milestones/{milestone_id}",
		Summary:     "Get milestone",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MilestoneID string `path:"milestone_id"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		m, err := e.Milestones.Get(ctx, input.MilestoneID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-milestone",
		Method:      http.MethodPost,
		Path:        "/commerce/milestones/{milestone_id}/start",
		Summary:     "Start milestone work",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		MilestoneID string `path:"milestone_id"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Milestones.Start(ctx, input.MilestoneID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-milestone",
		Method:      http.MethodPost,
		Path:        "/commerce/milestones/{milestone_id}/submit",
		Summary:     "Submit milestone for review",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		MilestoneID string                 `path:"milestone_id"`
		Body        SubmitMilestoneRequest `json:"body"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Milestones.Submit(ctx, engine.SubmitOptions{
			ID:        input.MilestoneID,
			Artifacts: input.Body.Artifacts,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-milestone",
		Method:      http.MethodPost,
		Path:        "/commerce/milestones/{milestone_id}/approve",
		Summary:     "Approve milestone",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		MilestoneID string                  `path:"milestone_id"`
		Body        ApproveMilestoneRequest `json:"body"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Milestones.Approve(ctx, engine.ApproveOptions{
			ID:      input.MilestoneID,
			Note:    stringOrEmpty(input.Body.Note),
			Score:   input.Body.Score,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-milestone",
		Method:      http.MethodPost,
		Path:        "/commerce/milestones/{milestone_id}/reject",
		Summary:     "Reject milestone",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		MilestoneID string                 `path:"milestone_id"`
		Body        RejectMilestoneRequest `json:"body"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Milestones.Reject(ctx, engine.RejectOptions{
			ID:      input.MilestoneID,
			Reason:  input.Body.Reason,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-milestone",
		Method:      http.MethodPost,
		Path:        "/commerce/milestones/{milestone_id}/release",
		Summary:     "Release milestone funds",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		MilestoneID string `path:"milestone_id"`
	}) (*struct {
		Body domain.Milestone `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Milestones.Release(ctx, input.MilestoneID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Milestone `json:"body"`
		}{Body: m}, nil
	})
}

func registerPreview(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "preview-allocation",
		Method:      http.MethodPost,
		Path:        "/commerce/allocations/preview",
		Summary:     "Preview fee and allocation breakdown",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body PreviewRequest `json:"body"`
	}) (*struct {
		Body domain.AllocationPreview `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		var plan *domain.SplitPlan
		if input.Body.SplitPlanID != nil && *input.Body.SplitPlanID != "" {
			p, err := e.Plans.Get(ctx, *input.Body.SplitPlanID)
			if err != nil {
				return nil, handleError(err)
			}
			plan = &p
		}
		currency := stringOrEmpty(input.Body.Currency)
		if currency == "" {
			currency = e.Config.Service.Currency
		}
		preview, err := alloc.Preview(input.Body.GrossAmount, currency, plan, alloc.Flags{
			UsesOnramp:  input.Body.UsesOnramp,
			UsesOfframp: input.Body.UsesOfframp,
			UsesSplit:   input.Body.UsesSplit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		preview.Allocations = nonNilSlice(preview.Allocations)
		return &struct {
			Body domain.AllocationPreview `json:"body"`
		}{Body: preview}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/commerce/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PoolID     string `query:"pool_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"pool,milestone,plan"`
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
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.PoolID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
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

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target := actorID
		if input.Body.ActorID != nil && *input.Body.ActorID != "" {
			target = *input.Body.ActorID
		}
		secret := uuid.NewString()
		key := domain.APIKey{
			ID:      uuid.NewString(),
			ActorID: target,
			Name:    stringOrEmpty(input.Body.Name),
			KeyHash: repo.HashAPIKey(secret),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     secret,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Actor string `query:"actor"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := []APIKeyResponse{}
		for _, k := range keys {
			resp = append(resp, APIKeyResponse{
				ID:        k.ID,
				ActorID:   k.ActorID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
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

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

// splitCursor parses "created_at|id" keyset cursors.
func splitCursor(cursor string) (createdAt, id string) {
	if cursor == "" {
		return "", ""
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func joinCursor(createdAt, id string) string {
	return createdAt + "|" + id
}
