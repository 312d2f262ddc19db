// Package server exposes the payroll engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"payline/internal/domain"
	"payline/internal/engine"
	"payline/internal/migrate"
	"payline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"run_busy"`
	Message string         `json:"message" example:"run busy: 4cfe…"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the payroll API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Payline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerLines(group, cfg.Engine)
	registerExceptions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerPolicies(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body:   apiErrorBody{Code: code, Message: message, Details: details},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, engine.ErrRunBusy):
		return newAPIError(http.StatusConflict, "run_busy", err.Error(), nil)
	case errors.Is(err, engine.ErrApprovalBlocked):
		return newAPIError(http.StatusConflict, "approval_blocked", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "requires"):
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
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		body := map[string]string{"status": "ok"}
		if v, err := migrate.SchemaVersion(e.DB); err == nil {
			body["schema_version"] = strconv.Itoa(v)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: body}, nil
	})
}

type RunPath struct {
	RunID string `path:"run_id"`
}

func registerRuns(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Create a draft payroll run",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RunCreateOptions{
			PeriodStart: input.Body.PeriodStart,
			PeriodEnd:   input.Body.PeriodEnd,
			ActorID:     actorID,
		}
		if input.Body.PolicyVersion != nil {
			opts.PolicyVersion = *input.Body.PolicyVersion
		}
		run, err := e.CreateRun(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List payroll runs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"draft,processing,under_review,failed,approved,completed" required:"false"`
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		runs, err := e.Repo.ListRuns(ctx, repo.RunFilters{Status: input.Status, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RunResponse, 0, len(runs))
		for _, r := range runs {
			out = append(out, runResponse(r))
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get a payroll run",
	}, func(ctx context.Context, input *RunPath) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "calculate-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/calculate",
		Summary:     "Execute the calculation pipeline",
	}, func(ctx context.Context, input *RunPath) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.RunPipeline(ctx, input.RunID, actorID)
		if err != nil && run.Status != domain.RunFailed {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recalculate-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/recalculate",
		Summary:     "Recalculate a run, optionally scoped to a stage or employee",
	}, func(ctx context.Context, input *struct {
		RunPath
		Body RecalculateRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var scope engine.Scope
		if input.Body.Stage != nil {
			scope.Stage = domain.Stage(*input.Body.Stage)
		}
		if input.Body.EmployeeID != nil {
			scope.EmployeeID = *input.Body.EmployeeID
		}
		run, err := e.Recalculate(ctx, input.RunID, scope, actorID)
		if err != nil && run.Status != domain.RunFailed {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/approve",
		Summary:     "Approve a reviewed run",
	}, func(ctx context.Context, input *RunPath) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.ApproveRun(ctx, input.RunID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/complete",
		Summary:     "Hand an approved run to the payment gateway",
	}, func(ctx context.Context, input *RunPath) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.CompleteRun(ctx, input.RunID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "discard-run",
		Method:      http.MethodDelete,
		Path:        "/runs/{run_id}",
		Summary:     "Discard a draft run",
	}, func(ctx context.Context, input *RunPath) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DiscardRun(ctx, input.RunID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "discarded"}}, nil
	})
}

func registerLines(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-run-lines",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/lines",
		Summary:     "List the run's payroll lines",
	}, func(ctx context.Context, input *RunPath) (*struct {
		Body []LineResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		lines, err := e.Repo.ListLines(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]LineResponse, 0, len(lines))
		for _, l := range lines {
			out = append(out, lineResponse(l))
		}
		return &struct {
			Body []LineResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerExceptions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-run-exceptions",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/exceptions",
		Summary:     "List the run's exceptions",
	}, func(ctx context.Context, input *struct {
		RunPath
		Status   string `query:"status" enum:"open,in_progress,resolved,rejected" required:"false"`
		Type     string `query:"type" required:"false"`
		Severity string `query:"severity" enum:"MEDIUM,HIGH,CRITICAL" required:"false"`
	}) (*struct {
		Body []ExceptionResponse `json:"body"`
	}, error) {
		if input.Type != "" && !domain.ValidExceptionType(domain.ExceptionType(input.Type)) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown exception type "+input.Type, nil)
		}
		if _, err := e.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		exs, err := e.Repo.ListExceptions(ctx, input.RunID, repo.ExceptionFilters{
			Status:   input.Status,
			Type:     input.Type,
			Severity: input.Severity,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ExceptionResponse, 0, len(exs))
		for _, ex := range exs {
			out = append(out, exceptionResponse(ex))
		}
		return &struct {
			Body []ExceptionResponse `json:"body"`
		}{Body: out}, nil
	})

	type ExceptionPath struct {
		ExceptionID string `path:"exception_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "claim-exception",
		Method:      http.MethodPost,
		Path:        "/exceptions/{exception_id}/claim",
		Summary:     "Claim an open exception",
	}, func(ctx context.Context, input *ExceptionPath) (*struct {
		Body ExceptionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.ClaimException(ctx, input.ExceptionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExceptionResponse `json:"body"`
		}{Body: exceptionResponse(ex)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-exception",
		Method:      http.MethodPost,
		Path:        "/exceptions/{exception_id}/resolve",
		Summary:     "Resolve an exception with corrective data",
	}, func(ctx context.Context, input *struct {
		ExceptionPath
		Body ResolveExceptionRequest `json:"body"`
	}) (*struct {
		Body ExceptionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := engine.ResolutionInput{Note: input.Body.Note}
		if input.Body.AdjustedAmount != nil {
			amount, err := decimal.NewFromString(*input.Body.AdjustedAmount)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid adjusted_amount", nil)
			}
			res.AdjustedAmount = &amount
		}
		if input.Body.Bank != nil {
			res.Bank = &domain.BankRef{
				AccountName:   input.Body.Bank.AccountName,
				AccountNumber: input.Body.Bank.AccountNumber,
				BankName:      input.Body.Bank.BankName,
			}
		}
		ex, err := e.ResolveException(ctx, input.ExceptionID, actorID, res)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExceptionResponse `json:"body"`
		}{Body: exceptionResponse(ex)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-exception",
		Method:      http.MethodPost,
		Path:        "/exceptions/{exception_id}/reject",
		Summary:     "Reject an exception without correction",
	}, func(ctx context.Context, input *struct {
		ExceptionPath
		Body RejectExceptionRequest `json:"body"`
	}) (*struct {
		Body ExceptionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.RejectException(ctx, input.ExceptionID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExceptionResponse `json:"body"`
		}{Body: exceptionResponse(ex)}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-run-events",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/events",
		Summary:     "List the run's audit events, newest first",
	}, func(ctx context.Context, input *struct {
		RunPath
		Limit int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
		Type  string `query:"type" required:"false"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		evts, err := e.Repo.LatestEvents(ctx, input.Limit, input.RunID, input.Type, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(evts))
		for _, ev := range evts {
			out = append(out, eventResponse(ev))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerPolicies(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-policy-versions",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List stored policy versions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PolicyVersionResponse `json:"body"`
	}, error) {
		versions, err := e.Repo.ListPolicyVersions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PolicyVersionResponse, 0, len(versions))
		for _, v := range versions {
			out = append(out, policyVersionResponse(v))
		}
		return &struct {
			Body []PolicyVersionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-policy-version",
		Method:      http.MethodGet,
		Path:        "/policies/{version}",
		Summary:     "Get one policy version's YAML payload",
	}, func(ctx context.Context, input *struct {
		Version string `path:"version"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		v, err := e.Repo.GetPolicyVersion(ctx, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{
			"version":    v.Version,
			"created_at": v.CreatedAt,
			"yaml":       v.Payload,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-policy",
		Method:        http.MethodPost,
		Path:          "/policies",
		Summary:       "Import a policy version",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body ImportPolicyRequest `json:"body"`
	}) (*struct {
		Body PolicyVersionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.ImportPolicy(ctx, []byte(input.Body.YAML), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyVersionResponse `json:"body"`
		}{Body: policyVersionResponse(v)}, nil
	})
}
