package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"addie/internal/domain"
	"addie/internal/engine"
	"addie/internal/engine/auth"
	"addie/internal/worker"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, s.rbac, auth.PermProjectWrite)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := s.engine.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:          strings.TrimSpace(input.Body.ID),
			OrgID:       strings.TrimSpace(input.Body.OrgID),
			Name:        input.Body.Name,
			Description: input.Body.Description,
			ActorID:     actorID,
		})
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
	}, func(ctx context.Context, input *struct {
		OrgID string `query:"org_id"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s.rbac, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		items, err := s.engine.Repo.ListProjects(ctx, input.OrgID)
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
		if _, err := requirePermission(ctx, s.rbac, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		p, err := s.engine.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-document",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/documents",
		Summary:       "Attach a source document",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      AddDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.Document `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, s.rbac, auth.PermProjectWrite)
		if err != nil {
			return nil, handleError(err)
		}
		doc, err := s.engine.AddDocument(ctx, engine.DocumentAddOptions{
			ProjectID:   input.ProjectID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			SourceType:  input.Body.SourceType,
			SourceURL:   input.Body.SourceURL,
			FilePath:    input.Body.FilePath,
			ContentText: input.Body.ContentText,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Document `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/documents",
		Summary:     "List documents",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.Document `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s.rbac, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		docs, err := s.engine.ListDocuments(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Document `json:"body"`
		}{Body: nonNilSlice(docs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-learner",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/learners",
		Summary:       "Register a learner",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrgID string            `path:"org_id"`
		Body  AddLearnerRequest `json:"body"`
	}) (*struct {
		Body domain.Learner `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, s.rbac, auth.PermProjectWrite)
		if err != nil {
			return nil, handleError(err)
		}
		l, err := s.engine.AddLearner(ctx, input.OrgID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Learner `json:"body"`
		}{Body: l}, nil
	})
}

// runStatus maps a coordinator outcome onto an HTTP status. conflict is the
// status used for a blocked outcome.
func runStatus(res engine.RunResult, conflict int) int {
	switch res.Status {
	case engine.StatusMissing:
		return http.StatusNotFound
	case engine.StatusInvalidPhase:
		return http.StatusBadRequest
	case engine.StatusBlocked:
		return conflict
	case engine.StatusQueued:
		return http.StatusAccepted
	}
	return http.StatusOK
}

// submit runs job on the dispatcher and reports the run as queued.
func (s *service) submit(ctx context.Context, projectID, key string, job worker.Job) (*RunResponse, error) {
	if _, err := s.engine.GetProject(ctx, projectID); err != nil {
		return nil, handleError(err)
	}
	s.dispatcher.Submit(worker.RunKey(projectID, key), job)
	res := engine.RunResult{Status: engine.StatusQueued, ProjectID: projectID, Message: "idempotency key " + key}
	return &RunResponse{Status: http.StatusAccepted, Body: res}, nil
}

func registerPipeline(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "run-pipeline",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/pipeline/run",
		Summary:     "Run the autonomous pipeline",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID      string      `path:"project_id"`
		IdempotencyKey string      `header:"Idempotency-Key"`
		Async          bool        `query:"async"`
		Body           *RunRequest `json:"body" required:"false"`
	}) (*RunResponse, error) {
		actorID, err := requirePermission(ctx, s.rbac, auth.PermPipelineRun)
		if err != nil {
			return nil, handleError(err)
		}
		var body RunRequest
		if input.Body != nil {
			body = *input.Body
		}
		key := input.IdempotencyKey
		if key == "" {
			key = body.IdempotencyKey
		}
		if key == "" {
			key = engine.SynthesizeKey("auto", input.ProjectID, time.Now())
		}
		opts := engine.StartRunOptions{
			ProjectID:      input.ProjectID,
			IdempotencyKey: key,
			StartPhase:     body.StartPhase,
			SkipCompleted:  body.SkipCompleted,
			RequestedBy:    actorID,
		}
		if input.Async {
			return s.submit(ctx, input.ProjectID, key, func(ctx context.Context) (engine.RunResult, error) {
				return s.engine.StartRun(ctx, opts)
			})
		}
		res, err := s.engine.StartRun(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		status := runStatus(res, http.StatusOK)
		if res.Status == engine.StatusFailed {
			status = http.StatusBadRequest
		}
		return &RunResponse{Status: status, Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-pipeline",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/pipeline/resume",
		Summary:     "Resume from the current phase",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID      string         `path:"project_id"`
		IdempotencyKey string         `header:"Idempotency-Key"`
		Async          bool           `query:"async"`
		Body           *ResumeRequest `json:"body" required:"false"`
	}) (*RunResponse, error) {
		actorID, err := requirePermission(ctx, s.rbac, auth.PermPipelineRun)
		if err != nil {
			return nil, handleError(err)
		}
		key := input.IdempotencyKey
		if key == "" && input.Body != nil {
			key = input.Body.IdempotencyKey
		}
		if key == "" {
			key = engine.SynthesizeKey("resume", input.ProjectID, time.Now())
		}
		if input.Async {
			return s.submit(ctx, input.ProjectID, key, func(ctx context.Context) (engine.RunResult, error) {
				return s.engine.ResumeRun(ctx, input.ProjectID, key, actorID)
			})
		}
		res, err := s.engine.ResumeRun(ctx, input.ProjectID, key, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &RunResponse{Status: runStatus(res, http.StatusConflict), Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-pipeline",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/pipeline/cancel",
		Summary:     "Cancel the active run",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      *CancelRequest `json:"body" required:"false"`
	}) (*CancelResponse, error) {
		actorID, err := requirePermission(ctx, s.rbac, auth.PermPipelineCancel)
		if err != nil {
			return nil, handleError(err)
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		res, err := s.engine.CancelRun(ctx, input.ProjectID, reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if res.Status == engine.StatusMissing {
			status = http.StatusNotFound
		}
		return &CancelResponse{Status: status, Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/pipeline/retry-stage",
		Summary:     "Re-execute one phase under a new run",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      RetryStageRequest `json:"body"`
	}) (*RunResponse, error) {
		actorID, err := requirePermission(ctx, s.rbac, auth.PermPipelineRun)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := s.engine.RetryStage(ctx, input.ProjectID, input.Body.Phase, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &RunResponse{Status: runStatus(res, http.StatusOK), Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rollout",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/pipeline/rollout",
		Summary:     "Update rollout controls",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      *RolloutRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.RolloutResult `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, s.rbac, auth.PermRolloutUpdate)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.RolloutOptions{ProjectID: input.ProjectID, UpdatedBy: actorID}
		if input.Body != nil {
			opts.Mode = input.Body.Mode
			opts.KillSwitch = input.Body.KillSwitch
			opts.Guardrails = input.Body.Guardrails
		}
		res, err := s.engine.UpdateRolloutControls(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RolloutResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pipeline-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/pipeline/status",
		Summary:     "Run status and phase records",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body engine.RunStatusView `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s.rbac, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		view, err := s.engine.GetRunStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RunStatusView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pipeline-metrics",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/pipeline/metrics",
		Summary:     "Run metrics, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RunID     string `query:"run_id"`
	}) (*struct {
		Body []domain.RunMetric `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s.rbac, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		items, err := s.engine.ListMetrics(ctx, input.ProjectID, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RunMetric `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerExceptions(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-exceptions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/exceptions",
		Summary:     "List exceptions, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
	}) (*struct {
		Body []domain.Exception `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s.rbac, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		items, err := s.engine.ListExceptions(ctx, input.ProjectID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Exception `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-exception",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/exceptions/{exception_id}/resolve",
		Summary:     "Resolve, reject or override an exception",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID   string                   `path:"project_id"`
		ExceptionID string                   `path:"exception_id"`
		Body        *ResolveExceptionRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.Exception `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, s.rbac, auth.PermExceptionResolve)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.ResolveOptions{ProjectID: input.ProjectID, ExceptionID: input.ExceptionID, ResolvedBy: actorID}
		if input.Body != nil {
			opts.Action = input.Body.Action
			opts.Notes = input.Body.Notes
		}
		ex, err := s.engine.ResolveException(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Exception `json:"body"`
		}{Body: ex}, nil
	})
}

func registerEvents(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		RunID     string `query:"run_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, s.rbac, auth.PermProjectRead); err != nil {
			return nil, handleError(err)
		}
		items, err := s.engine.ListEvents(ctx, input.ProjectID, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerMe(api huma.API, s *service) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
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
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: s.rbac.Permissions(principal.Roles, principal.Permissions),
		}}, nil
	})
}

func registerDevAuth(api huma.API, s *service) {
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
		token, err := SignToken(s.auth.JWTSecret, actor, input.Body.Roles, input.Body.Scopes, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
