package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"taskpool/internal/domain"
	"taskpool/internal/engine"
)

type WorkflowPath struct {
	OrgID      int64 `path:"org_id"`
	WorkflowID int64 `path:"workflow_id"`
	ProjectID  int64 `query:"project_id" doc:"Project scope of the workflow; omit for organization-wide"`
}

func (p WorkflowPath) scope() *int64 {
	return projectScope(p.ProjectID)
}

type RulePath struct {
	OrgID  int64 `path:"org_id"`
	RuleID int64 `path:"rule_id"`
}

type RuleTemplatePath struct {
	OrgID      int64 `path:"org_id"`
	RuleID     int64 `path:"rule_id"`
	TemplateID int64 `path:"template_id"`
}

func projectScope(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}

func (h handlers) registerWorkflows(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workflow",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/workflows",
		Summary:       "Create workflow",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		OrgID int64           `path:"org_id"`
		Body  WorkflowRequest `json:"body"`
	}) (*struct {
		Body domain.Workflow `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx, h.auth, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		w, err := h.e.CreateWorkflow(ctx, engine.WorkflowInput{
			OrgID:       input.OrgID,
			ProjectID:   input.Body.ProjectID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Active:      boolOr(input.Body.Active, true),
			CreatedBy:   p.UserID,
		})
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Workflow `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/workflows",
		Summary:     "List workflows of one scope",
		Errors:      []int{http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		OrgID     int64 `path:"org_id"`
		ProjectID int64 `query:"project_id"`
	}) (*struct {
		Body WorkflowList `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		ws, err := h.e.ListWorkflows(ctx, input.OrgID, projectScope(input.ProjectID))
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body WorkflowList `json:"body"`
		}{Body: WorkflowList{Items: nonNil(ws)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/workflows/{workflow_id}",
		Summary:     "Get workflow",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *WorkflowPath) (*struct {
		Body domain.Workflow `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		w, err := h.e.GetWorkflow(ctx, input.WorkflowID, input.OrgID, input.scope())
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Workflow `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-workflow",
		Method:      http.MethodPatch,
		Path:        "/orgs/{org_id}/workflows/{workflow_id}",
		Summary:     "Update workflow",
		Description: "Changing the active flag cascades to every rule of the workflow.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		WorkflowPath
		Body WorkflowRequest `json:"body"`
	}) (*struct {
		Body domain.Workflow `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx, h.auth, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		var active bool
		if input.Body.Active == nil {
			cur, err := h.e.GetWorkflow(ctx, input.WorkflowID, input.OrgID, input.scope())
			if err != nil {
				return nil, h.handleError(ctx, err)
			}
			active = cur.Active
		} else {
			active = *input.Body.Active
		}
		w, err := h.e.UpdateWorkflow(ctx, input.WorkflowID, engine.WorkflowInput{
			OrgID:       input.OrgID,
			ProjectID:   input.scope(),
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Active:      active,
			CreatedBy:   p.UserID,
		})
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Workflow `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-workflow-active",
		Method:      http.MethodPut,
		Path:        "/orgs/{org_id}/workflows/{workflow_id}/active",
		Summary:     "Activate or deactivate a workflow and all its rules",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		WorkflowPath
		Body SetActiveRequest `json:"body"`
	}) (*struct {
		Body SetActiveResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, h.auth, input.OrgID); authErr != nil {
			return nil, authErr
		}
		n, err := h.e.SetActiveCascade(ctx, input.WorkflowID, input.OrgID, input.scope(), input.Body.Active)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body SetActiveResponse `json:"body"`
		}{Body: SetActiveResponse{WorkflowID: input.WorkflowID, Active: input.Body.Active, RulesUpdated: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-workflow",
		Method:        http.MethodDelete,
		Path:          "/orgs/{org_id}/workflows/{workflow_id}",
		Summary:       "Delete workflow with its rules and execution ledger",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *WorkflowPath) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx, h.auth, input.OrgID); authErr != nil {
			return nil, authErr
		}
		if err := h.e.DeleteWorkflow(ctx, input.WorkflowID, input.OrgID, input.scope()); err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct{}{}, nil
	})
}

func (h handlers) registerRules(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/workflows/{workflow_id}/rules",
		Summary:       "Create rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		OrgID      int64       `path:"org_id"`
		WorkflowID int64       `path:"workflow_id"`
		Body       RuleRequest `json:"body"`
	}) (*struct {
		Body domain.Rule `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, h.auth, input.OrgID); authErr != nil {
			return nil, authErr
		}
		r, err := h.e.CreateRule(ctx, input.OrgID, input.WorkflowID, input.Body.input())
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Rule `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/workflows/{workflow_id}/rules",
		Summary:     "List rules of a workflow",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		OrgID      int64 `path:"org_id"`
		WorkflowID int64 `path:"workflow_id"`
	}) (*struct {
		Body RuleList `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		rs, err := h.e.ListRules(ctx, input.OrgID, input.WorkflowID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body RuleList `json:"body"`
		}{Body: RuleList{Items: nonNil(rs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/rules/{rule_id}",
		Summary:     "Get rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *RulePath) (*struct {
		Body domain.Rule `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		r, err := h.e.GetRule(ctx, input.OrgID, input.RuleID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Rule `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/orgs/{org_id}/rules/{rule_id}",
		Summary:     "Update rule",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		RulePath
		Body RuleRequest `json:"body"`
	}) (*struct {
		Body domain.Rule `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, h.auth, input.OrgID); authErr != nil {
			return nil, authErr
		}
		r, err := h.e.UpdateRule(ctx, input.OrgID, input.RuleID, input.Body.input())
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Rule `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-rule",
		Method:        http.MethodDelete,
		Path:          "/orgs/{org_id}/rules/{rule_id}",
		Summary:       "Delete rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *RulePath) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx, h.auth, input.OrgID); authErr != nil {
			return nil, authErr
		}
		if err := h.e.DeleteRule(ctx, input.OrgID, input.RuleID); err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "attach-rule-template",
		Method:        http.MethodPut,
		Path:          "/orgs/{org_id}/rules/{rule_id}/templates/{template_id}",
		Summary:       "Attach a task template to a rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *RuleTemplatePath) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx, h.auth, input.OrgID); authErr != nil {
			return nil, authErr
		}
		if err := h.e.AttachTemplate(ctx, input.OrgID, input.RuleID, input.TemplateID); err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "detach-rule-template",
		Method:        http.MethodDelete,
		Path:          "/orgs/{org_id}/rules/{rule_id}/templates/{template_id}",
		Summary:       "Detach a task template from a rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *RuleTemplatePath) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx, h.auth, input.OrgID); authErr != nil {
			return nil, authErr
		}
		if err := h.e.DetachTemplate(ctx, input.OrgID, input.RuleID, input.TemplateID); err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rule-executions",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/rules/{rule_id}/executions",
		Summary:     "List the execution ledger of a rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		RulePath
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body ExecutionList `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		xs, err := h.e.ListExecutions(ctx, input.OrgID, input.RuleID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body ExecutionList `json:"body"`
		}{Body: ExecutionList{Items: nonNil(xs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-rule",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/rules/{rule_id}/evaluate",
		Summary:     "Evaluate one rule against the current state of a task or card",
		Description: "The resource's current status is the new state. Repeating the call for an origin that already applied is suppressed as idempotent.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		RulePath
		Body EvaluateRequest `json:"body"`
	}) (*struct {
		Body engine.Evaluation `json:"body"`
	}, error) {
		p, authErr := requireAdmin(ctx, h.auth, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		rule, err := h.e.GetRule(ctx, input.OrgID, input.RuleID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		if prev := input.Body.PreviousState; prev != "" && !input.Body.OriginType.ValidState(prev) {
			return nil, h.handleError(ctx, engine.ValidationError{Field: "previous_state", Message: "is not a " + string(input.Body.OriginType) + " status"})
		}
		var ev engine.Event
		switch input.Body.OriginType {
		case domain.ResourceTask:
			t, err := h.e.GetTask(ctx, input.OrgID, input.Body.OriginID)
			if err != nil {
				return nil, h.handleError(ctx, err)
			}
			ev = engine.TaskEvent(t, domain.TaskStatus(input.Body.PreviousState))
		case domain.ResourceCard:
			c, err := h.e.GetCard(ctx, input.OrgID, input.Body.OriginID)
			if err != nil {
				return nil, h.handleError(ctx, err)
			}
			ev = engine.CardEvent(c, domain.CardStatus(input.Body.PreviousState))
		default:
			return nil, h.handleError(ctx, engine.ValidationError{Field: "origin_type", Message: "must be task or card"})
		}
		actor := &engine.Actor{ID: p.UserID, Name: p.Name}
		if input.Body.System {
			actor = nil
		}
		res, err := h.e.EvaluateRule(ctx, rule, ev, actor)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body engine.Evaluation `json:"body"`
		}{Body: res}, nil
	})
}

func (h handlers) registerTemplates(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/templates",
		Summary:       "Create task template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		OrgID int64           `path:"org_id"`
		Body  TemplateRequest `json:"body"`
	}) (*struct {
		Body domain.TaskTemplate `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, h.auth, input.OrgID); authErr != nil {
			return nil, authErr
		}
		t, err := h.e.CreateTemplate(ctx, engine.TemplateInput{
			OrgID:       input.OrgID,
			ProjectID:   input.Body.ProjectID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			TypeID:      input.Body.TypeID,
			Priority:    input.Body.Priority,
		})
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.TaskTemplate `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/templates",
		Summary:     "List task templates",
		Errors:      []int{http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		OrgID int64 `path:"org_id"`
	}) (*struct {
		Body TemplateList `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		ts, err := h.e.ListTemplates(ctx, input.OrgID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body TemplateList `json:"body"`
		}{Body: TemplateList{Items: nonNil(ts)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-template",
		Method:        http.MethodDelete,
		Path:          "/orgs/{org_id}/templates/{template_id}",
		Summary:       "Delete task template",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		OrgID      int64 `path:"org_id"`
		TemplateID int64 `path:"template_id"`
	}) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx, h.auth, input.OrgID); authErr != nil {
			return nil, authErr
		}
		if err := h.e.DeleteTemplate(ctx, input.OrgID, input.TemplateID); err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct{}{}, nil
	})
}
