package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"taskpool/internal/domain"
	"taskpool/internal/engine"
	"taskpool/internal/repo"
)

// TaskPath and CardPath are embedded in operation inputs; huma only reads
// exported embedded structs.
type TaskPath struct {
	OrgID  int64 `path:"org_id"`
	TaskID int64 `path:"task_id"`
}

type CardPath struct {
	OrgID  int64 `path:"org_id"`
	CardID int64 `path:"card_id"`
}

type taskTransition func(ctx context.Context, orgID, taskID, userID, version int64) (domain.Task, error)

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		OrgID int64             `path:"org_id"`
		Body  CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		p, authErr := requireOrg(ctx, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.CreateTask(ctx, engine.TaskCreateOptions{
			OrgID:       input.OrgID,
			ProjectID:   input.Body.ProjectID,
			TypeID:      input.Body.TypeID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			ActorID:     &p.UserID,
		})
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		OrgID     int64  `path:"org_id"`
		ProjectID int64  `query:"project_id"`
		Status    string `query:"status" enum:"available,claimed,completed"`
		ClaimedBy int64  `query:"claimed_by"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body TaskList `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		tasks, err := h.e.ListTasks(ctx, repo.TaskFilters{
			OrgID:     input.OrgID,
			ProjectID: input.ProjectID,
			Status:    domain.TaskStatus(input.Status),
			ClaimedBy: input.ClaimedBy,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body TaskList `json:"body"`
		}{Body: TaskList{Items: nonNil(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *TaskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		t, err := h.e.GetTask(ctx, input.OrgID, input.TaskID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	transitions := []struct {
		op      string
		summary string
		from    domain.TaskStatus
		run     taskTransition
	}{
		{"claim", "Claim an available task", domain.TaskAvailable, h.e.ClaimTask},
		{"release", "Release a claimed task back to the pool", domain.TaskClaimed, h.e.ReleaseTask},
		{"complete", "Complete a claimed task", domain.TaskClaimed, h.e.CompleteTask},
	}
	for _, tr := range transitions {
		tr := tr
		huma.Register(api, huma.Operation{
			OperationID: tr.op + "-task",
			Method:      http.MethodPost,
			Path:        "/orgs/{org_id}/tasks/{task_id}/" + tr.op,
			Summary:     tr.summary,
			Description: "Runs matching workflow rules after the transition commits.",
			Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
		}, func(ctx context.Context, input *struct {
			TaskPath
			Body TransitionRequest `json:"body"`
		}) (*struct {
			Body TaskTransitionResponse `json:"body"`
		}, error) {
			p, authErr := requireOrg(ctx, input.OrgID)
			if authErr != nil {
				return nil, authErr
			}
			t, err := tr.run(ctx, input.OrgID, input.TaskID, p.UserID, input.Body.Version)
			if err != nil {
				return nil, h.handleError(ctx, err)
			}
			evals, derrs := h.dispatch(ctx, engine.TaskEvent(t, tr.from), p)
			return &struct {
				Body TaskTransitionResponse `json:"body"`
			}{Body: TaskTransitionResponse{Task: t, Evaluations: evals, DispatchErrors: derrs}}, nil
		})
	}
}

// dispatch runs rules for a committed transition. The transition already
// happened, so rule failures are reported in the body rather than as an
// error status.
func (h handlers) dispatch(ctx context.Context, ev engine.Event, p Principal) ([]engine.Evaluation, []string) {
	evals, err := h.e.Transitioned(ctx, ev, &engine.Actor{ID: p.UserID, Name: p.Name})
	if err != nil {
		h.logf("http: dispatch %s #%d request_id=%s: %v", ev.ResourceType, ev.OriginID, requestIDFromContext(ctx), err)
	}
	return nonNil(evals), dispatchErrors(err)
}

func (h handlers) registerCards(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-card",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/cards",
		Summary:       "Create card",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		OrgID int64             `path:"org_id"`
		Body  CreateCardRequest `json:"body"`
	}) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		c, err := h.e.CreateCard(ctx, input.OrgID, input.Body.ProjectID, input.Body.Title)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-card",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/cards/{card_id}",
		Summary:     "Get card",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *CardPath) (*struct {
		Body domain.Card `json:"body"`
	}, error) {
		if _, authErr := requireOrg(ctx, input.OrgID); authErr != nil {
			return nil, authErr
		}
		c, err := h.e.GetCard(ctx, input.OrgID, input.CardID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Card `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-card",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/cards/{card_id}/move",
		Summary:     "Move card to another status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		CardPath
		Body MoveCardRequest `json:"body"`
	}) (*struct {
		Body CardTransitionResponse `json:"body"`
	}, error) {
		p, authErr := requireOrg(ctx, input.OrgID)
		if authErr != nil {
			return nil, authErr
		}
		c, from, err := h.e.MoveCard(ctx, input.OrgID, input.CardID, p.UserID, input.Body.Status, input.Body.Version)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		evals, derrs := h.dispatch(ctx, engine.CardEvent(c, from), p)
		return &struct {
			Body CardTransitionResponse `json:"body"`
		}{Body: CardTransitionResponse{Card: c, Evaluations: evals, DispatchErrors: derrs}}, nil
	})
}
