package server

import (
	"taskpool/internal/domain"
	"taskpool/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	ProjectID   int64  `json:"project_id" minimum:"1"`
	TypeID      int64  `json:"type_id"`
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

type TransitionRequest struct {
	Version int64 `json:"version" minimum:"1" doc:"Version the caller last read; stale versions yield 409"`
}

type CreateCardRequest struct {
	ProjectID int64  `json:"project_id" minimum:"1"`
	Title     string `json:"title" minLength:"1"`
}

type MoveCardRequest struct {
	Status  domain.CardStatus `json:"status" enum:"pendiente,en_curso,cerrada"`
	Version int64             `json:"version" minimum:"1"`
}

type WorkflowRequest struct {
	ProjectID   *int64 `json:"project_id,omitempty" doc:"Omit for an organization-wide workflow"`
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty"`
	Active      *bool  `json:"active,omitempty" doc:"Defaults to true"`
}

type SetActiveRequest struct {
	Active bool `json:"active"`
}

type RuleRequest struct {
	Name              string              `json:"name" minLength:"1"`
	Goal              string              `json:"goal,omitempty"`
	ResourceType      domain.ResourceType `json:"resource_type" enum:"task,card"`
	TaskTypeID        *int64              `json:"task_type_id,omitempty"`
	ToState           string              `json:"to_state"`
	Active            *bool               `json:"active,omitempty" doc:"Defaults to true"`
	UserTriggeredOnly bool                `json:"user_triggered_only,omitempty"`
	TemplateIDs       []int64             `json:"template_ids,omitempty"`
}

func (r RuleRequest) input() engine.RuleInput {
	return engine.RuleInput{
		Name:              r.Name,
		Goal:              r.Goal,
		ResourceType:      r.ResourceType,
		TaskTypeID:        r.TaskTypeID,
		ToState:           r.ToState,
		Active:            boolOr(r.Active, true),
		UserTriggeredOnly: r.UserTriggeredOnly,
		TemplateIDs:       r.TemplateIDs,
	}
}

type TemplateRequest struct {
	ProjectID   *int64 `json:"project_id,omitempty"`
	Name        string `json:"name" minLength:"1"`
	Description string `json:"description,omitempty" doc:"May contain {{origin}}, {{previous_state}}, {{new_state}}, {{project}}, {{user}}"`
	TypeID      int64  `json:"type_id"`
	Priority    int    `json:"priority,omitempty"`
}

type EvaluateRequest struct {
	OriginType    domain.ResourceType `json:"origin_type" enum:"task,card"`
	OriginID      int64               `json:"origin_id" minimum:"1"`
	PreviousState string              `json:"previous_state,omitempty"`
	System        bool                `json:"system,omitempty" doc:"Evaluate as a system-generated transition"`
}

// Response payloads

type TaskTransitionResponse struct {
	Task           domain.Task         `json:"task"`
	Evaluations    []engine.Evaluation `json:"evaluations"`
	DispatchErrors []string            `json:"dispatch_errors,omitempty"`
}

type CardTransitionResponse struct {
	Card           domain.Card         `json:"card"`
	Evaluations    []engine.Evaluation `json:"evaluations"`
	DispatchErrors []string            `json:"dispatch_errors,omitempty"`
}

type SetActiveResponse struct {
	WorkflowID   int64 `json:"workflow_id"`
	Active       bool  `json:"active"`
	RulesUpdated int64 `json:"rules_updated"`
}

type TaskList struct {
	Items []domain.Task `json:"items"`
}

type WorkflowList struct {
	Items []domain.Workflow `json:"items"`
}

type RuleList struct {
	Items []domain.Rule `json:"items"`
}

type TemplateList struct {
	Items []domain.TaskTemplate `json:"items"`
}

type ExecutionList struct {
	Items []domain.RuleExecution `json:"items"`
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
