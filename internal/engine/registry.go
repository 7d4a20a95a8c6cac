package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskpool/internal/domain"
	"taskpool/internal/events"
	"taskpool/internal/repo"
)

// WorkflowInput carries the writable fields of a workflow. ProjectID nil means
// the workflow is scoped to the whole organization.
type WorkflowInput struct {
	OrgID       int64
	ProjectID   *int64
	Name        string
	Description string
	Active      bool
	CreatedBy   int64
}

func (e Engine) CreateWorkflow(ctx context.Context, in WorkflowInput) (domain.Workflow, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Workflow{}, ValidationError{Field: "name", Message: "is required"}
	}
	w, err := e.Repo.InsertWorkflow(ctx, nil, domain.Workflow{
		OrgID:       in.OrgID,
		ProjectID:   in.ProjectID,
		Name:        name,
		Description: in.Description,
		Active:      in.Active,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   e.timestamp(),
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return w, AlreadyExistsError{Kind: "workflow", Name: name}
	}
	if err != nil {
		return w, storageErr("insert workflow", err)
	}
	e.registryAudit(ctx, w.OrgID, "workflow.created", in.CreatedBy, events.EventPayload{"workflow_id": w.ID, "name": w.Name})
	return w, nil
}

func (e Engine) GetWorkflow(ctx context.Context, id, orgID int64, projectID *int64) (domain.Workflow, error) {
	w, err := e.Repo.GetWorkflow(ctx, nil, id, orgID, projectID)
	if err != nil {
		return w, lookupErr("workflow", id, err)
	}
	return w, nil
}

func (e Engine) ListWorkflows(ctx context.Context, orgID int64, projectID *int64) ([]domain.Workflow, error) {
	ws, err := e.Repo.ListWorkflows(ctx, orgID, projectID)
	return ws, storageErr("list workflows", err)
}

// UpdateWorkflow rewrites name, description and active flag. A change of the
// active flag cascades to every rule in the same transaction.
func (e Engine) UpdateWorkflow(ctx context.Context, id int64, in WorkflowInput) (domain.Workflow, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Workflow{}, ValidationError{Field: "name", Message: "is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, storageErr("begin update workflow", err)
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflow(ctx, tx, id, in.OrgID, in.ProjectID)
	if err != nil {
		return w, lookupErr("workflow", id, err)
	}
	cascade := w.Active != in.Active
	w.Name = name
	w.Description = in.Description
	w.Active = in.Active
	if err := e.Repo.UpdateWorkflow(ctx, tx, w); err != nil {
		switch {
		case errors.Is(err, repo.ErrDuplicate):
			return w, AlreadyExistsError{Kind: "workflow", Name: name}
		case errors.Is(err, repo.ErrNotFound):
			return w, NotFoundError{Kind: "workflow", ID: id}
		}
		return w, storageErr("update workflow", err)
	}
	if cascade {
		if _, err := e.Repo.SetRulesActiveForWorkflow(ctx, tx, id, in.Active); err != nil {
			return w, storageErr("cascade rule activation", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return w, storageErr("commit update workflow", err)
	}
	return w, nil
}

// SetActiveCascade sets the workflow flag and the flag of every child rule in
// one transaction. It returns the number of rules touched.
func (e Engine) SetActiveCascade(ctx context.Context, id, orgID int64, projectID *int64, active bool) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin set active", err)
	}
	defer tx.Rollback()

	if err := e.Repo.SetWorkflowActive(ctx, tx, id, orgID, projectID, active); err != nil {
		return 0, lookupErr("workflow", id, err)
	}
	n, err := e.Repo.SetRulesActiveForWorkflow(ctx, tx, id, active)
	if err != nil {
		return 0, storageErr("cascade rule activation", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit set active", err)
	}
	e.registryAudit(ctx, orgID, "workflow.activation", 0, events.EventPayload{"workflow_id": id, "active": active, "rules": n})
	return n, nil
}

// DeleteWorkflow removes the workflow together with its rules, their template
// links and their execution ledger.
func (e Engine) DeleteWorkflow(ctx context.Context, id, orgID int64, projectID *int64) error {
	if err := e.Repo.DeleteWorkflow(ctx, nil, id, orgID, projectID); err != nil {
		return lookupErr("workflow", id, err)
	}
	e.registryAudit(ctx, orgID, "workflow.deleted", 0, events.EventPayload{"workflow_id": id})
	return nil
}

// RuleInput carries the writable fields of a rule.
type RuleInput struct {
	Name              string
	Goal              string
	ResourceType      domain.ResourceType
	TaskTypeID        *int64
	ToState           string
	Active            bool
	UserTriggeredOnly bool
	TemplateIDs       []int64
}

func (in RuleInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return ValidationError{Field: "name", Message: "is required"}
	}
	if !in.ResourceType.Valid() {
		return ValidationError{Field: "resource_type", Message: fmt.Sprintf("must be task or card, got %q", in.ResourceType)}
	}
	if !in.ResourceType.ValidState(in.ToState) {
		return ValidationError{Field: "to_state", Message: fmt.Sprintf("%q is not a %s state", in.ToState, in.ResourceType)}
	}
	if in.ResourceType == domain.ResourceCard && in.TaskTypeID != nil {
		return ValidationError{Field: "task_type_id", Message: "only applies to task rules"}
	}
	return nil
}

// CreateRule adds a rule to a workflow of orgID. The stored flag is the input
// flag AND the workflow flag, so a rule under an inactive workflow is stored
// inactive.
func (e Engine) CreateRule(ctx context.Context, orgID, workflowID int64, in RuleInput) (domain.Rule, error) {
	if err := in.validate(); err != nil {
		return domain.Rule{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Rule{}, storageErr("begin create rule", err)
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowInOrg(ctx, tx, workflowID, orgID)
	if err != nil {
		return domain.Rule{}, lookupErr("workflow", workflowID, err)
	}
	rl, err := e.Repo.InsertRule(ctx, tx, domain.Rule{
		WorkflowID:        w.ID,
		Name:              strings.TrimSpace(in.Name),
		Goal:              in.Goal,
		ResourceType:      in.ResourceType,
		TaskTypeID:        in.TaskTypeID,
		ToState:           in.ToState,
		Active:            in.Active && w.Active,
		UserTriggeredOnly: in.UserTriggeredOnly,
		CreatedAt:         e.timestamp(),
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return rl, AlreadyExistsError{Kind: "rule", Name: in.Name}
	}
	if err != nil {
		return rl, storageErr("insert rule", err)
	}
	for _, tplID := range in.TemplateIDs {
		if _, err := e.Repo.GetTemplate(ctx, tx, orgID, tplID); err != nil {
			return rl, lookupErr("template", tplID, err)
		}
		if err := e.Repo.AttachTemplate(ctx, tx, rl.ID, tplID); err != nil {
			return rl, storageErr("attach template", err)
		}
	}
	if rl.TemplateIDs, err = e.Repo.ListRuleTemplateIDs(ctx, tx, rl.ID); err != nil {
		return rl, storageErr("list rule templates", err)
	}
	if err := tx.Commit(); err != nil {
		return rl, storageErr("commit create rule", err)
	}
	return rl, nil
}

// UpdateRule rewrites a rule's criteria. Attached templates are managed with
// AttachTemplate and DetachTemplate.
func (e Engine) UpdateRule(ctx context.Context, orgID, ruleID int64, in RuleInput) (domain.Rule, error) {
	if err := in.validate(); err != nil {
		return domain.Rule{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Rule{}, storageErr("begin update rule", err)
	}
	defer tx.Rollback()

	st, err := e.Repo.GetRuleState(ctx, tx, ruleID)
	if err != nil || st.WorkflowOrgID != orgID {
		if err == nil {
			err = repo.ErrNotFound
		}
		return domain.Rule{}, lookupErr("rule", ruleID, err)
	}
	rl := st.Rule
	rl.Name = strings.TrimSpace(in.Name)
	rl.Goal = in.Goal
	rl.ResourceType = in.ResourceType
	rl.TaskTypeID = in.TaskTypeID
	rl.ToState = in.ToState
	rl.Active = in.Active && st.WorkflowActive
	rl.UserTriggeredOnly = in.UserTriggeredOnly
	if err := e.Repo.UpdateRule(ctx, tx, rl); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return rl, AlreadyExistsError{Kind: "rule", Name: rl.Name}
		}
		return rl, lookupErr("rule", ruleID, err)
	}
	if rl.TemplateIDs, err = e.Repo.ListRuleTemplateIDs(ctx, tx, rl.ID); err != nil {
		return rl, storageErr("list rule templates", err)
	}
	if err := tx.Commit(); err != nil {
		return rl, storageErr("commit update rule", err)
	}
	return rl, nil
}

func (e Engine) GetRule(ctx context.Context, orgID, ruleID int64) (domain.Rule, error) {
	rl, err := e.Repo.GetRule(ctx, nil, orgID, ruleID)
	if err != nil {
		return rl, lookupErr("rule", ruleID, err)
	}
	return rl, nil
}

func (e Engine) ListRules(ctx context.Context, orgID, workflowID int64) ([]domain.Rule, error) {
	if _, err := e.Repo.GetWorkflowInOrg(ctx, nil, workflowID, orgID); err != nil {
		return nil, lookupErr("workflow", workflowID, err)
	}
	rules, err := e.Repo.ListRules(ctx, workflowID)
	return rules, storageErr("list rules", err)
}

func (e Engine) DeleteRule(ctx context.Context, orgID, ruleID int64) error {
	if err := e.Repo.DeleteRule(ctx, nil, orgID, ruleID); err != nil {
		return lookupErr("rule", ruleID, err)
	}
	return nil
}

// TemplateInput carries the writable fields of a task template.
type TemplateInput struct {
	OrgID       int64
	ProjectID   *int64
	Name        string
	Description string
	TypeID      int64
	Priority    int
}

func (e Engine) CreateTemplate(ctx context.Context, in TemplateInput) (domain.TaskTemplate, error) {
	if strings.TrimSpace(in.Name) == "" {
		return domain.TaskTemplate{}, ValidationError{Field: "name", Message: "is required"}
	}
	t, err := e.Repo.InsertTemplate(ctx, nil, domain.TaskTemplate{
		OrgID:       in.OrgID,
		ProjectID:   in.ProjectID,
		Name:        in.Name,
		Description: in.Description,
		TypeID:      in.TypeID,
		Priority:    in.Priority,
		CreatedAt:   e.timestamp(),
	})
	if err != nil {
		return t, storageErr("insert template", err)
	}
	return t, nil
}

func (e Engine) GetTemplate(ctx context.Context, orgID, id int64) (domain.TaskTemplate, error) {
	t, err := e.Repo.GetTemplate(ctx, nil, orgID, id)
	if err != nil {
		return t, lookupErr("template", id, err)
	}
	return t, nil
}

func (e Engine) ListTemplates(ctx context.Context, orgID int64) ([]domain.TaskTemplate, error) {
	ts, err := e.Repo.ListTemplates(ctx, orgID)
	return ts, storageErr("list templates", err)
}

// DeleteTemplate removes a template and detaches it from every rule.
func (e Engine) DeleteTemplate(ctx context.Context, orgID, id int64) error {
	if err := e.Repo.DeleteTemplate(ctx, nil, orgID, id); err != nil {
		return lookupErr("template", id, err)
	}
	return nil
}

// AttachTemplate links a template to a rule. Attaching twice is a no-op.
func (e Engine) AttachTemplate(ctx context.Context, orgID, ruleID, templateID int64) error {
	if _, err := e.Repo.GetRule(ctx, nil, orgID, ruleID); err != nil {
		return lookupErr("rule", ruleID, err)
	}
	if _, err := e.Repo.GetTemplate(ctx, nil, orgID, templateID); err != nil {
		return lookupErr("template", templateID, err)
	}
	return storageErr("attach template", e.Repo.AttachTemplate(ctx, nil, ruleID, templateID))
}

// DetachTemplate unlinks a template from a rule; the template itself is kept.
func (e Engine) DetachTemplate(ctx context.Context, orgID, ruleID, templateID int64) error {
	if _, err := e.Repo.GetRule(ctx, nil, orgID, ruleID); err != nil {
		return lookupErr("rule", ruleID, err)
	}
	if err := e.Repo.DetachTemplate(ctx, nil, ruleID, templateID); err != nil {
		return lookupErr("rule template", fmt.Sprintf("%d/%d", ruleID, templateID), err)
	}
	return nil
}

func (e Engine) registryAudit(ctx context.Context, orgID int64, event string, actor int64, payload events.EventPayload) {
	var actorID *int64
	if actor != 0 {
		actorID = &actor
	}
	id, _ := payload["workflow_id"].(int64)
	e.audit(ctx, events.Entry{OrgID: orgID, Event: event, OriginType: "workflow", OriginID: id, ActorID: actorID, Payload: payload})
}
