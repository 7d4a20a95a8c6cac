package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskpool/internal/domain"
	"taskpool/internal/events"
	"taskpool/internal/repo"
	"taskpool/internal/template"
)

// Evaluation is the outcome of one rule against one event. Outcome is either
// applied, with the ledger row and the created tasks, or suppressed with a
// Reason.
type Evaluation struct {
	RuleID    int64                    `json:"rule_id"`
	Outcome   domain.Outcome           `json:"outcome"`
	Reason    domain.SuppressionReason `json:"reason,omitempty"`
	Execution *domain.RuleExecution    `json:"execution,omitempty"`
	Tasks     []domain.Task            `json:"tasks,omitempty"`
}

func (ev Evaluation) Applied() bool { return ev.Outcome == domain.OutcomeApplied }

func suppressed(ruleID int64, reason domain.SuppressionReason) Evaluation {
	return Evaluation{RuleID: ruleID, Outcome: domain.OutcomeSuppressed, Reason: reason}
}

// EvaluateRule decides whether rule fires for ev and, if so, instantiates
// its templates. Checks run in a fixed order and the first failing one
// names the suppression: inactive, not matching, not user triggered,
// idempotent. The ledger row and the new tasks commit together. Hard
// failures come back as EvaluationError and leave nothing behind.
//
// Only applied outcomes are written to the execution ledger. Suppressions
// are recorded in the audit log and the evaluation metrics instead, so a
// rule skipped for a system transition can still fire on a later user
// transition of the same origin.
//
// Only the rule's ID is used; its current state is re-read inside the
// transaction.
func (e Engine) EvaluateRule(ctx context.Context, rule domain.Rule, ev Event, actor *Actor) (Evaluation, error) {
	res, err := e.evaluateTx(ctx, rule.ID, ev, actor)
	if err != nil {
		e.Metrics.evaluationFailed(ctx)
		e.logf("rules: rule=%d origin=%s#%d failed: %v", rule.ID, ev.ResourceType, ev.OriginID, err)
		return res, EvaluationError{RuleID: rule.ID, Err: err}
	}
	e.Metrics.evaluation(ctx, res.Outcome, res.Reason)
	entry := events.Entry{
		OrgID: ev.OrgID, OriginType: ev.ResourceType, OriginID: ev.OriginID, ActorID: actor.idPtr(),
		FromStatus: ev.PreviousState, ToStatus: ev.NewState,
	}
	if res.Applied() {
		ids := make([]int64, 0, len(res.Tasks))
		for _, t := range res.Tasks {
			ids = append(ids, t.ID)
		}
		e.Metrics.created(ctx, rule.ID, len(res.Tasks))
		e.logf("rules: rule=%d origin=%s#%d applied tasks=%v", rule.ID, ev.ResourceType, ev.OriginID, ids)
		entry.Event = "rule.applied"
		entry.Payload = events.EventPayload{"rule_id": rule.ID, "execution_id": res.Execution.ID, "task_ids": ids}
	} else {
		e.logf("rules: rule=%d origin=%s#%d suppressed reason=%s", rule.ID, ev.ResourceType, ev.OriginID, res.Reason)
		entry.Event = "rule.suppressed"
		entry.Payload = events.EventPayload{"rule_id": rule.ID, "reason": res.Reason}
	}
	e.audit(ctx, entry)
	return res, nil
}

// evaluateTx owns the transaction; it is closed before EvaluateRule touches
// the database again.
func (e Engine) evaluateTx(ctx context.Context, ruleID int64, ev Event, actor *Actor) (Evaluation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Evaluation{RuleID: ruleID}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	st, err := e.Repo.GetRuleState(ctx, tx, ruleID)
	if err != nil {
		return Evaluation{RuleID: ruleID}, lookupErr("rule", ruleID, err)
	}
	if !st.EffectiveActive() {
		return suppressed(ruleID, domain.ReasonInactive), nil
	}
	if !matches(st, ev) {
		return suppressed(ruleID, domain.ReasonNotMatching), nil
	}
	if st.Rule.UserTriggeredOnly && actor == nil {
		return suppressed(ruleID, domain.ReasonNotUserTriggered), nil
	}
	_, err = e.Repo.FindExecution(ctx, tx, ruleID, ev.ResourceType, ev.OriginID)
	switch {
	case err == nil:
		return suppressed(ruleID, domain.ReasonIdempotent), nil
	case !errors.Is(err, repo.ErrNotFound):
		return Evaluation{RuleID: ruleID}, fmt.Errorf("read ledger: %w", err)
	}

	now := e.timestamp()
	exec := domain.RuleExecution{
		ID:         uuid.NewString(),
		RuleID:     ruleID,
		OriginType: ev.ResourceType,
		OriginID:   ev.OriginID,
		Outcome:    domain.OutcomeApplied,
		UserID:     actor.idPtr(),
		CreatedAt:  now,
	}
	if err := e.Repo.InsertExecution(ctx, tx, exec); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return suppressed(ruleID, domain.ReasonIdempotent), nil
		}
		return Evaluation{RuleID: ruleID}, fmt.Errorf("write ledger: %w", err)
	}

	tpls, err := e.Repo.ListRuleTemplates(ctx, tx, ruleID)
	if err != nil {
		return Evaluation{RuleID: ruleID}, fmt.Errorf("list templates: %w", err)
	}
	res := Evaluation{RuleID: ruleID, Outcome: domain.OutcomeApplied, Execution: &exec}
	if len(tpls) > 0 {
		tctx, err := e.templateContext(ctx, tx, ev, actor)
		if err != nil {
			return Evaluation{RuleID: ruleID}, err
		}
		opts := template.Options{Strict: e.engineConfig().StrictPlaceholders}
		for _, tpl := range tpls {
			draft, err := template.Expand(tpl, tctx, opts)
			if err != nil {
				return Evaluation{RuleID: ruleID}, err
			}
			draft.OrgID = ev.OrgID
			draft.ProjectID = ev.ProjectID
			if tpl.ProjectID != nil {
				draft.ProjectID = *tpl.ProjectID
			}
			draft.SourceRuleID = &ruleID
			draft.SourceExecutionID = &exec.ID
			draft.CreatedAt = now
			draft.UpdatedAt = now
			t, err := e.Repo.InsertTask(ctx, tx, draft)
			if err != nil {
				return Evaluation{RuleID: ruleID}, fmt.Errorf("instantiate template %d: %w", tpl.ID, err)
			}
			res.Tasks = append(res.Tasks, t)
		}
	}
	if err := tx.Commit(); err != nil {
		return Evaluation{RuleID: ruleID}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// matches checks resource type, target state, task type filter and scope.
func matches(st repo.RuleState, ev Event) bool {
	rl := st.Rule
	if rl.ResourceType != ev.ResourceType || rl.ToState != ev.NewState {
		return false
	}
	if rl.ResourceType == domain.ResourceTask && rl.TaskTypeID != nil && *rl.TaskTypeID != ev.TypeID {
		return false
	}
	if st.WorkflowOrgID != ev.OrgID {
		return false
	}
	return st.WorkflowProjectID == nil || *st.WorkflowProjectID == ev.ProjectID
}

func (e Engine) templateContext(ctx context.Context, tx *sql.Tx, ev Event, actor *Actor) (template.Context, error) {
	c := template.Context{
		Origin:        ev.originLabel(),
		PreviousState: ev.PreviousState,
		NewState:      ev.NewState,
		Project:       fmt.Sprintf("project #%d", ev.ProjectID),
	}
	p, err := e.Repo.GetProject(ctx, tx, ev.ProjectID)
	switch {
	case err == nil:
		c.Project = p.Name
	case !errors.Is(err, repo.ErrNotFound):
		return c, fmt.Errorf("read project: %w", err)
	}
	switch {
	case actor == nil:
		c.User = e.engineConfig().SystemActorName
	case actor.Name != "":
		c.User = actor.Name
	default:
		c.User = fmt.Sprintf("user #%d", actor.ID)
		u, err := e.Repo.GetUser(ctx, tx, actor.ID)
		switch {
		case err == nil:
			c.User = u.DisplayName
		case !errors.Is(err, repo.ErrNotFound):
			return c, fmt.Errorf("read user: %w", err)
		}
	}
	return c, nil
}

// Dispatch evaluates every rule visible to the event's org and project that
// listens to its resource type. Each rule runs in its own transaction; a
// failing rule does not stop the others and all failures are joined.
func (e Engine) Dispatch(ctx context.Context, ev Event, actor *Actor) ([]Evaluation, error) {
	rules, err := e.Repo.ListCandidateRules(ctx, ev.OrgID, ev.ProjectID, ev.ResourceType)
	if err != nil {
		return nil, storageErr("list candidate rules", err)
	}
	var (
		out  []Evaluation
		errs []error
	)
	for _, rl := range rules {
		res, err := e.EvaluateRule(ctx, rl, ev, actor)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

// Transitioned runs Dispatch when the engine is configured to react to
// transitions, and is a no-op otherwise.
func (e Engine) Transitioned(ctx context.Context, ev Event, actor *Actor) ([]Evaluation, error) {
	if !e.engineConfig().DispatchOnTransition {
		return nil, nil
	}
	return e.Dispatch(ctx, ev, actor)
}

func (e Engine) ListExecutions(ctx context.Context, orgID, ruleID int64, limit int) ([]domain.RuleExecution, error) {
	if _, err := e.Repo.GetRule(ctx, nil, orgID, ruleID); err != nil {
		return nil, lookupErr("rule", ruleID, err)
	}
	xs, err := e.Repo.ListExecutions(ctx, ruleID, limit)
	return xs, storageErr("list executions", err)
}
