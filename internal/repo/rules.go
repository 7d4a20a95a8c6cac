package repo

import (
	"context"
	"database/sql"
	"errors"

	"taskpool/internal/domain"
)

const ruleColumns = `r.id,r.workflow_id,r.name,r.goal,r.resource_type,r.task_type_id,r.to_state,r.active,r.user_triggered_only,r.created_at`

func scanRule(row rowScanner, extra ...any) (domain.Rule, error) {
	var rl domain.Rule
	var goal sql.NullString
	var taskType sql.NullInt64
	dest := []any{&rl.ID, &rl.WorkflowID, &rl.Name, &goal, &rl.ResourceType, &taskType, &rl.ToState, &rl.Active, &rl.UserTriggeredOnly, &rl.CreatedAt}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return rl, ErrNotFound
	}
	if err != nil {
		return rl, err
	}
	rl.Goal = goal.String
	rl.TaskTypeID = int64Ptr(taskType)
	return rl, nil
}

// InsertRule returns ErrDuplicate when the name is taken inside the workflow.
func (r Repo) InsertRule(ctx context.Context, q Querier, rl domain.Rule) (domain.Rule, error) {
	res, err := r.q(q).ExecContext(ctx, `INSERT INTO rules(workflow_id,name,goal,active,resource_type,task_type_id,to_state,user_triggered_only,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		rl.WorkflowID, rl.Name, nullable(rl.Goal), boolInt(rl.Active), rl.ResourceType, nullableInt64Ptr(rl.TaskTypeID), rl.ToState,
		boolInt(rl.UserTriggeredOnly), rl.CreatedAt)
	if err != nil {
		return rl, mapWriteErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return rl, err
	}
	rl.ID = id
	return rl, nil
}

func (r Repo) UpdateRule(ctx context.Context, q Querier, rl domain.Rule) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE rules SET name=?, goal=?, active=?, resource_type=?, task_type_id=?, to_state=?, user_triggered_only=? WHERE id=? AND workflow_id=?`,
		rl.Name, nullable(rl.Goal), boolInt(rl.Active), rl.ResourceType, nullableInt64Ptr(rl.TaskTypeID), rl.ToState,
		boolInt(rl.UserTriggeredOnly), rl.ID, rl.WorkflowID)
	if err != nil {
		return mapWriteErr(err)
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRulesActiveForWorkflow cascades the workflow activation flag to every child rule.
func (r Repo) SetRulesActiveForWorkflow(ctx context.Context, q Querier, workflowID int64, active bool) (int64, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE rules SET active=? WHERE workflow_id=?`, boolInt(active), workflowID)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

// GetRule reads a rule that belongs to a workflow of orgID.
func (r Repo) GetRule(ctx context.Context, q Querier, orgID, id int64) (domain.Rule, error) {
	rl, err := scanRule(r.q(q).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules r JOIN workflows w ON w.id=r.workflow_id WHERE r.id=? AND w.org_id=?`, id, orgID))
	if err != nil {
		return rl, err
	}
	rl.TemplateIDs, err = r.ListRuleTemplateIDs(ctx, q, rl.ID)
	return rl, err
}

// RuleState is a rule together with the parent workflow fields the engine
// needs to decide activation and scope.
type RuleState struct {
	Rule              domain.Rule
	WorkflowActive    bool
	WorkflowOrgID     int64
	WorkflowProjectID *int64
}

// EffectiveActive is the rule flag AND the workflow flag.
func (s RuleState) EffectiveActive() bool {
	return s.Rule.Active && s.WorkflowActive
}

func (r Repo) GetRuleState(ctx context.Context, q Querier, id int64) (RuleState, error) {
	var st RuleState
	var projectID sql.NullInt64
	rl, err := scanRule(r.q(q).QueryRowContext(ctx, `SELECT `+ruleColumns+`, w.active, w.org_id, w.project_id FROM rules r JOIN workflows w ON w.id=r.workflow_id WHERE r.id=?`, id),
		&st.WorkflowActive, &st.WorkflowOrgID, &projectID)
	if err != nil {
		return st, err
	}
	st.Rule = rl
	st.WorkflowProjectID = int64Ptr(projectID)
	return st, nil
}

func (r Repo) ListRules(ctx context.Context, workflowID int64) ([]domain.Rule, error) {
	return r.listRules(ctx, `SELECT `+ruleColumns+` FROM rules r WHERE r.workflow_id=? ORDER BY r.id ASC`, workflowID)
}

// ListCandidateRules returns every rule of a workflow visible to (org, project)
// that listens to the given resource type: org-wide workflows plus the
// project's own workflows. Inactive rules are included so that evaluation
// can report them as such.
func (r Repo) ListCandidateRules(ctx context.Context, orgID, projectID int64, resource domain.ResourceType) ([]domain.Rule, error) {
	return r.listRules(ctx, `SELECT `+ruleColumns+` FROM rules r JOIN workflows w ON w.id=r.workflow_id
WHERE w.org_id=? AND (w.project_id IS NULL OR w.project_id=?) AND r.resource_type=? ORDER BY r.id ASC`, orgID, projectID, resource)
}

func (r Repo) listRules(ctx context.Context, query string, args ...any) ([]domain.Rule, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Rule
	for rows.Next() {
		rl, err := scanRule(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, rl)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		ids, err := r.ListRuleTemplateIDs(ctx, nil, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].TemplateIDs = ids
	}
	return res, nil
}

func (r Repo) DeleteRule(ctx context.Context, q Querier, orgID, id int64) error {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM rules WHERE id=? AND workflow_id IN (SELECT id FROM workflows WHERE org_id=?)`, id, orgID)
	if err != nil {
		return err
	}
	if n, err := affected(res); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountRules(ctx context.Context, q Querier, workflowID int64) (int, error) {
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT count(*) FROM rules WHERE workflow_id=?`, workflowID).Scan(&n)
	return n, err
}
