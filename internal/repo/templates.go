package repo

import (
	"context"
	"database/sql"
	"errors"

	"taskpool/internal/domain"
)

const templateColumns = `t.id,t.org_id,t.project_id,t.name,t.description,t.type_id,t.priority,t.created_at`

func scanTemplate(row rowScanner) (domain.TaskTemplate, error) {
	var t domain.TaskTemplate
	var projectID sql.NullInt64
	var description sql.NullString
	err := row.Scan(&t.ID, &t.OrgID, &projectID, &t.Name, &description, &t.TypeID, &t.Priority, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ProjectID = int64Ptr(projectID)
	t.Description = description.String
	return t, nil
}

func (r Repo) InsertTemplate(ctx context.Context, q Querier, t domain.TaskTemplate) (domain.TaskTemplate, error) {
	res, err := r.q(q).ExecContext(ctx, `INSERT INTO task_templates(org_id,project_id,name,description,type_id,priority,created_at) VALUES (?,?,?,?,?,?,?)`,
		t.OrgID, nullableInt64Ptr(t.ProjectID), t.Name, nullable(t.Description), t.TypeID, t.Priority, t.CreatedAt)
	if err != nil {
		return t, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return t, err
	}
	t.ID = id
	return t, nil
}

func (r Repo) GetTemplate(ctx context.Context, q Querier, orgID, id int64) (domain.TaskTemplate, error) {
	return scanTemplate(r.q(q).QueryRowContext(ctx, `SELECT `+templateColumns+` FROM task_templates t WHERE t.id=? AND t.org_id=?`, id, orgID))
}

func (r Repo) ListTemplates(ctx context.Context, orgID int64) ([]domain.TaskTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+templateColumns+` FROM task_templates t WHERE t.org_id=? ORDER BY t.id ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListRuleTemplates returns the templates attached to a rule in attach order.
func (r Repo) ListRuleTemplates(ctx context.Context, q Querier, ruleID int64) ([]domain.TaskTemplate, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+templateColumns+` FROM task_templates t JOIN rule_templates rt ON rt.template_id=t.id WHERE rt.rule_id=? ORDER BY rt.rowid ASC`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListRuleTemplateIDs(ctx context.Context, q Querier, ruleID int64) ([]int64, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT template_id FROM rule_templates WHERE rule_id=? ORDER BY rowid ASC`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) AttachTemplate(ctx context.Context, q Querier, ruleID, templateID int64) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT OR IGNORE INTO rule_templates(rule_id, template_id) VALUES (?,?)`, ruleID, templateID)
	return err
}

// DetachTemplate removes the association only; the template itself stays.
func (r Repo) DetachTemplate(ctx context.Context, q Querier, ruleID, templateID int64) error {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM rule_templates WHERE rule_id=? AND template_id=?`, ruleID, templateID)
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

func (r Repo) DeleteTemplate(ctx context.Context, q Querier, orgID, id int64) error {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM task_templates WHERE id=? AND org_id=?`, id, orgID)
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
