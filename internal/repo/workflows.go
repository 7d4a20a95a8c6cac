package repo

import (
	"context"
	"database/sql"
	"errors"

	"taskpool/internal/domain"
)

const workflowColumns = `id,org_id,project_id,name,description,active,created_by,created_at`

func scanWorkflow(row rowScanner) (domain.Workflow, error) {
	var w domain.Workflow
	var projectID sql.NullInt64
	var description sql.NullString
	err := row.Scan(&w.ID, &w.OrgID, &projectID, &w.Name, &description, &w.Active, &w.CreatedBy, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.ProjectID = int64Ptr(projectID)
	w.Description = description.String
	return w, nil
}

// InsertWorkflow returns ErrDuplicate when (org, project-or-null, name) collides.
func (r Repo) InsertWorkflow(ctx context.Context, q Querier, w domain.Workflow) (domain.Workflow, error) {
	res, err := r.q(q).ExecContext(ctx, `INSERT INTO workflows(org_id,project_id,name,description,active,created_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		w.OrgID, nullableInt64Ptr(w.ProjectID), w.Name, nullable(w.Description), boolInt(w.Active), w.CreatedBy, w.CreatedAt)
	if err != nil {
		return w, mapWriteErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return w, err
	}
	w.ID = id
	return w, nil
}

// GetWorkflow reads a workflow inside its exact scope; a project-scoped
// workflow is not visible through the org scope and vice versa.
func (r Repo) GetWorkflow(ctx context.Context, q Querier, id, orgID int64, projectID *int64) (domain.Workflow, error) {
	return scanWorkflow(r.q(q).QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=? AND org_id=? AND project_id IS ?`,
		id, orgID, nullableInt64Ptr(projectID)))
}

// GetWorkflowInOrg reads a workflow of an organization whatever its project scope.
func (r Repo) GetWorkflowInOrg(ctx context.Context, q Querier, id, orgID int64) (domain.Workflow, error) {
	return scanWorkflow(r.q(q).QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=? AND org_id=?`, id, orgID))
}

// FindWorkflowByName returns the workflow holding name in the given scope.
func (r Repo) FindWorkflowByName(ctx context.Context, q Querier, orgID int64, projectID *int64, name string) (domain.Workflow, error) {
	return scanWorkflow(r.q(q).QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE org_id=? AND project_id IS ? AND name=?`,
		orgID, nullableInt64Ptr(projectID), name))
}

// ListWorkflows lists the workflows of one scope.
func (r Repo) ListWorkflows(ctx context.Context, orgID int64, projectID *int64) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE org_id=? AND project_id IS ? ORDER BY name ASC, id ASC`,
		orgID, nullableInt64Ptr(projectID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) UpdateWorkflow(ctx context.Context, q Querier, w domain.Workflow) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE workflows SET name=?, description=?, active=? WHERE id=? AND org_id=? AND project_id IS ?`,
		w.Name, nullable(w.Description), boolInt(w.Active), w.ID, w.OrgID, nullableInt64Ptr(w.ProjectID))
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

// SetWorkflowActive flips the workflow flag only. Callers cascade to rules in
// the same transaction via SetRulesActiveForWorkflow.
func (r Repo) SetWorkflowActive(ctx context.Context, q Querier, id, orgID int64, projectID *int64, active bool) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE workflows SET active=? WHERE id=? AND org_id=? AND project_id IS ?`,
		boolInt(active), id, orgID, nullableInt64Ptr(projectID))
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

// DeleteWorkflow removes the workflow; rules go with it through ON DELETE CASCADE.
func (r Repo) DeleteWorkflow(ctx context.Context, q Querier, id, orgID int64, projectID *int64) error {
	res, err := r.q(q).ExecContext(ctx, `DELETE FROM workflows WHERE id=? AND org_id=? AND project_id IS ?`, id, orgID, nullableInt64Ptr(projectID))
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
