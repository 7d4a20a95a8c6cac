package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"taskpool/internal/domain"
)

const taskColumns = `id,org_id,project_id,type_id,title,description,priority,status,claimed_by,version,source_rule_id,source_execution_id,created_at,updated_at,claimed_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, sourceExec, claimedAt, completedAt sql.NullString
	var claimedBy, sourceRule sql.NullInt64
	err := row.Scan(&t.ID, &t.OrgID, &t.ProjectID, &t.TypeID, &t.Title, &description, &t.Priority, &t.Status,
		&claimedBy, &t.Version, &sourceRule, &sourceExec, &t.CreatedAt, &t.UpdatedAt, &claimedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = description.String
	t.ClaimedBy = int64Ptr(claimedBy)
	t.SourceRuleID = int64Ptr(sourceRule)
	t.SourceExecutionID = stringPtr(sourceExec)
	t.ClaimedAt = stringPtr(claimedAt)
	t.CompletedAt = stringPtr(completedAt)
	return t, nil
}

// InsertTask stores t and returns it with its assigned id.
func (r Repo) InsertTask(ctx context.Context, q Querier, t domain.Task) (domain.Task, error) {
	res, err := r.q(q).ExecContext(ctx, `INSERT INTO tasks(org_id,project_id,type_id,title,description,priority,status,claimed_by,version,source_rule_id,source_execution_id,created_at,updated_at,claimed_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.OrgID, t.ProjectID, t.TypeID, t.Title, nullable(t.Description), t.Priority, t.Status, nullableInt64Ptr(t.ClaimedBy),
		t.Version, nullableInt64Ptr(t.SourceRuleID), nullableStringPtr(t.SourceExecutionID), t.CreatedAt, t.UpdatedAt,
		nullableStringPtr(t.ClaimedAt), nullableStringPtr(t.CompletedAt))
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

// GetTask reads a task within an organization.
func (r Repo) GetTask(ctx context.Context, q Querier, orgID, id int64) (domain.Task, error) {
	return scanTask(r.q(q).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND org_id=?`, id, orgID))
}

type TaskFilters struct {
	OrgID     int64
	ProjectID int64
	Status    domain.TaskStatus
	ClaimedBy int64
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.ProjectID != 0 {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ClaimedBy != 0 {
		clauses = append(clauses, "claimed_by=?")
		args = append(args, f.ClaimedBy)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClaimTask is the conditional write for available -> claimed. It reports
// whether a row matched; zero rows means missing, not available, or stale.
func (r Repo) ClaimTask(ctx context.Context, q Querier, orgID, id, userID, expectedVersion int64, now string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE tasks SET status='claimed', claimed_by=?, claimed_at=?, updated_at=?, version=version+1
WHERE id=? AND org_id=? AND version=? AND status='available'`, userID, now, now, id, orgID, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// ReleaseTask is the conditional write for claimed -> available by the claimant.
func (r Repo) ReleaseTask(ctx context.Context, q Querier, orgID, id, userID, expectedVersion int64, now string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE tasks SET status='available', claimed_by=NULL, claimed_at=NULL, updated_at=?, version=version+1
WHERE id=? AND org_id=? AND version=? AND status='claimed' AND claimed_by=?`, now, id, orgID, expectedVersion, userID)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// CompleteTask is the conditional write for claimed -> completed by the claimant.
// claimed_by is kept so the completer stays on record.
func (r Repo) CompleteTask(ctx context.Context, q Querier, orgID, id, userID, expectedVersion int64, now string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE tasks SET status='completed', completed_at=?, updated_at=?, version=version+1
WHERE id=? AND org_id=? AND version=? AND status='claimed' AND claimed_by=?`, now, now, id, orgID, expectedVersion, userID)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

func (r Repo) CountTasksByStatus(ctx context.Context, orgID, projectID int64) (map[domain.TaskStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE org_id=? AND project_id=? GROUP BY status`, orgID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.TaskStatus]int{}
	for rows.Next() {
		var status domain.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
