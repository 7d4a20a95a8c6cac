package repo

import (
	"context"
	"database/sql"
	"errors"

	"taskpool/internal/domain"
)

const executionColumns = `id,rule_id,origin_type,origin_id,outcome,suppression_reason,user_id,created_at`

func scanExecution(row rowScanner) (domain.RuleExecution, error) {
	var x domain.RuleExecution
	var reason sql.NullString
	var userID sql.NullInt64
	err := row.Scan(&x.ID, &x.RuleID, &x.OriginType, &x.OriginID, &x.Outcome, &reason, &userID, &x.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return x, ErrNotFound
	}
	if err != nil {
		return x, err
	}
	x.SuppressionReason = domain.SuppressionReason(reason.String)
	x.UserID = int64Ptr(userID)
	return x, nil
}

// InsertExecution appends a ledger row. A second row for the same
// (rule, origin_type, origin_id) yields ErrDuplicate.
func (r Repo) InsertExecution(ctx context.Context, q Querier, x domain.RuleExecution) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO rule_executions(`+executionColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		x.ID, x.RuleID, x.OriginType, x.OriginID, x.Outcome, nullable(string(x.SuppressionReason)), nullableInt64Ptr(x.UserID), x.CreatedAt)
	return mapWriteErr(err)
}

func (r Repo) FindExecution(ctx context.Context, q Querier, ruleID int64, originType domain.ResourceType, originID int64) (domain.RuleExecution, error) {
	return scanExecution(r.q(q).QueryRowContext(ctx, `SELECT `+executionColumns+` FROM rule_executions WHERE rule_id=? AND origin_type=? AND origin_id=?`,
		ruleID, originType, originID))
}

func (r Repo) ListExecutions(ctx context.Context, ruleID int64, limit int) ([]domain.RuleExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM rule_executions WHERE rule_id=? ORDER BY created_at DESC, id DESC`
	args := []any{ruleID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuleExecution
	for rows.Next() {
		x, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, x)
	}
	return res, rows.Err()
}
