package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskpool/internal/domain"
)

// Projects and users are administered outside this core; these helpers only
// seed and read the names used by template placeholders.

func (r Repo) UpsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,org_id,name) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET org_id=excluded.org_id, name=excluded.name`, p.ID, p.OrgID, p.Name)
	return err
}

func (r Repo) GetProject(ctx context.Context, q Querier, id int64) (domain.Project, error) {
	var p domain.Project
	err := r.q(q).QueryRowContext(ctx, `SELECT id,org_id,name FROM projects WHERE id=?`, id).Scan(&p.ID, &p.OrgID, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,display_name) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name`, u.ID, u.DisplayName)
	return err
}

func (r Repo) GetUser(ctx context.Context, q Querier, id int64) (domain.User, error) {
	var u domain.User
	err := r.q(q).QueryRowContext(ctx, `SELECT id,display_name FROM users WHERE id=?`, id).Scan(&u.ID, &u.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

type AuditFilters struct {
	OrgID      int64
	OriginType domain.ResourceType
	OriginID   int64
	Event      string
	Limit      int
}

// LatestAudit returns audit trail rows, newest first.
func (r Repo) LatestAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	clauses := []string{"org_id=?"}
	args := []any{f.OrgID}
	if f.OriginType != "" {
		clauses = append(clauses, "origin_type=?")
		args = append(args, f.OriginType)
	}
	if f.OriginID != 0 {
		clauses = append(clauses, "origin_id=?")
		args = append(args, f.OriginID)
	}
	if f.Event != "" {
		clauses = append(clauses, "event=?")
		args = append(args, f.Event)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,org_id,event,origin_type,origin_id,actor_id,from_status,to_status,payload_json FROM audit_log WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var actor sql.NullInt64
		var from, to sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.OrgID, &e.Event, &e.OriginType, &e.OriginID, &actor, &from, &to, &e.Payload); err != nil {
			return nil, err
		}
		e.ActorID = int64Ptr(actor)
		e.FromStatus = from.String
		e.ToStatus = to.String
		res = append(res, e)
	}
	return res, rows.Err()
}
