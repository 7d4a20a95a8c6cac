package repo

import (
	"context"
	"database/sql"
	"errors"

	"taskpool/internal/domain"
)

const cardColumns = `id,org_id,project_id,title,status,version,created_at,updated_at`

func scanCard(row rowScanner) (domain.Card, error) {
	var c domain.Card
	err := row.Scan(&c.ID, &c.OrgID, &c.ProjectID, &c.Title, &c.Status, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertCard(ctx context.Context, q Querier, c domain.Card) (domain.Card, error) {
	res, err := r.q(q).ExecContext(ctx, `INSERT INTO cards(org_id,project_id,title,status,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		c.OrgID, c.ProjectID, c.Title, c.Status, c.Version, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return c, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return c, err
	}
	c.ID = id
	return c, nil
}

func (r Repo) GetCard(ctx context.Context, q Querier, orgID, id int64) (domain.Card, error) {
	return scanCard(r.q(q).QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=? AND org_id=?`, id, orgID))
}

// MoveCard conditionally moves a card from one status to another.
func (r Repo) MoveCard(ctx context.Context, q Querier, orgID, id int64, from, to domain.CardStatus, expectedVersion int64, now string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE cards SET status=?, updated_at=?, version=version+1
WHERE id=? AND org_id=? AND version=? AND status=?`, to, now, id, orgID, expectedVersion, from)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}
