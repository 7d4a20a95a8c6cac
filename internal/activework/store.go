// Package activework tracks which task each user is currently working on.
//
// The tracker is advisory. Task transitions update it after they commit and
// ignore its failures.
package activework

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskpool/internal/domain"
)

var ErrNone = errors.New("no active work")

// Tracker is the keyed store user -> active task.
type Tracker interface {
	Set(ctx context.Context, userID, taskID int64) error
	Clear(ctx context.Context, userID, taskID int64) error
	Get(ctx context.Context, userID int64) (domain.ActiveWork, error)
}

// Store keeps the tracker in the active_work table.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Set marks taskID as the user's active work, replacing any previous entry.
func (s Store) Set(ctx context.Context, userID, taskID int64) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO active_work(user_id,task_id,started_at) VALUES (?,?,?)
ON CONFLICT(user_id) DO UPDATE SET task_id=excluded.task_id, started_at=excluded.started_at`,
		userID, taskID, s.now().UTC().Format(time.RFC3339))
	return err
}

// Clear drops the entry only while it still points at taskID, so finishing an
// older task does not wipe a newer claim.
func (s Store) Clear(ctx context.Context, userID, taskID int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM active_work WHERE user_id=? AND task_id=?`, userID, taskID)
	return err
}

func (s Store) Get(ctx context.Context, userID int64) (domain.ActiveWork, error) {
	var w domain.ActiveWork
	err := s.DB.QueryRowContext(ctx, `SELECT user_id,task_id,started_at FROM active_work WHERE user_id=?`, userID).
		Scan(&w.UserID, &w.TaskID, &w.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNone
	}
	return w, err
}
