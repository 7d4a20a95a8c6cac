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

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	OrgID       int64
	ProjectID   int64
	TypeID      int64
	Title       string
	Description string
	Priority    int
	ActorID     *int64
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, ValidationError{Field: "title", Message: "is required"}
	}
	if opts.OrgID == 0 || opts.ProjectID == 0 {
		return domain.Task{}, ValidationError{Field: "project_id", Message: "org and project are required"}
	}
	now := e.timestamp()
	t, err := e.Repo.InsertTask(ctx, nil, domain.Task{
		OrgID:       opts.OrgID,
		ProjectID:   opts.ProjectID,
		TypeID:      opts.TypeID,
		Title:       opts.Title,
		Description: opts.Description,
		Priority:    opts.Priority,
		Status:      domain.TaskAvailable,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return t, storageErr("insert task", err)
	}
	e.audit(ctx, events.Entry{
		OrgID: t.OrgID, Event: "task.created", OriginType: domain.ResourceTask, OriginID: t.ID,
		ActorID: opts.ActorID, ToStatus: string(t.Status), Payload: events.EventPayload{"title": t.Title},
	})
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, orgID, id int64) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, nil, orgID, id)
	if err != nil {
		return t, lookupErr("task", id, err)
	}
	return t, nil
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ValidationError{Field: "status", Message: fmt.Sprintf("unknown task status %q", f.Status)}
	}
	tasks, err := e.Repo.ListTasks(ctx, f)
	return tasks, storageErr("list tasks", err)
}

// ClaimTask moves an available task to claimed by userID.
func (e Engine) ClaimTask(ctx context.Context, orgID, taskID, userID, version int64) (t domain.Task, err error) {
	defer func() { e.Metrics.transition(ctx, "claim", err) }()
	t, err = e.conditionalTask(ctx, "claim", orgID, taskID, func(tx repo.Querier, now string) (bool, error) {
		return e.Repo.ClaimTask(ctx, tx, orgID, taskID, userID, version, now)
	}, func(cur domain.Task) error {
		return classifyTask(cur, domain.TaskAvailable, userID, version)
	})
	if err != nil {
		return t, err
	}
	e.afterTask(ctx, t, domain.TaskAvailable, userID, "task.claimed")
	if e.Active != nil {
		if err := e.Active.Set(ctx, userID, t.ID); err != nil {
			e.logf("activework: set user=%d task=%d failed: %v", userID, t.ID, err)
		}
	}
	return t, nil
}

// ReleaseTask returns a claimed task to the pool. Only the claimant may release.
func (e Engine) ReleaseTask(ctx context.Context, orgID, taskID, userID, version int64) (t domain.Task, err error) {
	defer func() { e.Metrics.transition(ctx, "release", err) }()
	t, err = e.claimantTransition(ctx, "release", orgID, taskID, userID, version, e.Repo.ReleaseTask)
	if err != nil {
		return t, err
	}
	e.afterTask(ctx, t, domain.TaskClaimed, userID, "task.released")
	e.clearActive(ctx, userID, t.ID)
	return t, nil
}

// CompleteTask finishes a claimed task. Only the claimant may complete, and the
// claimant stays recorded on the task.
func (e Engine) CompleteTask(ctx context.Context, orgID, taskID, userID, version int64) (t domain.Task, err error) {
	defer func() { e.Metrics.transition(ctx, "complete", err) }()
	t, err = e.claimantTransition(ctx, "complete", orgID, taskID, userID, version, e.Repo.CompleteTask)
	if err != nil {
		return t, err
	}
	e.afterTask(ctx, t, domain.TaskClaimed, userID, "task.completed")
	e.clearActive(ctx, userID, t.ID)
	return t, nil
}

type taskWrite func(ctx context.Context, q repo.Querier, orgID, id, userID, expectedVersion int64, now string) (bool, error)

// claimantTransition checks the current row before writing so that a wrong
// claimant gets Forbidden rather than a generic conflict.
func (e Engine) claimantTransition(ctx context.Context, op string, orgID, taskID, userID, version int64, write taskWrite) (domain.Task, error) {
	cur, err := e.Repo.GetTask(ctx, nil, orgID, taskID)
	if err != nil {
		return cur, lookupErr("task", taskID, err)
	}
	if err := classifyTask(cur, domain.TaskClaimed, userID, version); err != nil {
		return cur, err
	}
	return e.conditionalTask(ctx, op, orgID, taskID, func(tx repo.Querier, now string) (bool, error) {
		return write(ctx, tx, orgID, taskID, userID, version, now)
	}, func(cur domain.Task) error {
		return classifyTask(cur, domain.TaskClaimed, userID, version)
	})
}

// conditionalTask runs write in a transaction and returns the updated row.
// When write matches no row the task is re-read and classify explains why.
func (e Engine) conditionalTask(ctx context.Context, op string, orgID, taskID int64,
	write func(tx repo.Querier, now string) (bool, error), classify func(domain.Task) error) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, storageErr("begin "+op, err)
	}
	defer tx.Rollback()

	ok, err := write(tx, e.timestamp())
	if err != nil {
		return domain.Task{}, storageErr(op+" task", err)
	}
	cur, err := e.Repo.GetTask(ctx, tx, orgID, taskID)
	if err != nil {
		return cur, lookupErr("task", taskID, err)
	}
	if !ok {
		if cerr := classify(cur); cerr != nil {
			return cur, cerr
		}
		return cur, ConflictError{Kind: "task", ID: taskID, Reason: "concurrent update"}
	}
	if err := tx.Commit(); err != nil {
		return cur, storageErr("commit "+op, err)
	}
	return cur, nil
}

// classifyTask explains why a transition requiring status want cannot apply
// to cur. Status is checked before claimant, claimant before version.
func classifyTask(cur domain.Task, want domain.TaskStatus, userID, version int64) error {
	if cur.Status != want {
		return ConflictError{Kind: "task", ID: cur.ID, Reason: fmt.Sprintf("task is %s, not %s", cur.Status, want)}
	}
	if want == domain.TaskClaimed && (cur.ClaimedBy == nil || *cur.ClaimedBy != userID) {
		var claimant int64
		if cur.ClaimedBy != nil {
			claimant = *cur.ClaimedBy
		}
		return ForbiddenError{TaskID: cur.ID, ActorID: userID, ClaimantID: claimant}
	}
	if cur.Version != version {
		return ConflictError{Kind: "task", ID: cur.ID, Reason: fmt.Sprintf("stale version %d, current is %d", version, cur.Version)}
	}
	return nil
}

func (e Engine) afterTask(ctx context.Context, t domain.Task, from domain.TaskStatus, userID int64, event string) {
	e.audit(ctx, events.Entry{
		OrgID: t.OrgID, Event: event, OriginType: domain.ResourceTask, OriginID: t.ID,
		ActorID: &userID, FromStatus: string(from), ToStatus: string(t.Status),
		Payload: events.EventPayload{"version": t.Version},
	})
}

func (e Engine) clearActive(ctx context.Context, userID, taskID int64) {
	if e.Active == nil {
		return
	}
	if err := e.Active.Clear(ctx, userID, taskID); err != nil {
		e.logf("activework: clear user=%d task=%d failed: %v", userID, taskID, err)
	}
}

func (e Engine) CreateCard(ctx context.Context, orgID, projectID int64, title string) (domain.Card, error) {
	if strings.TrimSpace(title) == "" {
		return domain.Card{}, ValidationError{Field: "title", Message: "is required"}
	}
	now := e.timestamp()
	c, err := e.Repo.InsertCard(ctx, nil, domain.Card{
		OrgID: orgID, ProjectID: projectID, Title: title, Status: domain.CardPending,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		return c, storageErr("insert card", err)
	}
	return c, nil
}

func (e Engine) GetCard(ctx context.Context, orgID, id int64) (domain.Card, error) {
	c, err := e.Repo.GetCard(ctx, nil, orgID, id)
	if err != nil {
		return c, lookupErr("card", id, err)
	}
	return c, nil
}

var cardMoves = map[domain.CardStatus][]domain.CardStatus{
	domain.CardPending:    {domain.CardInProgress},
	domain.CardInProgress: {domain.CardClosed, domain.CardPending},
	domain.CardClosed:     {domain.CardInProgress},
}

func legalCardMove(from, to domain.CardStatus) bool {
	for _, s := range cardMoves[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MoveCard changes a card's status under the same version check as tasks.
// It returns the status the card left.
func (e Engine) MoveCard(ctx context.Context, orgID, cardID, userID int64, to domain.CardStatus, version int64) (c domain.Card, from domain.CardStatus, err error) {
	defer func() { e.Metrics.transition(ctx, "move_card", err) }()
	if !to.Valid() {
		return c, "", ValidationError{Field: "status", Message: fmt.Sprintf("unknown card status %q", to)}
	}
	cur, err := e.Repo.GetCard(ctx, nil, orgID, cardID)
	if err != nil {
		return cur, "", lookupErr("card", cardID, err)
	}
	classify := func(cur domain.Card) error {
		if !legalCardMove(cur.Status, to) {
			return ConflictError{Kind: "card", ID: cur.ID, Reason: fmt.Sprintf("cannot move from %s to %s", cur.Status, to)}
		}
		if cur.Version != version {
			return ConflictError{Kind: "card", ID: cur.ID, Reason: fmt.Sprintf("stale version %d, current is %d", version, cur.Version)}
		}
		return nil
	}
	if err := classify(cur); err != nil {
		return cur, "", err
	}
	from = cur.Status

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return cur, "", storageErr("begin move card", err)
	}
	defer tx.Rollback()
	ok, err := e.Repo.MoveCard(ctx, tx, orgID, cardID, from, to, version, e.timestamp())
	if err != nil {
		return cur, "", storageErr("move card", err)
	}
	c, err = e.Repo.GetCard(ctx, tx, orgID, cardID)
	if err != nil {
		return c, "", lookupErr("card", cardID, err)
	}
	if !ok {
		if cerr := classify(c); cerr != nil {
			return c, "", cerr
		}
		return c, "", ConflictError{Kind: "card", ID: cardID, Reason: "concurrent update"}
	}
	if err := tx.Commit(); err != nil {
		return c, "", storageErr("commit move card", err)
	}
	e.audit(ctx, events.Entry{
		OrgID: c.OrgID, Event: "card.moved", OriginType: domain.ResourceCard, OriginID: c.ID,
		ActorID: &userID, FromStatus: string(from), ToStatus: string(c.Status),
		Payload: events.EventPayload{"version": c.Version},
	})
	return c, from, nil
}

// IsConflict reports whether err is a version or state conflict.
func IsConflict(err error) bool {
	var c ConflictError
	return errors.As(err, &c)
}
