package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"taskpool/internal/activework"
	"taskpool/internal/config"
	"taskpool/internal/domain"
	"taskpool/internal/events"
	"taskpool/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Active  activework.Tracker
	Config  *config.Config
	Metrics *Metrics
	Logger  *log.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Active: activework.Store{DB: db},
		Config: cfg,
		Logger: log.Default(),
		Now:    time.Now,
	}
	m, err := NewMetrics(nil)
	if err != nil {
		e.logf("engine: metrics disabled: %v", err)
	}
	e.Metrics = m
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (e Engine) engineConfig() config.EngineConfig {
	if e.Config == nil {
		return config.Default().Engine
	}
	return e.Config.Engine
}

// Actor is the user behind a transition. A nil *Actor means the transition
// was generated by the system.
type Actor struct {
	ID   int64
	Name string
}

func (a *Actor) idPtr() *int64 {
	if a == nil {
		return nil
	}
	id := a.ID
	return &id
}

// Event is a committed task or card transition presented to the rule engine.
type Event struct {
	OrgID         int64
	ProjectID     int64
	ResourceType  domain.ResourceType
	OriginID      int64
	OriginTitle   string
	TypeID        int64
	PreviousState string
	NewState      string
}

func (ev Event) originLabel() string {
	if ev.OriginTitle != "" {
		return ev.OriginTitle
	}
	return fmt.Sprintf("%s #%d", ev.ResourceType, ev.OriginID)
}

// TaskEvent describes the transition that left t in its current status.
func TaskEvent(t domain.Task, previous domain.TaskStatus) Event {
	return Event{
		OrgID:         t.OrgID,
		ProjectID:     t.ProjectID,
		ResourceType:  domain.ResourceTask,
		OriginID:      t.ID,
		OriginTitle:   t.Title,
		TypeID:        t.TypeID,
		PreviousState: string(previous),
		NewState:      string(t.Status),
	}
}

// CardEvent describes the transition that left c in its current status.
func CardEvent(c domain.Card, previous domain.CardStatus) Event {
	return Event{
		OrgID:         c.OrgID,
		ProjectID:     c.ProjectID,
		ResourceType:  domain.ResourceCard,
		OriginID:      c.ID,
		OriginTitle:   c.Title,
		PreviousState: string(previous),
		NewState:      string(c.Status),
	}
}

// audit appends to the audit trail and only logs failures.
func (e Engine) audit(ctx context.Context, entry events.Entry) {
	if e.Events.DB == nil {
		return
	}
	if e.Events.Now == nil {
		e.Events.Now = e.Now
	}
	if err := e.Events.Append(ctx, entry); err != nil {
		e.logf("audit: append %s %s #%d failed: %v", entry.Event, entry.OriginType, entry.OriginID, err)
	}
}
