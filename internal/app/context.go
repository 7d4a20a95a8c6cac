package app

import (
	"context"
	"database/sql"
	"fmt"

	"taskpool/internal/config"
	"taskpool/internal/db"
	"taskpool/internal/engine"
	"taskpool/internal/migrate"
)

// Context bundles what a command or server needs to talk to a workspace.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open opens the workspace database, applies pending migrations and loads
// taskpool.yml, falling back to defaults when the file is absent.
func Open(ctx context.Context, workspace string) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
