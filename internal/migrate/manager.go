// Package migrate runs the embedded schema migrations.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"caseflow.io/migrations"
)

// Manager drives goose over the embedded migration files.
type Manager struct {
	db *sql.DB
}

// NewManager constructs a Manager. Setup errors surface on the first
// command, not here, so callers keep a single error path.
func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

func (m *Manager) setup() error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	return nil
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.setup(); err != nil {
		return err
	}
	return goose.UpContext(ctx, m.db, ".")
}

// Down rolls back the most recent migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.setup(); err != nil {
		return err
	}
	return goose.DownContext(ctx, m.db, ".")
}

// Status prints the migration table state to stdout.
func (m *Manager) Status(ctx context.Context) error {
	if err := m.setup(); err != nil {
		return err
	}
	return goose.StatusContext(ctx, m.db, ".")
}

// Version reports the current schema version.
func (m *Manager) Version(ctx context.Context) (int64, error) {
	if err := m.setup(); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, m.db)
}
