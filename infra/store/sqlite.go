package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/kilianp07/homeenergy/core/model"
	"github.com/kilianp07/homeenergy/core/persistence"
)

// SQLiteStore persists appliances to a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path and ensures schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS appliances (
        id TEXT PRIMARY KEY,
        position INTEGER NOT NULL,
        name TEXT NOT NULL,
        icon TEXT NOT NULL DEFAULT '',
        rated_power_watts REAL NOT NULL,
        priority INTEGER NOT NULL,
        is_critical INTEGER NOT NULL,
        is_on INTEGER NOT NULL
    );`
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// LoadAppliances returns the stored appliances in insertion order.
func (s *SQLiteStore) LoadAppliances(ctx context.Context) ([]model.Appliance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, icon, rated_power_watts, priority, is_critical, is_on
         FROM appliances ORDER BY position`)
	if err != nil {
		return nil, persistence.NewIOError("load", "", err)
	}
	defer func() { _ = rows.Close() }()
	var out []model.Appliance
	for rows.Next() {
		var (
			a        model.Appliance
			priority int
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Icon, &a.RatedPowerWatts, &priority, &a.IsCritical, &a.IsOn); err != nil {
			return nil, persistence.NewIOError("load", "", err)
		}
		a.Priority = model.Priority(priority)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence.NewIOError("load", "", err)
	}
	return out, nil
}

// PersistPowerState updates the on/off flag of a stored appliance.
func (s *SQLiteStore) PersistPowerState(ctx context.Context, id string, on bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE appliances SET is_on = ? WHERE id = ?`, on, id)
	if err != nil {
		return persistence.NewIOError("persist_power", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistence.NewIOError("persist_power", id, err)
	}
	if n == 0 {
		return persistence.NewIOError("persist_power", id, fmt.Errorf("appliance not stored"))
	}
	return nil
}

// SaveAppliance inserts or replaces an appliance. Existing rows keep their
// position.
func (s *SQLiteStore) SaveAppliance(ctx context.Context, a model.Appliance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO appliances (id, position, name, icon, rated_power_watts, priority, is_critical, is_on)
         VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM appliances), ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
            name = excluded.name,
            icon = excluded.icon,
            rated_power_watts = excluded.rated_power_watts,
            priority = excluded.priority,
            is_critical = excluded.is_critical,
            is_on = excluded.is_on`,
		a.ID, a.Name, a.Icon, a.RatedPowerWatts, int(a.Priority), a.IsCritical, a.IsOn)
	if err != nil {
		return persistence.NewIOError("save", a.ID, err)
	}
	return nil
}

// DeleteAppliance removes an appliance. Deleting a missing id is not an error.
func (s *SQLiteStore) DeleteAppliance(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM appliances WHERE id = ?`, id); err != nil {
		return persistence.NewIOError("delete", id, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
