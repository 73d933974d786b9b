package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Repository persists the registry tables. Implementations must be safe for
// concurrent use; the Registry calls them outside its own lock.
type Repository interface {
	// ListActionners returns every actionner ordered by id.
	ListActionners(ctx context.Context) ([]Actionner, error)

	// ListObjects returns every object ordered by id.
	ListObjects(ctx context.Context) ([]Object, error)

	// ListKinds returns every kind ordered by id.
	ListKinds(ctx context.Context) ([]Kind, error)

	// CreateActionner inserts a new actionner.
	// Returns ErrExists if the id is already taken.
	CreateActionner(ctx context.Context, a *Actionner) error

	// CreateObject inserts a new object.
	// Returns ErrExists if the id is already taken.
	CreateObject(ctx context.Context, o *Object) error

	// CreateKind inserts a kind label.
	// Returns ErrExists if the id or label is already taken.
	CreateKind(ctx context.Context, k Kind) error
}

// memoryRepository is used when persistence is disabled.
type memoryRepository struct{}

func (memoryRepository) ListActionners(context.Context) ([]Actionner, error) { return nil, nil }
func (memoryRepository) ListObjects(context.Context) ([]Object, error)       { return nil, nil }
func (memoryRepository) ListKinds(context.Context) ([]Kind, error)           { return nil, nil }
func (memoryRepository) CreateActionner(context.Context, *Actionner) error   { return nil }
func (memoryRepository) CreateObject(context.Context, *Object) error         { return nil }
func (memoryRepository) CreateKind(context.Context, Kind) error              { return nil }

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// ListActionners returns every actionner ordered by id.
func (r *SQLiteRepository) ListActionners(ctx context.Context) ([]Actionner, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, protocol, name, remote, created_at
		FROM actionners
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying actionners: %w", err)
	}
	defer rows.Close()

	var out []Actionner
	for rows.Next() {
		var a Actionner
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Protocol, &a.Name, &a.Remote, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning actionner: %w", err)
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating actionners: %w", err)
	}
	return out, nil
}

// ListObjects returns every object ordered by id.
func (r *SQLiteRepository) ListObjects(ctx context.Context) ([]Object, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, kind, kind_id, actionner_id, id_in_actionner, created_at
		FROM objects
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying objects: %w", err)
	}
	defer rows.Close()

	var out []Object
	for rows.Next() {
		var o Object
		var createdAt string
		if err := rows.Scan(&o.ID, &o.Name, &o.Kind, &o.KindID, &o.ActionnerID, &o.IDInActionner, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning object: %w", err)
		}
		o.CreatedAt = parseTime(createdAt)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating objects: %w", err)
	}
	return out, nil
}

// ListKinds returns every kind ordered by id.
func (r *SQLiteRepository) ListKinds(ctx context.Context) ([]Kind, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM kinds ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying kinds: %w", err)
	}
	defer rows.Close()

	var out []Kind
	for rows.Next() {
		var k Kind
		if err := rows.Scan(&k.ID, &k.Name); err != nil {
			return nil, fmt.Errorf("scanning kind: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating kinds: %w", err)
	}
	return out, nil
}

// CreateActionner inserts a new actionner.
func (r *SQLiteRepository) CreateActionner(ctx context.Context, a *Actionner) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO actionners (id, protocol, name, remote, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Protocol, a.Name, a.Remote, a.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: actionner %d", ErrExists, a.ID)
		}
		return fmt.Errorf("inserting actionner: %w", err)
	}
	return nil
}

// CreateObject inserts a new object.
func (r *SQLiteRepository) CreateObject(ctx context.Context, o *Object) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO objects (id, name, kind, kind_id, actionner_id, id_in_actionner, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Name, o.Kind, o.KindID, o.ActionnerID, o.IDInActionner, o.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: object %d", ErrExists, o.ID)
		}
		return fmt.Errorf("inserting object: %w", err)
	}
	return nil
}

// CreateKind inserts a kind label.
func (r *SQLiteRepository) CreateKind(ctx context.Context, k Kind) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO kinds (id, name) VALUES (?, ?)`, k.ID, k.Name)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: kind %d %q", ErrExists, k.ID, k.Name)
		}
		return fmt.Errorf("inserting kind: %w", err)
	}
	return nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
