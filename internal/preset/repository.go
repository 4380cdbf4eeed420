package preset

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for preset persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a preset by its unique identifier.
	// Returns ErrPresetNotFound if the preset does not exist.
	GetByID(ctx context.Context, id string) (*Preset, error)

	// GetByName retrieves a preset by its unique name.
	// Returns ErrPresetNotFound if the preset does not exist.
	GetByName(ctx context.Context, name string) (*Preset, error)

	// List retrieves all presets ordered by name.
	List(ctx context.Context) ([]Preset, error)

	// Create inserts a new preset.
	// Returns ErrPresetExists if the ID or name is already taken.
	Create(ctx context.Context, p *Preset) error

	// Update modifies an existing preset.
	// Returns ErrPresetNotFound if the preset does not exist.
	Update(ctx context.Context, p *Preset) error

	// Delete removes a preset by ID.
	// Returns ErrPresetNotFound if the preset does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with the presets
// table migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a preset by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Preset, error) {
	query := `
		SELECT id, name, description, controls, created_at, updated_at
		FROM presets
		WHERE id = ?`

	return scanPreset(r.db.QueryRowContext(ctx, query, id))
}

// GetByName retrieves a preset by its unique name.
func (r *SQLiteRepository) GetByName(ctx context.Context, name string) (*Preset, error) {
	query := `
		SELECT id, name, description, controls, created_at, updated_at
		FROM presets
		WHERE name = ?`

	return scanPreset(r.db.QueryRowContext(ctx, query, name))
}

// List retrieves all presets ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Preset, error) {
	query := `
		SELECT id, name, description, controls, created_at, updated_at
		FROM presets
		ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying presets: %w", err)
	}
	defer rows.Close()

	var presets []Preset
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning preset: %w", err)
		}
		presets = append(presets, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating presets: %w", err)
	}

	return presets, nil
}

// Create inserts a new preset.
func (r *SQLiteRepository) Create(ctx context.Context, p *Preset) error {
	controlsJSON, err := json.Marshal(p.Controls)
	if err != nil {
		return fmt.Errorf("marshalling controls: %w", err)
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	query := `
		INSERT INTO presets (id, name, description, controls, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		p.ID,
		p.Name,
		nullableString(p.Description),
		string(controlsJSON),
		p.CreatedAt.Format(time.RFC3339),
		p.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrPresetExists
		}
		return fmt.Errorf("inserting preset: %w", err)
	}

	return nil
}

// Update modifies an existing preset.
func (r *SQLiteRepository) Update(ctx context.Context, p *Preset) error {
	controlsJSON, err := json.Marshal(p.Controls)
	if err != nil {
		return fmt.Errorf("marshalling controls: %w", err)
	}

	p.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE presets SET
			name = ?, description = ?, controls = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		p.Name,
		nullableString(p.Description),
		string(controlsJSON),
		p.UpdatedAt.Format(time.RFC3339),
		p.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrPresetExists
		}
		return fmt.Errorf("updating preset: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrPresetNotFound
	}

	return nil
}

// Delete removes a preset by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM presets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting preset: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrPresetNotFound
	}

	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanPreset scans one row into a Preset.
func scanPreset(scanner rowScanner) (*Preset, error) {
	var p Preset
	var description sql.NullString
	var controlsJSON string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&p.ID,
		&p.Name,
		&description,
		&controlsJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPresetNotFound
		}
		return nil, err
	}

	if description.Valid {
		p.Description = description.String
	}

	if err := json.Unmarshal([]byte(controlsJSON), &p.Controls); err != nil {
		return nil, fmt.Errorf("unmarshalling controls: %w", err)
	}

	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &p, nil
}

// nullableString returns a sql.NullString for optional strings.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
