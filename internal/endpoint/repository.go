package endpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository defines the persistence operations the relay core needs for
// endpoints. Provisioning beyond Create lives in the excluded management
// layer; the relay only reads records and applies batched stats deltas.
type Repository interface {
	// GetByPublicID retrieves an endpoint by its short public identifier.
	// Returns ErrNotFound if the endpoint does not exist.
	GetByPublicID(ctx context.Context, publicID string) (*Endpoint, error)

	// GetByID retrieves an endpoint by its internal durable identifier.
	GetByID(ctx context.Context, id string) (*Endpoint, error)

	// Create inserts a new endpoint.
	// Returns ErrExists if the public ID is already taken.
	Create(ctx context.Context, ep *Endpoint) error

	// ApplyStatsDelta applies one batched stats update to the endpoint row.
	ApplyStatsDelta(ctx context.Context, id string, delta StatsDelta) error

	// GetStats reads the endpoint's statistics read model.
	GetStats(ctx context.Context, id string) (*Stats, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const endpointColumns = `id, public_id, name, forward_mode, custom_header, created_at, updated_at`

// GetByPublicID retrieves an endpoint by its short public identifier.
func (r *SQLiteRepository) GetByPublicID(ctx context.Context, publicID string) (*Endpoint, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE public_id = ?`, publicID)

	ep, err := scanEndpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying endpoint by public id: %w", err)
	}
	return ep, nil
}

// GetByID retrieves an endpoint by its internal durable identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Endpoint, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE id = ?`, id)

	ep, err := scanEndpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying endpoint by id: %w", err)
	}
	return ep, nil
}

// Create inserts a new endpoint.
func (r *SQLiteRepository) Create(ctx context.Context, ep *Endpoint) error {
	if ep.ForwardMode == "" {
		ep.ForwardMode = ForwardModeJSON
	}
	if !ep.ForwardMode.IsValid() {
		return ErrInvalidForwardMode
	}
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = now
	}
	ep.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO endpoints (id, public_id, name, forward_mode, custom_header, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ep.ID,
		ep.PublicID,
		ep.Name,
		string(ep.ForwardMode),
		nullableString(ep.CustomHeader),
		ep.CreatedAt.Format(time.RFC3339),
		ep.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrExists
		}
		return fmt.Errorf("inserting endpoint: %w", err)
	}

	return nil
}

// ApplyStatsDelta applies one batched stats update to the endpoint row.
// Current connection count is clamped at zero so a delta applied after a
// restart cannot drive the gauge negative.
func (r *SQLiteRepository) ApplyStatsDelta(ctx context.Context, id string, delta StatsDelta) error {
	if delta.IsZero() {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339)

	query := `
		UPDATE endpoints
		SET current_connections = MAX(0, current_connections + ?),
		    total_connections = total_connections + ?,
		    total_messages = total_messages + ?,
		    updated_at = ?`
	args := []any{delta.ConnectionDelta, delta.TotalConnections, delta.TotalMessages, now}

	if delta.Active {
		query += `, last_active_at = ?`
		args = append(args, now)
	}

	query += ` WHERE id = ?`
	args = append(args, id)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("applying stats delta: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetStats reads the endpoint's statistics read model.
func (r *SQLiteRepository) GetStats(ctx context.Context, id string) (*Stats, error) {
	var s Stats
	var lastActive sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT current_connections, total_connections, total_messages, last_active_at
		FROM endpoints WHERE id = ?`, id).
		Scan(&s.CurrentConnections, &s.TotalConnections, &s.TotalMessages, &lastActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying endpoint stats: %w", err)
	}

	if lastActive.Valid {
		if t, parseErr := time.Parse(time.RFC3339, lastActive.String); parseErr == nil {
			s.LastActiveAt = &t
		}
	}

	return &s, nil
}

// scanEndpoint scans a single row into an Endpoint.
func scanEndpoint(row *sql.Row) (*Endpoint, error) {
	var ep Endpoint
	var mode string
	var customHeader sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&ep.ID,
		&ep.PublicID,
		&ep.Name,
		&mode,
		&customHeader,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	ep.ForwardMode = ForwardMode(mode)
	if customHeader.Valid {
		ep.CustomHeader = &customHeader.String
	}

	var parseErr error
	ep.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	ep.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &ep, nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
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
