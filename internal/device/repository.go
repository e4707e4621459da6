package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines persistence operations for device identities.
type Repository interface {
	// Upsert inserts or refreshes the identity for (endpointID, deviceID).
	// The custom name is updated when non-nil; last_seen_at is always bumped.
	// Returns the stored identity.
	Upsert(ctx context.Context, endpointID, deviceID string, customName *string) (*Identity, error)

	// Get retrieves the identity for (endpointID, deviceID).
	// Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, endpointID, deviceID string) (*Identity, error)

	// GetByID retrieves an identity by its internal identifier.
	GetByID(ctx context.Context, id string) (*Identity, error)

	// ListForEndpoint retrieves all identities seen on an endpoint.
	ListForEndpoint(ctx context.Context, endpointID string) ([]Identity, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Upsert inserts or refreshes the identity for (endpointID, deviceID).
func (r *SQLiteRepository) Upsert(ctx context.Context, endpointID, deviceID string, customName *string) (*Identity, error) {
	if deviceID == "" {
		return nil, ErrInvalidDeviceID
	}

	now := time.Now().UTC().Format(time.RFC3339)

	// ON CONFLICT keeps first_seen_at and the existing custom name when the
	// identify frame omitted one.
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_identities (id, endpoint_id, device_id, custom_name, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint_id, device_id) DO UPDATE SET
			custom_name = COALESCE(excluded.custom_name, device_identities.custom_name),
			last_seen_at = excluded.last_seen_at`,
		uuid.NewString(),
		endpointID,
		deviceID,
		nullableString(customName),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting device identity: %w", err)
	}

	return r.Get(ctx, endpointID, deviceID)
}

const identityColumns = `id, endpoint_id, device_id, custom_name, first_seen_at, last_seen_at`

// Get retrieves the identity for (endpointID, deviceID).
func (r *SQLiteRepository) Get(ctx context.Context, endpointID, deviceID string) (*Identity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM device_identities WHERE endpoint_id = ? AND device_id = ?`,
		endpointID, deviceID)
	return scanIdentity(row)
}

// GetByID retrieves an identity by its internal identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Identity, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM device_identities WHERE id = ?`, id)
	return scanIdentity(row)
}

// ListForEndpoint retrieves all identities seen on an endpoint.
func (r *SQLiteRepository) ListForEndpoint(ctx context.Context, endpointID string) ([]Identity, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM device_identities WHERE endpoint_id = ? ORDER BY last_seen_at DESC`,
		endpointID)
	if err != nil {
		return nil, fmt.Errorf("querying device identities: %w", err)
	}
	defer rows.Close()

	var identities []Identity
	for rows.Next() {
		var i Identity
		var customName sql.NullString
		var firstSeen, lastSeen string
		if err := rows.Scan(&i.ID, &i.EndpointID, &i.DeviceID, &customName, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning device identity: %w", err)
		}
		if customName.Valid {
			i.CustomName = &customName.String
		}
		i.FirstSeenAt, _ = time.Parse(time.RFC3339, firstSeen)
		i.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeen)
		identities = append(identities, i)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device identities: %w", err)
	}

	return identities, nil
}

// scanIdentity scans a single row into an Identity.
func scanIdentity(row *sql.Row) (*Identity, error) {
	var i Identity
	var customName sql.NullString
	var firstSeen, lastSeen string

	err := row.Scan(&i.ID, &i.EndpointID, &i.DeviceID, &customName, &firstSeen, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning device identity: %w", err)
	}

	if customName.Valid {
		i.CustomName = &customName.String
	}

	var parseErr error
	i.FirstSeenAt, parseErr = time.Parse(time.RFC3339, firstSeen)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing first_seen_at: %w", parseErr)
	}
	i.LastSeenAt, parseErr = time.Parse(time.RFC3339, lastSeen)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", parseErr)
	}

	return &i, nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
