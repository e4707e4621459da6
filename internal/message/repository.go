package message

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines persistence operations for relayed-message history.
type Repository interface {
	// Save persists one relayed message.
	Save(ctx context.Context, rec *Record) error

	// ListForEndpoint retrieves the most recent messages for an endpoint,
	// newest first, bounded by limit.
	ListForEndpoint(ctx context.Context, endpointID string, limit int) ([]Record, error)
}

// defaultListLimit bounds history queries that pass limit <= 0.
const defaultListLimit = 50

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save persists one relayed message.
func (r *SQLiteRepository) Save(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var sender sql.NullString
	if rec.SenderDeviceID != nil && *rec.SenderDeviceID != "" {
		sender = sql.NullString{String: *rec.SenderDeviceID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, endpoint_id, sender_device_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID,
		rec.EndpointID,
		sender,
		rec.Payload,
		rec.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	return nil
}

// ListForEndpoint retrieves the most recent messages for an endpoint.
func (r *SQLiteRepository) ListForEndpoint(ctx context.Context, endpointID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, endpoint_id, sender_device_id, payload, created_at
		FROM messages
		WHERE endpoint_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var sender sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.EndpointID, &sender, &rec.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if sender.Valid {
			rec.SenderDeviceID = &sender.String
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return records, nil
}
