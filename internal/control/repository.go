package control

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines persistence operations for control commands.
//
// The terminal-status update is idempotent at the storage layer: resolve
// writes only apply while the row is still pending, so whichever of
// {explicit ACK, timeout} arrives second is a no-op.
type Repository interface {
	// Create inserts a new command record.
	Create(ctx context.Context, cmd *Command) error

	// ResolveIfPending transitions the command to a terminal status if and
	// only if it is still pending. Returns false when the command was
	// already terminal (or does not exist).
	ResolveIfPending(ctx context.Context, id string, status Status, message *string, ackedAt *time.Time) (bool, error)

	// GetByID retrieves a command by its public identifier.
	// Returns ErrNotFound if it does not exist.
	GetByID(ctx context.Context, id string) (*Command, error)

	// FindRecentPending returns the most recently sent pending command for
	// the device with sent_at >= since. Returns ErrNoPendingCommand when
	// nothing matches.
	FindRecentPending(ctx context.Context, deviceIdentityID string, since time.Time) (*Command, error)

	// ListForDevice retrieves persisted commands for a device ordered by
	// send time descending, with the total row count for pagination.
	ListForDevice(ctx context.Context, deviceIdentityID string, filter ListFilter) ([]Command, int, error)
}

// Pagination limits.
const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// storedTimeLayout is the fixed-width timestamp format used for command
// rows. RFC3339Nano strips trailing zeros, which breaks the lexicographic
// ordering the sent_at comparisons rely on: "...:00Z" would sort after
// "...:00.5Z" within the same second.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const commandColumns = `id, endpoint_id, device_identity_id, device_id, command, params, status, message, sent_at, acked_at, timeout_at`

// Create inserts a new command record.
func (r *SQLiteRepository) Create(ctx context.Context, cmd *Command) error {
	params := cmd.Params
	if len(params) == 0 {
		params = []byte("{}")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO control_commands (`+commandColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID,
		cmd.EndpointID,
		cmd.DeviceIdentityID,
		cmd.DeviceID,
		cmd.Command,
		string(params),
		string(cmd.Status),
		nullableString(cmd.Message),
		cmd.SentAt.UTC().Format(storedTimeLayout),
		nullableTime(cmd.AckedAt),
		cmd.TimeoutAt.UTC().Format(storedTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}

	return nil
}

// ResolveIfPending transitions the command to a terminal status if still pending.
// The WHERE status = 'pending' guard makes repeated resolution attempts no-ops,
// which is what guarantees the single-terminal-transition invariant.
func (r *SQLiteRepository) ResolveIfPending(ctx context.Context, id string, status Status, message *string, ackedAt *time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, ErrInvalidStatus
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE control_commands
		SET status = ?, message = ?, acked_at = ?
		WHERE id = ? AND status = ?`,
		string(status),
		nullableString(message),
		nullableTime(ackedAt),
		id,
		string(StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("resolving command: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// GetByID retrieves a command by its public identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Command, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM control_commands WHERE id = ?`, id)

	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying command by id: %w", err)
	}
	return cmd, nil
}

// FindRecentPending returns the most recently sent pending command for the device.
func (r *SQLiteRepository) FindRecentPending(ctx context.Context, deviceIdentityID string, since time.Time) (*Command, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+commandColumns+`
		FROM control_commands
		WHERE device_identity_id = ? AND status = ? AND sent_at >= ?
		ORDER BY sent_at DESC
		LIMIT 1`,
		deviceIdentityID,
		string(StatusPending),
		since.UTC().Format(storedTimeLayout),
	)

	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoPendingCommand
		}
		return nil, fmt.Errorf("querying recent pending command: %w", err)
	}
	return cmd, nil
}

// ListForDevice retrieves persisted commands for a device, newest first.
func (r *SQLiteRepository) ListForDevice(ctx context.Context, deviceIdentityID string, filter ListFilter) ([]Command, int, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	where := "WHERE device_identity_id = ?"
	args := []any{deviceIdentityID}
	if filter.Status != nil {
		where += " AND status = ?"
		args = append(args, string(*filter.Status))
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM control_commands "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting commands: %w", err)
	}

	query := `SELECT ` + commandColumns + ` FROM control_commands ` + where +
		` ORDER BY sent_at DESC LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var commands []Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning command: %w", err)
		}
		commands = append(commands, *cmd)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating commands: %w", err)
	}

	return commands, total, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanCommand scans a row or rows result into a Command, deriving the
// round-trip duration at read time.
func scanCommand(scanner rowScanner) (*Command, error) {
	var c Command
	var params, status string
	var message, ackedAt sql.NullString
	var sentAt, timeoutAt string

	err := scanner.Scan(
		&c.ID,
		&c.EndpointID,
		&c.DeviceIdentityID,
		&c.DeviceID,
		&c.Command,
		&params,
		&status,
		&message,
		&sentAt,
		&ackedAt,
		&timeoutAt,
	)
	if err != nil {
		return nil, err
	}

	c.Params = []byte(params)
	c.Status = Status(status)
	if message.Valid {
		c.Message = &message.String
	}

	var parseErr error
	c.SentAt, parseErr = time.Parse(time.RFC3339Nano, sentAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing sent_at: %w", parseErr)
	}
	c.TimeoutAt, parseErr = time.Parse(time.RFC3339Nano, timeoutAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing timeout_at: %w", parseErr)
	}
	if ackedAt.Valid {
		t, parseErr := time.Parse(time.RFC3339Nano, ackedAt.String)
		if parseErr != nil {
			return nil, fmt.Errorf("parsing acked_at: %w", parseErr)
		}
		c.AckedAt = &t
	}

	c.computeDuration()

	return &c, nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers.
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(storedTimeLayout), Valid: true}
}
