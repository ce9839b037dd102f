package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	// Pure-Go sqlite driver for local single-node runs.
	_ "modernc.org/sqlite"

	// Postgres driver for shared deployments.
	_ "github.com/lib/pq"

	"github.com/medulla-ai/medulla/pkg/models"
)

// SQLRepository persists sessions over database/sql. The default driver is
// sqlite (pure Go); postgres DSNs switch to lib/pq. Message history lives in
// its own table ordered by an explicit sequence column.
type SQLRepository struct {
	db     *sql.DB
	driver string

	stmtCreate  *sql.Stmt
	stmtGet     *sql.Stmt
	stmtList    *sql.Stmt
	stmtHistory *sql.Stmt
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	channel TEXT NOT NULL,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL,
	last_active_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_calls TEXT,
	tool_call_id TEXT,
	name TEXT,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions (last_active_at);
`

// OpenSQLRepository opens (and migrates) the repository. driver is "sqlite"
// or "postgres".
func OpenSQLRepository(ctx context.Context, driver, dsn string) (*SQLRepository, error) {
	driverName := driver
	if driver == "sqlite" {
		driverName = "sqlite"
	} else if driver == "postgres" {
		driverName = "postgres"
	} else {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	repo := &SQLRepository{db: db, driver: driver}
	if err := repo.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewSQLRepositoryFromDB wraps an existing connection (tests use sqlmock).
func NewSQLRepositoryFromDB(db *sql.DB, driver string) (*SQLRepository, error) {
	repo := &SQLRepository{db: db, driver: driver}
	if err := repo.prepare(); err != nil {
		return nil, err
	}
	return repo, nil
}

// rebind rewrites $N placeholders to ? for sqlite.
func (r *SQLRepository) rebind(query string) string {
	if r.driver == "postgres" {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' {
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			if j > i+1 {
				b.WriteByte('?')
				i = j - 1
				continue
			}
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (r *SQLRepository) prepare() error {
	var err error

	r.stmtCreate, err = r.db.Prepare(r.rebind(`
		INSERT INTO sessions (id, mode, channel, metadata, created_at, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`))
	if err != nil {
		return fmt.Errorf("prepare create session: %w", err)
	}

	r.stmtGet, err = r.db.Prepare(r.rebind(`
		SELECT id, mode, channel, metadata, created_at, last_active_at
		FROM sessions WHERE id = $1
	`))
	if err != nil {
		return fmt.Errorf("prepare get session: %w", err)
	}

	r.stmtList, err = r.db.Prepare(r.rebind(`
		SELECT id, mode, channel, metadata, created_at, last_active_at
		FROM sessions ORDER BY last_active_at DESC LIMIT $1
	`))
	if err != nil {
		return fmt.Errorf("prepare list sessions: %w", err)
	}

	r.stmtHistory, err = r.db.Prepare(r.rebind(`
		SELECT role, content, tool_calls, tool_call_id, name, metadata, created_at
		FROM messages WHERE session_id = $1 ORDER BY seq ASC
	`))
	if err != nil {
		return fmt.Errorf("prepare get history: %w", err)
	}

	return nil
}

// Close closes prepared statements and the connection.
func (r *SQLRepository) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{r.stmtCreate, r.stmtGet, r.stmtList, r.stmtHistory} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := r.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Create inserts a session row.
func (r *SQLRepository) Create(ctx context.Context, session *models.Session) error {
	metadata, err := marshalJSON(session.Metadata)
	if err != nil {
		return err
	}
	_, err = r.stmtCreate.ExecContext(ctx,
		session.ID, string(session.Mode), string(session.Channel),
		metadata, session.CreatedAt, session.LastActiveAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %q: %w", session.ID, ErrExists)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get loads one session with its full message history.
func (r *SQLRepository) Get(ctx context.Context, id string) (*models.Session, error) {
	var (
		session  models.Session
		mode     string
		channel  string
		metadata sql.NullString
	)
	err := r.stmtGet.QueryRowContext(ctx, id).Scan(
		&session.ID, &mode, &channel, &metadata,
		&session.CreatedAt, &session.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	session.Mode = models.Mode(mode)
	session.Channel = models.Channel(channel)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}

	messages, err := r.history(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Messages = messages
	return &session, nil
}

func (r *SQLRepository) history(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := r.stmtHistory.QueryContext(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var (
			msg        models.Message
			role       string
			toolCalls  sql.NullString
			toolCallID sql.NullString
			name       sql.NullString
			metadata   sql.NullString
		)
		if err := rows.Scan(&role, &msg.Content, &toolCalls, &toolCallID, &name, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.ToolCallID = toolCallID.String
		msg.Name = name.String
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decode message metadata: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Update replaces the stored message list and touches the session row, in
// one transaction.
func (r *SQLRepository) Update(ctx context.Context, session *models.Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.rebind(`
		UPDATE sessions SET metadata = $1, last_active_at = $2 WHERE id = $3
	`), mustMarshal(session.Metadata), session.LastActiveAt, session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %q: %w", session.ID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM messages WHERE session_id = $1`), session.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for i, msg := range session.Messages {
		if err := insertMessage(ctx, tx, r, session.ID, i, msg); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendMessage inserts one message and touches the session, atomically.
func (r *SQLRepository) AppendMessage(ctx context.Context, sessionID string, msg models.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx, r.rebind(`
		SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE session_id = $1
	`), sessionID).Scan(&next)
	if err != nil {
		return fmt.Errorf("next message seq: %w", err)
	}

	if err := insertMessage(ctx, tx, r, sessionID, next, msg); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, r.rebind(`
		UPDATE sessions SET last_active_at = $1 WHERE id = $2
	`), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	return tx.Commit()
}

func insertMessage(ctx context.Context, tx *sql.Tx, r *SQLRepository, sessionID string, seq int, msg models.Message) error {
	toolCalls := ""
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = string(raw)
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, r.rebind(`
		INSERT INTO messages (session_id, seq, role, content, tool_calls, tool_call_id, name, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`), sessionID, seq, string(msg.Role), msg.Content, toolCalls,
		msg.ToolCallID, msg.Name, mustMarshal(msg.Metadata), createdAt)
	if err != nil {
		return fmt.Errorf("insert message %d: %w", seq, err)
	}
	return nil
}

// Delete removes the session and its messages.
func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM messages WHERE session_id = $1`), id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM sessions WHERE id = $1`), id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// ListRecent returns sessions ordered by last_active_at descending, without
// message history.
func (r *SQLRepository) ListRecent(ctx context.Context, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.stmtList.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var (
			session  models.Session
			mode     string
			channel  string
			metadata sql.NullString
		)
		if err := rows.Scan(&session.ID, &mode, &channel, &metadata,
			&session.CreatedAt, &session.LastActiveAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.Mode = models.Mode(mode)
		session.Channel = models.Channel(channel)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
				return nil, fmt.Errorf("decode session metadata: %w", err)
			}
		}
		out = append(out, &session)
	}
	return out, rows.Err()
}

func marshalJSON(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func mustMarshal(m map[string]any) string {
	s, err := marshalJSON(m)
	if err != nil {
		return ""
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "23505") // postgres unique_violation
}
