package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nugget/hubpilot/internal/tools"
)

// Store persists sessions and their turns in SQLite. Turns are
// insert-only, mirroring the in-memory Log.
type Store struct {
	db *sql.DB
}

// SessionInfo describes a persisted session.
type SessionInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"turn_count"`
}

// NewStore opens (or creates) a conversation database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open conversation database: %w", err)
	}
	s, err := NewStoreDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreDB wraps an already-open database handle, for callers that
// choose their own SQLite driver.
func NewStoreDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversation schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		kind        TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		text        TEXT,
		suggestions TEXT,
		data        TEXT,
		tool        TEXT,
		UNIQUE (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveTurn persists one appended turn, creating the session row on
// first use. A turn with a sequence number already stored is rejected.
func (s *Store) SaveTurn(ctx context.Context, t Turn) error {
	suggestions, err := marshalNullable(t.Suggestions, len(t.Suggestions) > 0)
	if err != nil {
		return fmt.Errorf("marshal suggestions: %w", err)
	}
	data, err := marshalNullable(t.Data, t.Data != nil)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}
	tool, err := marshalNullable(t.Tool, t.Tool != nil)
	if err != nil {
		return fmt.Errorf("marshal tool result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ts := t.CreatedAt.UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		t.SessionID, ts, ts,
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, seq, kind, created_at, text, suggestions, data, tool)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Seq, string(t.Kind), ts, t.Text, suggestions, data, tool,
	); err != nil {
		return fmt.Errorf("insert turn %d: %w", t.Seq, err)
	}

	return tx.Commit()
}

// LoadTurns returns the persisted turns of a session in sequence order.
// An unknown session yields an empty slice.
func (s *Store) LoadTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, kind, created_at, text, suggestions, data, tool
		 FROM turns WHERE session_id = ? ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t                       Turn
			kind, createdAt         string
			text                    sql.NullString
			suggestions, data, tool sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Seq, &kind, &createdAt, &text, &suggestions, &data, &tool); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.SessionID = sessionID
		t.Kind = Kind(kind)
		t.Text = text.String
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

		if suggestions.Valid {
			if err := json.Unmarshal([]byte(suggestions.String), &t.Suggestions); err != nil {
				return nil, fmt.Errorf("decode suggestions of turn %d: %w", t.Seq, err)
			}
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &t.Data); err != nil {
				return nil, fmt.Errorf("decode data of turn %d: %w", t.Seq, err)
			}
		}
		if tool.Valid {
			var res tools.Result
			if err := json.Unmarshal([]byte(tool.String), &res); err != nil {
				return nil, fmt.Errorf("decode tool result of turn %d: %w", t.Seq, err)
			}
			t.Tool = &res
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Sessions lists persisted sessions, most recently updated first.
func (s *Store) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.created_at, s.updated_at, COUNT(t.id)
		 FROM sessions s LEFT JOIN turns t ON t.session_id = s.id
		 GROUP BY s.id ORDER BY s.updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			info                 SessionInfo
			createdAt, updatedAt string
		)
		if err := rows.Scan(&info.ID, &createdAt, &updatedAt, &info.TurnCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		info.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

// marshalNullable encodes v as JSON, or returns nil (SQL NULL) when
// present is false.
func marshalNullable(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
