package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists the queue and the injection history in SQLite.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (and if needed creates) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_mode=rwc", normalized)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	if strings.HasPrefix(dbPath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dbPath = filepath.Join(home, dbPath[2:])
		}
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_messages (
		id INTEGER PRIMARY KEY,
		content TEXT NOT NULL,
		processed_content TEXT NOT NULL,
		session_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		execute_at DATETIME NOT NULL,
		sequence INTEGER NOT NULL,
		auto_continue INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS injection_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		session_id TEXT NOT NULL,
		queued_at DATETIME NOT NULL,
		injected_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_messages_session_id ON queue_messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_injection_history_session_id ON injection_history(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveQueue replaces the persisted queue with the given messages.
func (s *Store) SaveQueue(messages []Message) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM queue_messages`); err != nil {
		return err
	}
	for i := range messages {
		_, err := tx.NamedExec(`
			INSERT INTO queue_messages
				(id, content, processed_content, session_id, created_at, execute_at, sequence, auto_continue)
			VALUES
				(:id, :content, :processed_content, :session_id, :created_at, :execute_at, :sequence, :auto_continue)`,
			&messages[i])
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadQueue returns all persisted messages.
func (s *Store) LoadQueue() ([]Message, error) {
	var out []Message
	err := s.db.Select(&out, `
		SELECT id, content, processed_content, session_id, created_at, execute_at, sequence, auto_continue
		FROM queue_messages ORDER BY execute_at, sequence`)
	return out, err
}

// AddHistory appends one injection record.
func (s *Store) AddHistory(entry HistoryEntry) error {
	_, err := s.db.NamedExec(`
		INSERT INTO injection_history (message_id, content, session_id, queued_at, injected_at)
		VALUES (:message_id, :content, :session_id, :queued_at, :injected_at)`,
		&entry)
	return err
}

// History returns up to limit records, most recent first.
func (s *Store) History(limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []HistoryEntry
	err := s.db.Select(&out, `
		SELECT id, message_id, content, session_id, queued_at, injected_at
		FROM injection_history ORDER BY injected_at DESC, id DESC LIMIT ?`, limit)
	return out, err
}
