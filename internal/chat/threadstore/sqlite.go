package threadstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/threadkit/threadkit/internal/chat/thread"
)

// SQLiteStore is the local SQLite-backed Store.
//
// WAL is enabled to support concurrent reads while a streaming request is
// writing.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (or creates) the database at path. ":memory:" is accepted for
// ephemeral stores.
func Open(path string) (*SQLiteStore, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if p != ":memory:" {
		p = filepath.Clean(p)
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) GenerateThreadID(context.Context) string {
	return thread.NewThreadID()
}

func (s *SQLiteStore) GenerateItemID(_ context.Context, itemType thread.ItemType, _ string) string {
	return thread.NewItemID(itemType)
}

func (s *SQLiteStore) LoadThread(ctx context.Context, threadID string) (*thread.Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}

	var (
		t            thread.Thread
		statusType   string
		statusCallID string
		metadataJSON string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT thread_id, title, status_type, status_tool_call_id, metadata_json, created_at_unix_ms
FROM threads
WHERE thread_id = ?
`, threadID).Scan(&t.ID, &t.Title, &statusType, &statusCallID, &metadataJSON, &t.CreatedAtUnixMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("thread %q: %w", threadID, ErrNotFound)
		}
		return nil, err
	}
	t.Status = thread.Status{Type: thread.StatusType(statusType), ToolCallID: statusCallID}
	if strings.TrimSpace(metadataJSON) != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode thread metadata: %w", err)
		}
	}
	return &t, nil
}

func (s *SQLiteStore) SaveThread(ctx context.Context, th *thread.Thread) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if th == nil || strings.TrimSpace(th.ID) == "" {
		return errors.New("invalid thread")
	}
	if th.CreatedAtUnixMs <= 0 {
		th.CreatedAtUnixMs = thread.NowUnixMs()
	}
	if th.Status.Type == "" {
		th.Status = thread.ActiveStatus()
	}

	metadataJSON := ""
	if len(th.Metadata) > 0 {
		b, err := json.Marshal(th.Metadata)
		if err != nil {
			return err
		}
		metadataJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO threads(thread_id, title, status_type, status_tool_call_id, metadata_json, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  title = excluded.title,
  status_type = excluded.status_type,
  status_tool_call_id = excluded.status_tool_call_id,
  metadata_json = excluded.metadata_json,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`,
		strings.TrimSpace(th.ID),
		strings.TrimSpace(th.Title),
		string(th.Status.Type),
		strings.TrimSpace(th.Status.ToolCallID),
		metadataJSON,
		th.CreatedAtUnixMs,
		thread.NowUnixMs(),
	)
	return err
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM thread_items WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ?`, threadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("thread %q: %w", threadID, ErrNotFound)
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadThreads(ctx context.Context, limit int, after string, order thread.Order) (*thread.Page[*thread.Thread], error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	order = thread.NormalizeOrder(string(order))

	where := ""
	args := []any{}
	after = strings.TrimSpace(after)
	if after != "" {
		cmp := ">"
		if order == thread.OrderDesc {
			cmp = "<"
		}
		where = fmt.Sprintf(`WHERE created_at_unix_ms %s (SELECT created_at_unix_ms FROM threads WHERE thread_id = ?)
   OR (created_at_unix_ms = (SELECT created_at_unix_ms FROM threads WHERE thread_id = ?) AND thread_id %s ?)`, cmp, cmp)
		args = append(args, after, after, after)
	}
	dir := "ASC"
	if order == thread.OrderDesc {
		dir = "DESC"
	}
	args = append(args, limit+1)

	q := fmt.Sprintf(`
SELECT thread_id, title, status_type, status_tool_call_id, metadata_json, created_at_unix_ms
FROM threads
%s
ORDER BY created_at_unix_ms %s, thread_id %s
LIMIT ?
`, where, dir, dir)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := thread.EmptyPage[*thread.Thread]()
	for rows.Next() {
		var (
			t            thread.Thread
			statusType   string
			statusCallID string
			metadataJSON string
		)
		if err := rows.Scan(&t.ID, &t.Title, &statusType, &statusCallID, &metadataJSON, &t.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		t.Status = thread.Status{Type: thread.StatusType(statusType), ToolCallID: statusCallID}
		if strings.TrimSpace(metadataJSON) != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &t.Metadata); err != nil {
				return nil, fmt.Errorf("decode thread metadata: %w", err)
			}
		}
		page.Data = append(page.Data, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Data) > limit {
		page.Data = page.Data[:limit]
		page.HasMore = true
	}
	if n := len(page.Data); n > 0 {
		page.After = page.Data[n-1].ID
	}
	return page, nil
}

func (s *SQLiteStore) AddThreadItem(ctx context.Context, threadID string, item thread.Item) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" || item == nil {
		return errors.New("invalid item")
	}
	if item.ItemType() == thread.ItemTypeWidget {
		return errors.New("widget items are ephemeral and must not be persisted")
	}
	base := item.Base()
	if base == nil || strings.TrimSpace(base.ID) == "" {
		return errors.New("item missing id")
	}
	if strings.TrimSpace(base.ThreadID) == "" {
		base.ThreadID = threadID
	}
	if base.CreatedAtUnixMs <= 0 {
		base.CreatedAtUnixMs = thread.NowUnixMs()
	}

	b, err := thread.EncodeItem(item)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO thread_items(thread_id, item_id, item_type, created_at_unix_ms, item_json)
VALUES(?, ?, ?, ?, ?)
`, threadID, strings.TrimSpace(base.ID), string(item.ItemType()), base.CreatedAtUnixMs, string(b))
	return err
}

func (s *SQLiteStore) SaveItem(ctx context.Context, threadID string, item thread.Item) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" || item == nil {
		return errors.New("invalid item")
	}
	if item.ItemType() == thread.ItemTypeWidget {
		return errors.New("widget items are ephemeral and must not be persisted")
	}
	base := item.Base()
	if base == nil || strings.TrimSpace(base.ID) == "" {
		return errors.New("item missing id")
	}

	b, err := thread.EncodeItem(item)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE thread_items SET item_json = ?, item_type = ?
WHERE thread_id = ? AND item_id = ?
`, string(b), string(item.ItemType()), threadID, strings.TrimSpace(base.ID))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("item %q: %w", base.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) LoadThreadItems(ctx context.Context, threadID string, after string, limit int, order thread.Order) (*thread.Page[thread.Item], error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	order = thread.NormalizeOrder(string(order))

	where := ""
	args := []any{threadID}
	after = strings.TrimSpace(after)
	if after != "" {
		cmp := ">"
		if order == thread.OrderDesc {
			cmp = "<"
		}
		where = fmt.Sprintf(`AND id %s (SELECT id FROM thread_items WHERE thread_id = ? AND item_id = ?)`, cmp)
		args = append(args, threadID, after)
	}
	dir := "ASC"
	if order == thread.OrderDesc {
		dir = "DESC"
	}
	args = append(args, limit+1)

	q := fmt.Sprintf(`
SELECT item_json
FROM thread_items
WHERE thread_id = ? %s
ORDER BY id %s
LIMIT ?
`, where, dir)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := thread.EmptyPage[thread.Item]()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		it, err := thread.DecodeItem([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode thread item: %w", err)
		}
		page.Data = append(page.Data, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Data) > limit {
		page.Data = page.Data[:limit]
		page.HasMore = true
	}
	if n := len(page.Data); n > 0 {
		page.After = page.Data[n-1].Base().ID
	}
	return page, nil
}

func (s *SQLiteStore) DeleteThreadItem(ctx context.Context, threadID string, itemID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	itemID = strings.TrimSpace(itemID)
	if threadID == "" || itemID == "" {
		return errors.New("invalid request")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_items WHERE thread_id = ? AND item_id = ?`, threadID, itemID)
	return err
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, threadID string, state []byte) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	if len(state) == 0 {
		return errors.New("empty checkpoint state")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO run_checkpoints(thread_id, state, created_at_unix_ms)
VALUES(?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET state = excluded.state, created_at_unix_ms = excluded.created_at_unix_ms
`, threadID, state, thread.NowUnixMs())
	return err
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, threadID string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread_id")
	}
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM run_checkpoints WHERE thread_id = ?`, threadID).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return state, nil
}

func (s *SQLiteStore) ClearCheckpoint(ctx context.Context, threadID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_checkpoints WHERE thread_id = ?`, threadID)
	return err
}

func (s *SQLiteStore) SaveAttachment(ctx context.Context, att *Attachment) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if att == nil || strings.TrimSpace(att.ID) == "" {
		return errors.New("invalid attachment")
	}
	if att.CreatedAtUnixMs <= 0 {
		att.CreatedAtUnixMs = thread.NowUnixMs()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO attachments(attachment_id, name, mime_type, size_bytes, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(attachment_id) DO UPDATE SET name = excluded.name, mime_type = excluded.mime_type, size_bytes = excluded.size_bytes
`, strings.TrimSpace(att.ID), strings.TrimSpace(att.Name), strings.TrimSpace(att.MimeType), att.SizeBytes, att.CreatedAtUnixMs)
	return err
}

func (s *SQLiteStore) LoadAttachment(ctx context.Context, attachmentID string) (*Attachment, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	attachmentID = strings.TrimSpace(attachmentID)
	if attachmentID == "" {
		return nil, errors.New("missing attachment_id")
	}
	var att Attachment
	err := s.db.QueryRowContext(ctx, `
SELECT attachment_id, name, mime_type, size_bytes, created_at_unix_ms
FROM attachments
WHERE attachment_id = ?
`, attachmentID).Scan(&att.ID, &att.Name, &att.MimeType, &att.SizeBytes, &att.CreatedAtUnixMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("attachment %q: %w", attachmentID, ErrNotFound)
		}
		return nil, err
	}
	return &att, nil
}

func (s *SQLiteStore) DeleteAttachment(ctx context.Context, attachmentID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	attachmentID = strings.TrimSpace(attachmentID)
	if attachmentID == "" {
		return errors.New("missing attachment_id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE attachment_id = ?`, attachmentID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("attachment %q: %w", attachmentID, ErrNotFound)
	}
	return nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  thread_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  status_type TEXT NOT NULL DEFAULT 'active',
  status_tool_call_id TEXT NOT NULL DEFAULT '',
  metadata_json TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_created ON threads(created_at_unix_ms, thread_id);

CREATE TABLE IF NOT EXISTS thread_items (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id TEXT NOT NULL,
  item_id TEXT NOT NULL,
  item_type TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  item_json TEXT NOT NULL,
  UNIQUE(thread_id, item_id)
);
CREATE INDEX IF NOT EXISTS idx_thread_items_thread ON thread_items(thread_id, id);

CREATE TABLE IF NOT EXISTS run_checkpoints (
  thread_id TEXT PRIMARY KEY,
  state BLOB NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS attachments (
  attachment_id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  mime_type TEXT NOT NULL DEFAULT '',
  size_bytes INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
