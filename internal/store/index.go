package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	_ "github.com/mattn/go-sqlite3"

	"pulsed/internal/record"
)

// Schema for the query index. The index is derived state: it can be
// rebuilt from the log at any time, so every write is idempotent.
const indexSchema = `
CREATE TABLE IF NOT EXISTS records (
    cursor          INTEGER PRIMARY KEY,
    kind            INTEGER NOT NULL,
    record_id       TEXT NOT NULL,
    workspace       TEXT NOT NULL DEFAULT '',
    timestamp_ns    INTEGER NOT NULL,
    session_id      TEXT NOT NULL DEFAULT '',
    payload         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_timestamp ON records(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_records_workspace ON records(workspace, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind, timestamp_ns);

CREATE TABLE IF NOT EXISTS prompts (
    prompt_id       TEXT PRIMARY KEY,
    version         INTEGER NOT NULL,
    workspace       TEXT NOT NULL DEFAULT '',
    timestamp_ns    INTEGER NOT NULL,
    payload         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_prompts_timestamp ON prompts(timestamp_ns);

CREATE TABLE IF NOT EXISTS index_meta (
    key     TEXT PRIMARY KEY,
    value   TEXT NOT NULL
);
`

const metaLastCursor = "last_cursor"

// ErrVersionConflict is returned when a prompt link's compare-and-set
// version no longer matches the materialized prompt.
var ErrVersionConflict = errors.New("store: prompt version conflict")

// ErrPromptNotFound is returned when a link references an unknown prompt.
var ErrPromptNotFound = errors.New("store: prompt not found")

// index is the SQLite projection of the log: range queries by
// workspace/kind/time plus the materialized prompt state that folds
// prompt_link records.
type index struct {
	db *sql.DB
}

// openIndex opens or creates the index database and applies the schema.
func openIndex(path string) (*index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}

	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply index schema: %w", err)
	}

	return &index{db: db}, nil
}

func (ix *index) close() error {
	if ix.db != nil {
		return ix.db.Close()
	}
	return nil
}

// lastCursor returns the cursor of the last applied record, zero if the
// index is empty.
func (ix *index) lastCursor() (uint64, error) {
	var value string
	err := ix.db.QueryRow(`SELECT value FROM index_meta WHERE key = ?`, metaLastCursor).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last cursor: %w", err)
	}
	cursor, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last cursor %q: %w", value, err)
	}
	return cursor, nil
}

// reset drops all derived state so a rebuild can start from cursor zero.
func (ix *index) reset() error {
	for _, stmt := range []string{
		`DELETE FROM records`,
		`DELETE FROM prompts`,
		`DELETE FROM index_meta`,
	} {
		if _, err := ix.db.Exec(stmt); err != nil {
			return fmt.Errorf("reset index: %w", err)
		}
	}
	return nil
}

// apply projects one log record into the index. Idempotent: replaying a
// cursor that was already applied converges to the same state. Link
// records mutate only the materialized prompt, never the records table.
func (ix *index) apply(cursor uint64, kind record.Kind, payload []byte) error {
	rec, err := record.Decode(kind, payload)
	if err != nil {
		return fmt.Errorf("decode record at cursor %d: %w", cursor, err)
	}

	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	switch r := rec.(type) {
	case *record.Event:
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO records (cursor, kind, record_id, workspace, timestamp_ns, session_id, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cursor, int(kind), r.ID, r.Workspace, r.Timestamp, "", string(payload),
		)
	case *record.Prompt:
		if _, err = tx.Exec(`
			INSERT OR REPLACE INTO records (cursor, kind, record_id, workspace, timestamp_ns, session_id, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cursor, int(kind), r.ID, r.Workspace, r.Timestamp, r.SessionID, string(payload),
		); err != nil {
			break
		}
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO prompts (prompt_id, version, workspace, timestamp_ns, payload)
			VALUES (?, ?, ?, ?, ?)`,
			r.ID, r.Version, r.Workspace, r.Timestamp, string(payload),
		)
	case *record.TerminalCommand:
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO records (cursor, kind, record_id, workspace, timestamp_ns, session_id, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cursor, int(kind), r.ID, r.Workspace, r.Timestamp, r.SessionID, string(payload),
		)
	case *record.PromptLink:
		err = applyLink(tx, r)
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrPromptNotFound) {
			// Stale or orphaned link in the log: replay skips it, same
			// as the live append path rejected it.
			err = nil
		}
	default:
		err = fmt.Errorf("unexpected record type %T", rec)
	}
	if err != nil {
		return fmt.Errorf("project record at cursor %d: %w", cursor, err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO index_meta (key, value) VALUES (?, ?)`,
		metaLastCursor, strconv.FormatUint(cursor, 10),
	); err != nil {
		return fmt.Errorf("advance last cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record at cursor %d: %w", cursor, err)
	}
	return nil
}

// applyLink folds a prompt_link into the materialized prompt under
// compare-and-set on version. New event IDs are deduplicated; the
// version advances by one on success.
func applyLink(tx *sql.Tx, link *record.PromptLink) error {
	var version int64
	var payload string
	err := tx.QueryRow(`
		SELECT version, payload FROM prompts WHERE prompt_id = ?`, link.PromptID,
	).Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrPromptNotFound, link.PromptID)
	}
	if err != nil {
		return fmt.Errorf("load prompt %s: %w", link.PromptID, err)
	}

	if version != link.Version {
		return fmt.Errorf("%w: prompt %s at version %d, link computed against %d",
			ErrVersionConflict, link.PromptID, version, link.Version)
	}

	var prompt record.Prompt
	if err := json.Unmarshal([]byte(payload), &prompt); err != nil {
		return fmt.Errorf("decode materialized prompt %s: %w", link.PromptID, err)
	}

	seen := make(map[string]bool, len(prompt.LinkedEventIDs))
	for _, id := range prompt.LinkedEventIDs {
		seen[id] = true
	}
	for _, id := range link.EventIDs {
		if !seen[id] {
			prompt.LinkedEventIDs = append(prompt.LinkedEventIDs, id)
			seen[id] = true
		}
	}
	prompt.Version = version + 1

	updated, err := json.Marshal(&prompt)
	if err != nil {
		return fmt.Errorf("encode materialized prompt %s: %w", link.PromptID, err)
	}

	if _, err := tx.Exec(`
		UPDATE prompts SET version = ?, payload = ? WHERE prompt_id = ? AND version = ?`,
		prompt.Version, string(updated), link.PromptID, version,
	); err != nil {
		return fmt.Errorf("update prompt %s: %w", link.PromptID, err)
	}
	return nil
}

// promptVersion returns the materialized version of a prompt.
func (ix *index) promptVersion(id string) (int64, error) {
	var version int64
	err := ix.db.QueryRow(`SELECT version FROM prompts WHERE prompt_id = ?`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrPromptNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("get prompt version: %w", err)
	}
	return version, nil
}

// prompt returns the materialized prompt state.
func (ix *index) prompt(id string) (*record.Prompt, error) {
	var payload string
	err := ix.db.QueryRow(`SELECT payload FROM prompts WHERE prompt_id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	var p record.Prompt
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decode prompt %s: %w", id, err)
	}
	return &p, nil
}

// prompts returns materialized prompts filtered by workspace and start
// time, newest first.
func (ix *index) prompts(workspace string, sinceNs int64, limit int) ([]*record.Prompt, error) {
	query := `SELECT payload FROM prompts WHERE timestamp_ns >= ?`
	args := []any{sinceNs}
	if workspace != "" {
		query += ` AND workspace = ?`
		args = append(args, workspace)
	}
	query += ` ORDER BY timestamp_ns DESC LIMIT ?`
	args = append(args, limit)

	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query prompts: %w", err)
	}
	defer rows.Close()

	var out []*record.Prompt
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		var p record.Prompt
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("decode prompt: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompts: %w", err)
	}
	return out, nil
}

// queryRecords returns log records matching the filter in timestamp
// order (cursor as tiebreak), excluding internal link records.
func (ix *index) queryRecords(q Query) ([]record.Envelope, error) {
	sqlq := `SELECT cursor, kind, payload FROM records WHERE kind != ?`
	args := []any{int(record.KindPromptLink)}

	if q.Workspace != "" {
		sqlq += ` AND workspace = ?`
		args = append(args, q.Workspace)
	}
	if len(q.Kinds) > 0 {
		sqlq += ` AND kind IN (?` + repeatPlaceholders(len(q.Kinds)-1) + `)`
		for _, k := range q.Kinds {
			args = append(args, int(k))
		}
	}
	if q.SinceNs > 0 {
		sqlq += ` AND timestamp_ns >= ?`
		args = append(args, q.SinceNs)
	}
	if q.UntilNs > 0 {
		sqlq += ` AND timestamp_ns <= ?`
		args = append(args, q.UntilNs)
	}
	if q.AfterCursor > 0 {
		sqlq += ` AND cursor > ?`
		args = append(args, q.AfterCursor)
	}
	if q.UntilCursor > 0 {
		sqlq += ` AND cursor <= ?`
		args = append(args, q.UntilCursor)
	}
	sqlq += ` ORDER BY timestamp_ns ASC, cursor ASC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := ix.db.Query(sqlq, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []record.Envelope
	for rows.Next() {
		var env record.Envelope
		var kind int
		var payload string
		if err := rows.Scan(&env.Cursor, &kind, &payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		env.Kind = record.Kind(kind)
		env.Payload = []byte(payload)
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// eventsInWindow returns file-change events inside [startNs, endNs],
// used by the prompt linker. An empty workspace matches every
// workspace, mirroring how open windows without a workspace accept any
// event.
func (ix *index) eventsInWindow(workspace string, startNs, endNs int64) ([]*record.Event, error) {
	query := `
		SELECT kind, payload FROM records
		WHERE kind IN (?, ?, ?) AND timestamp_ns >= ? AND timestamp_ns <= ?`
	args := []any{
		int(record.KindFileAdd), int(record.KindFileChange), int(record.KindFileDelete),
		startNs, endNs,
	}
	if workspace != "" {
		query += ` AND workspace = ?`
		args = append(args, workspace)
	}
	query += ` ORDER BY timestamp_ns ASC`

	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events in window: %w", err)
	}
	defer rows.Close()

	var out []*record.Event
	for rows.Next() {
		var kind int
		var payload string
		if err := rows.Scan(&kind, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec, err := record.Decode(record.Kind(kind), []byte(payload))
		if err != nil {
			return nil, err
		}
		if ev, ok := rec.(*record.Event); ok {
			out = append(out, ev)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// workspaces aggregates event counts and first/last activity per
// workspace.
func (ix *index) workspaces() ([]record.Workspace, error) {
	rows, err := ix.db.Query(`
		SELECT workspace, COUNT(*), MIN(timestamp_ns), MAX(timestamp_ns)
		FROM records
		WHERE kind IN (?, ?, ?) AND workspace != ''
		GROUP BY workspace
		ORDER BY MAX(timestamp_ns) DESC`,
		int(record.KindFileAdd), int(record.KindFileChange), int(record.KindFileDelete),
	)
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer rows.Close()

	var out []record.Workspace
	for rows.Next() {
		var w record.Workspace
		if err := rows.Scan(&w.Root, &w.EventCount, &w.FirstSeen, &w.LastSeen); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		w.Name = filepath.Base(w.Root)
		if w.Root == record.WorkspaceUnknown {
			w.Name = record.WorkspaceUnknown
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return out, nil
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}
