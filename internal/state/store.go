// Package state is the durable record store for the agent: turns,
// tool-call results, inbox messages, heartbeat entries, the ledger, and
// the key/value namespace the loop and the heartbeat scheduler use to
// coordinate. It holds no business logic.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by [Open].
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

const schemaVersion = 1

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is a SQLite-backed state store. All public methods are safe for
// concurrent use; a single connection serializes access.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens a store at dbPath using the cgo sqlite3 driver.
func NewStore(dbPath string) (*Store, error) {
	return Open(DriverCGO, dbPath)
}

// Open opens a store at dbPath with the named driver and applies the
// schema. Writes use WAL with synchronous=FULL so they survive an
// unclean exit.
func Open(driver, dbPath string) (*Store, error) {
	dsn, err := buildDSN(driver, dbPath)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state schema: %w", err)
	}
	return s, nil
}

func buildDSN(driver, path string) (string, error) {
	switch driver {
	case DriverCGO:
		return path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL&_foreign_keys=on", nil
	case DriverPureGo:
		return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)" +
			"&_pragma=synchronous(FULL)&_pragma=foreign_keys(1)", nil
	default:
		return "", fmt.Errorf("unknown sqlite driver %q", driver)
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		id                TEXT PRIMARY KEY,
		timestamp         TEXT NOT NULL,
		state             TEXT NOT NULL,
		input             TEXT,
		input_source      TEXT,
		thinking          TEXT NOT NULL DEFAULT '',
		tool_calls        TEXT NOT NULL DEFAULT '[]',
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens      INTEGER NOT NULL DEFAULT 0,
		cost_cents        INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp);

	CREATE TABLE IF NOT EXISTS tool_calls (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL,
		turn_id     TEXT NOT NULL REFERENCES turns(id),
		name        TEXT NOT NULL,
		arguments   TEXT NOT NULL DEFAULT '{}',
		result      TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error       TEXT,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_turn ON tool_calls(turn_id);

	CREATE TABLE IF NOT EXISTS inbox_messages (
		id           TEXT PRIMARY KEY,
		from_address TEXT NOT NULL,
		content      TEXT NOT NULL,
		received_at  TEXT NOT NULL,
		processed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_inbox_unprocessed ON inbox_messages(processed_at, received_at);

	CREATE TABLE IF NOT EXISTS heartbeat_entries (
		name       TEXT PRIMARY KEY,
		schedule   TEXT NOT NULL,
		task       TEXT NOT NULL,
		enabled    INTEGER NOT NULL DEFAULT 1,
		last_run   TEXT,
		next_run   TEXT,
		params     TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id                  TEXT PRIMARY KEY,
		type                TEXT NOT NULL,
		amount_cents        INTEGER NOT NULL DEFAULT 0,
		balance_after_cents INTEGER NOT NULL DEFAULT 0,
		description         TEXT NOT NULL DEFAULT '',
		created_at          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`,
		schemaVersion, formatTime(s.now()),
	)
	return err
}

// SchemaVersion returns the highest applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	return v, err
}

// --- turns ---

// InsertTurn appends a turn. An empty ID is filled with a UUIDv7 and a
// zero Timestamp with the current time. Tool calls are stored on the
// turn row as well; per-call records go through [Store.InsertToolCall].
func (s *Store) InsertTurn(ctx context.Context, t *Turn) error {
	if t.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate turn id: %w", err)
		}
		t.ID = id.String()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now()
	}

	calls := t.ToolCalls
	if calls == nil {
		calls = []ToolCallResult{}
	}
	callsJSON, err := json.Marshal(calls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}

	var input, source sql.NullString
	if t.Input != nil {
		input = sql.NullString{String: t.Input.Content, Valid: true}
		source = sql.NullString{String: string(t.Input.Source), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO turns (id, timestamp, state, input, input_source, thinking, tool_calls,
		                    prompt_tokens, completion_tokens, total_tokens, cost_cents)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, formatTime(t.Timestamp), string(t.State), input, source, t.Thinking, string(callsJSON),
		t.Usage.PromptTokens, t.Usage.CompletionTokens, t.Usage.TotalTokens, t.CostCents,
	)
	if err != nil {
		return fmt.Errorf("insert turn %s: %w", t.ID, err)
	}
	return nil
}

const turnColumns = `id, timestamp, state, input, input_source, thinking, tool_calls,
	prompt_tokens, completion_tokens, total_tokens, cost_cents`

// RecentTurns returns up to n of the most recent turns in ascending
// timestamp order. Ties are broken by id.
func (s *Store) RecentTurns(ctx context.Context, n int) ([]Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+turnColumns+` FROM turns ORDER BY timestamp DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// TurnByID returns a single turn or [ErrNotFound].
func (s *Store) TurnByID(ctx context.Context, id string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE id = ?`, id)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// TurnCount returns the number of persisted turns.
func (s *Store) TurnCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(row scanner) (*Turn, error) {
	var (
		t             Turn
		ts, st, calls string
		input, source sql.NullString
	)
	err := row.Scan(&t.ID, &ts, &st, &input, &source, &t.Thinking, &calls,
		&t.Usage.PromptTokens, &t.Usage.CompletionTokens, &t.Usage.TotalTokens, &t.CostCents)
	if err != nil {
		return nil, err
	}
	t.Timestamp = parseTime(ts)
	t.State = AgentState(st)
	if input.Valid {
		t.Input = &Input{Content: input.String, Source: InputSource(source.String)}
	}
	if err := json.Unmarshal([]byte(calls), &t.ToolCalls); err != nil {
		return nil, fmt.Errorf("unmarshal tool calls for turn %s: %w", t.ID, err)
	}
	return &t, nil
}

// --- tool calls ---

// InsertToolCall records one tool-call result against its turn. The
// turn must already be persisted.
func (s *Store) InsertToolCall(ctx context.Context, turnID string, tc ToolCallResult) error {
	args := tc.Arguments
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments for %s: %w", tc.Name, err)
	}
	var errText sql.NullString
	if tc.Error != "" {
		errText = sql.NullString{String: tc.Error, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, turn_id, name, arguments, result, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, turnID, tc.Name, string(argsJSON), tc.Result, tc.DurationMs, errText, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("insert tool call %s for turn %s: %w", tc.ID, turnID, err)
	}
	return nil
}

// ToolCallsForTurn returns a turn's tool-call records in insertion order.
func (s *Store) ToolCallsForTurn(ctx context.Context, turnID string) ([]ToolCallResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, arguments, result, duration_ms, error
		 FROM tool_calls WHERE turn_id = ? ORDER BY seq`, turnID)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCallResult
	for rows.Next() {
		var (
			tc      ToolCallResult
			args    string
			errText sql.NullString
		)
		if err := rows.Scan(&tc.ID, &tc.Name, &args, &tc.Result, &tc.DurationMs, &errText); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(args), &tc.Arguments); err != nil {
			tc.Arguments = map[string]any{}
		}
		tc.Error = errText.String
		out = append(out, tc)
	}
	return out, rows.Err()
}

// --- inbox ---

// InsertInboxMessage queues an inbound message. Inserting an id that
// already exists is a no-op.
func (s *Store) InsertInboxMessage(ctx context.Context, m *InboxMessage) error {
	if m.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate inbox id: %w", err)
		}
		m.ID = id.String()
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbox_messages (id, from_address, content, received_at)
		 VALUES (?, ?, ?, ?)`,
		m.ID, m.From, m.Content, formatTime(m.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("insert inbox message: %w", err)
	}
	return nil
}

// UnprocessedInboxMessages returns up to limit unprocessed messages,
// oldest first.
func (s *Store) UnprocessedInboxMessages(ctx context.Context, limit int) ([]InboxMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_address, content, received_at FROM inbox_messages
		 WHERE processed_at IS NULL ORDER BY received_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	var out []InboxMessage
	for rows.Next() {
		var m InboxMessage
		var received string
		if err := rows.Scan(&m.ID, &m.From, &m.Content, &received); err != nil {
			return nil, err
		}
		m.ReceivedAt = parseTime(received)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountUnprocessedInbox returns the number of messages awaiting delivery.
func (s *Store) CountUnprocessedInbox(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inbox_messages WHERE processed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count inbox: %w", err)
	}
	return n, nil
}

// MarkInboxMessageProcessed marks a message consumed. Marking it again
// leaves the original processed_at untouched.
func (s *Store) MarkInboxMessageProcessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbox_messages SET processed_at = ? WHERE id = ? AND processed_at IS NULL`,
		formatTime(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark inbox message %s: %w", id, err)
	}
	return nil
}

// --- heartbeat entries ---

// UpsertHeartbeatEntry creates or updates an entry's definition. Run
// timestamps of an existing entry are preserved.
func (s *Store) UpsertHeartbeatEntry(ctx context.Context, e HeartbeatEntry) error {
	params := e.Params
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params for %s: %w", e.Name, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO heartbeat_entries (name, schedule, task, enabled, last_run, next_run, params, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		   schedule = excluded.schedule,
		   task = excluded.task,
		   enabled = excluded.enabled,
		   params = excluded.params,
		   updated_at = excluded.updated_at`,
		e.Name, e.Schedule, e.Task, e.Enabled, formatNullTime(e.LastRun), formatNullTime(e.NextRun),
		string(paramsJSON), formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("upsert heartbeat entry %s: %w", e.Name, err)
	}
	return nil
}

// HeartbeatEntries returns all entries ordered by name.
func (s *Store) HeartbeatEntries(ctx context.Context) ([]HeartbeatEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, schedule, task, enabled, last_run, next_run, params
		 FROM heartbeat_entries ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query heartbeat entries: %w", err)
	}
	defer rows.Close()

	var out []HeartbeatEntry
	for rows.Next() {
		var (
			e                HeartbeatEntry
			lastRun, nextRun sql.NullString
			params           string
		)
		if err := rows.Scan(&e.Name, &e.Schedule, &e.Task, &e.Enabled, &lastRun, &nextRun, &params); err != nil {
			return nil, err
		}
		e.LastRun = parseNullTime(lastRun)
		e.NextRun = parseNullTime(nextRun)
		if err := json.Unmarshal([]byte(params), &e.Params); err != nil {
			e.Params = map[string]any{}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateHeartbeatRun records when an entry last ran and when it is next
// due.
func (s *Store) UpdateHeartbeatRun(ctx context.Context, name string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE heartbeat_entries SET last_run = ?, next_run = ?, updated_at = ? WHERE name = ?`,
		formatTime(lastRun), formatTime(nextRun), formatTime(s.now()), name,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat run %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("heartbeat entry %s: %w", name, ErrNotFound)
	}
	return nil
}

// ScheduleHeartbeatEntry sets when an entry is next due without
// touching last_run.
func (s *Store) ScheduleHeartbeatEntry(ctx context.Context, name string, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE heartbeat_entries SET next_run = ?, updated_at = ? WHERE name = ?`,
		formatTime(nextRun), formatTime(s.now()), name,
	)
	if err != nil {
		return fmt.Errorf("schedule heartbeat %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("heartbeat entry %s: %w", name, ErrNotFound)
	}
	return nil
}

// --- transactions ---

// InsertTransaction appends a ledger row.
func (s *Store) InsertTransaction(ctx context.Context, tx *Transaction) error {
	if tx.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate transaction id: %w", err)
		}
		tx.ID = id.String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, type, amount_cents, balance_after_cents, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tx.ID, string(tx.Type), tx.AmountCents, tx.BalanceAfterCents, tx.Description, formatTime(tx.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// RecentTransactions returns up to limit ledger rows, newest first.
func (s *Store) RecentTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, amount_cents, balance_after_cents, description, created_at
		 FROM transactions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var tx Transaction
		var typ, created string
		if err := rows.Scan(&tx.ID, &typ, &tx.AmountCents, &tx.BalanceAfterCents, &tx.Description, &created); err != nil {
			return nil, err
		}
		tx.Type = TransactionType(typ)
		tx.CreatedAt = parseTime(created)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// --- time helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
