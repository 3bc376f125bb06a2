package sqlstore

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"CoralRush/internal/capability"
	"CoralRush/internal/session"
)

const (
	lockSessionSQL = `SELECT status, participants FROM sessions WHERE id = ? FOR UPDATE`
	maxSequenceSQL = `SELECT MAX(sequence_index) FROM session_messages WHERE session_id = ?`
	insertMsgSQL   = `INSERT INTO session_messages (session_id, sequence_index, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`
	selectMsgSQL   = `SELECT payload FROM session_messages WHERE session_id = ? ORDER BY sequence_index ASC, id ASC`
)

func brainStep(seq int) session.Message {
	return session.StepMessage(session.Step{
		ID:            "step-1",
		Agent:         session.Brain,
		Operation:     "analyzeIntent",
		SequenceIndex: seq,
		Critical:      true,
		Result:        capability.Result{Success: true, ProviderUsed: "kw", Data: &capability.Output{Text: "ok"}},
	})
}

func TestSessionStoreAppendWritesMessageAndParticipants(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(lockSessionSQL, mockRowsData{columns: []string{"status", "participants"}, values: [][]driver.Value{{"active", "[]"}}}),
		queryOp(maxSequenceSQL, mockRowsData{columns: []string{"max"}, values: [][]driver.Value{{int64(1)}}}),
		execOp(insertMsgSQL, mockResult{lastInsertID: 2, rowsAffected: 1}),
		execOp(`UPDATE sessions SET participants = ? WHERE id = ?`, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)

	store := NewSessionStore(db)
	if err := store.Append(context.Background(), "s1", brainStep(2)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

func TestSessionStoreAppendRejectsOutOfOrder(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(lockSessionSQL, mockRowsData{columns: []string{"status", "participants"}, values: [][]driver.Value{{"active", `["Brain"]`}}}),
		queryOp(maxSequenceSQL, mockRowsData{columns: []string{"max"}, values: [][]driver.Value{{int64(5)}}}),
		rollbackOp(),
	})
	defer drv.assertConsumed(t)

	err := NewSessionStore(db).Append(context.Background(), "s1", brainStep(3))
	if !errors.Is(err, session.ErrOutOfOrder) {
		t.Fatalf("expected out of order, got %v", err)
	}
}

func TestSessionStoreAppendRejectsClosedSession(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(lockSessionSQL, mockRowsData{columns: []string{"status", "participants"}, values: [][]driver.Value{{"completed", "[]"}}}),
		queryOp(maxSequenceSQL, mockRowsData{columns: []string{"max"}, values: [][]driver.Value{{nil}}}),
		rollbackOp(),
	})
	defer drv.assertConsumed(t)

	err := NewSessionStore(db).Append(context.Background(), "s1", brainStep(0))
	if !errors.Is(err, session.ErrSessionClosed) {
		t.Fatalf("expected closed session, got %v", err)
	}
}

func TestSessionStoreFinalizeIsIdempotent(t *testing.T) {
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(lockSessionSQL, mockRowsData{columns: []string{"status", "participants"}, values: [][]driver.Value{{"active", "[]"}}}),
		execOp(`UPDATE sessions SET status = ?, end_time = ? WHERE id = ?`, mockResult{rowsAffected: 1}),
		commitOp(),
		beginOp(),
		queryOp(lockSessionSQL, mockRowsData{columns: []string{"status", "participants"}, values: [][]driver.Value{{"failed", "[]"}}}),
		commitOp(),
	})
	defer drv.assertConsumed(t)

	store := NewSessionStore(db)
	got, err := store.Finalize(context.Background(), "s1", session.StatusFailed)
	if err != nil || got != session.StatusFailed {
		t.Fatalf("finalize = %s, %v", got, err)
	}
	got, err = store.Finalize(context.Background(), "s1", session.StatusCompleted)
	if err != nil || got != session.StatusFailed {
		t.Fatalf("second finalize should keep failed, got %s, %v", got, err)
	}
}

func TestSessionStoreGetDecodesRows(t *testing.T) {
	payload, err := json.Marshal(brainStep(1))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectSessionColumns+` WHERE id = ?`, mockRowsData{
			columns: []string{"id", "status", "user_query", "session_type", "participants", "start_time", "end_time"},
			values:  [][]driver.Value{{"s1", "completed", "send 1 ETH", "text", `["Brain"]`, int64(1700000000000), int64(1700000001000)}},
		}),
		queryOp(selectMsgSQL, mockRowsData{columns: []string{"payload"}, values: [][]driver.Value{{string(payload)}}}),
		queryOp(selectSessionColumns+` WHERE id = ?`, mockRowsData{
			columns: []string{"id", "status", "user_query", "session_type", "participants", "start_time", "end_time"},
		}),
	})
	defer drv.assertConsumed(t)

	store := NewSessionStore(db)
	sess, err := store.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if sess.Status != session.StatusCompleted || sess.EndTime == nil || sess.Metadata.UserQuery != "send 1 ETH" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if len(sess.Messages) != 1 || sess.Messages[0].Step == nil || sess.Messages[0].Step.Agent != session.Brain {
		t.Fatalf("unexpected messages %+v", sess.Messages)
	}
	if _, err := store.Get(context.Background(), "missing"); !session.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunMigrationsAppliesDialectFiles(t *testing.T) {
	files, err := loadMigrationFiles(DialectMySQL)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) != 2 || files[0].version != "0001" {
		t.Fatalf("unexpected migrations %+v", files)
	}

	ops := []mockOperation{
		execOp(createMigrationsTable, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}, values: [][]driver.Value{{"0001"}}}),
		beginOp(),
	}
	for _, stmt := range files[1].statements {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops,
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	)
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)

	if err := db.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestParseDialect(t *testing.T) {
	if d, _ := ParseDialect("SQLite"); d != DialectSQLite {
		t.Fatalf("unexpected dialect %s", d)
	}
	if d, _ := ParseDialect(""); d != DialectMySQL {
		t.Fatalf("mysql is the default dialect, got %s", d)
	}
	if _, err := ParseDialect("postgres"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func openSQLite(t *testing.T) *DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "coralrush.db") + "?_busy_timeout=5000"
	db, err := Open(context.Background(), Config{Driver: "sqlite3", DSN: dsn})
	if err != nil {
		if strings.Contains(err.Error(), "cgo") {
			t.Skipf("sqlite driver unavailable: %v", err)
		}
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	store := NewSessionStore(db)

	sess, err := store.Create(ctx, session.Metadata{UserQuery: "mint 2", SessionType: session.TypeText})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	user := session.UserInput(0, session.UserMessage{Text: "mint 2", ReceivedAt: time.Now().UTC()})
	if err := store.Append(ctx, sess.ID, user); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if err := store.Append(ctx, sess.ID, brainStep(1)); err != nil {
		t.Fatalf("append step: %v", err)
	}
	if err := store.Append(ctx, sess.ID, brainStep(0)); !errors.Is(err, session.ErrOutOfOrder) {
		t.Fatalf("expected out of order, got %v", err)
	}
	if final, err := store.Finalize(ctx, sess.ID, session.StatusCompleted); err != nil || final != session.StatusCompleted {
		t.Fatalf("finalize = %s, %v", final, err)
	}
	if err := store.Append(ctx, sess.ID, brainStep(2)); !errors.Is(err, session.ErrSessionClosed) {
		t.Fatalf("expected closed session, got %v", err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[1].Step.Result.ProviderUsed != "kw" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
	if len(got.Participants) != 1 || got.Participants[0] != session.Brain {
		t.Fatalf("unexpected participants %v", got.Participants)
	}
	if got.EndTime == nil || !got.StartTime.Equal(sess.StartTime) {
		t.Fatalf("timestamps not preserved: %+v", got)
	}

	if _, err := store.Create(ctx, session.Metadata{UserQuery: "other"}); err != nil {
		t.Fatalf("create second: %v", err)
	}
	completed, err := store.List(ctx, session.WithStatuses(session.StatusCompleted))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != sess.ID || len(completed[0].Messages) != 2 {
		t.Fatalf("unexpected filtered list %+v", completed)
	}
	all, _ := store.List(ctx)
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}
	if err := store.Append(ctx, "missing", brainStep(0)); !session.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
