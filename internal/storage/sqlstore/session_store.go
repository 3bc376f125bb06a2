package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/session"
)

// SessionStore 将会话保存在 sessions 与 session_messages 两张表中。
type SessionStore struct {
	db  *DB
	now func() time.Time
}

var _ session.Store = (*SessionStore)(nil)

// NewSessionStore 基于已迁移的连接构造会话存储。
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db, now: time.Now}
}

const selectSessionColumns = `SELECT id, status, user_query, session_type, participants, start_time, end_time FROM sessions`

// Create 实现 session.Store 接口。
func (s *SessionStore) Create(ctx context.Context, meta session.Metadata) (*session.Session, error) {
	sess := &session.Session{
		ID:           uuid.NewString(),
		Status:       session.StatusActive,
		Participants: []session.AgentName{},
		Messages:     []session.Message{},
		StartTime:    time.UnixMilli(s.now().UnixMilli()).UTC(),
		Metadata:     meta,
	}
	const stmt = `INSERT INTO sessions (id, status, user_query, session_type, participants, start_time, end_time)
    VALUES (?, ?, ?, ?, ?, ?, NULL)`
	if _, err := s.db.db.ExecContext(ctx, stmt,
		sess.ID,
		string(sess.Status),
		meta.UserQuery,
		meta.SessionType,
		"[]",
		sess.StartTime.UnixMilli(),
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建会话失败")
	}
	return sess, nil
}

// Append 实现 session.Store 接口，在事务内校验状态与顺序后写入消息。
func (s *SessionStore) Append(ctx context.Context, id string, msg session.Message) error {
	if err := session.ValidateMessage(msg); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码会话消息失败")
	}
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		head, err := s.lockHead(ctx, tx, id)
		if err != nil {
			return err
		}
		var last sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(sequence_index) FROM session_messages WHERE session_id = ?`, id,
		).Scan(&last); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话序号失败")
		}
		if last.Valid {
			head.Messages = []session.Message{{SequenceIndex: int(last.Int64)}}
		}
		before := len(head.Participants)
		if err := session.Apply(head, msg); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_messages (session_id, sequence_index, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, msg.SequenceIndex, string(msg.Kind), string(payload), s.now().UnixMilli(),
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话消息失败")
		}
		if len(head.Participants) == before {
			return nil
		}
		participants, err := json.Marshal(head.Participants)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码参与者失败")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET participants = ? WHERE id = ?`, string(participants), id,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话参与者失败")
		}
		return nil
	})
}

// Finalize 实现 session.Store 接口。
func (s *SessionStore) Finalize(ctx context.Context, id string, status session.Status) (session.Status, error) {
	var final session.Status
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		head, err := s.lockHead(ctx, tx, id)
		if err != nil {
			return err
		}
		result, changed, err := session.Transition(head, status, s.now().UTC())
		if err != nil {
			return err
		}
		final = result
		if !changed {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, end_time = ? WHERE id = ?`,
			string(result), head.EndTime.UnixMilli(), id,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话状态失败")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

// Get 实现 session.Store 接口。
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.db.QueryRowContext(ctx, selectSessionColumns+` WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadMessages(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// List 按开始时间倒序返回会话及其消息。
func (s *SessionStore) List(ctx context.Context, opts ...session.ListOption) ([]*session.Session, error) {
	o := session.BuildListOptions(opts...)

	var (
		clauses []string
		args    []any
	)
	if !o.Since.IsZero() {
		clauses = append(clauses, "start_time >= ?")
		args = append(args, o.Since.UnixMilli())
	}
	if len(o.Statuses) > 0 {
		placeholders := make([]string, len(o.Statuses))
		for i, st := range o.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	query := selectSessionColumns
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY start_time DESC, id DESC LIMIT ?"
	args = append(args, o.Limit)

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话列表失败")
	}
	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话列表失败")
	}
	rows.Close()

	for _, sess := range sessions {
		if err := s.loadMessages(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// Close 关闭连接池。
func (s *SessionStore) Close() error { return s.db.Close() }

// lockHead 读取会话的状态与参与者，MySQL 下同时持有行锁。
func (s *SessionStore) lockHead(ctx context.Context, tx *sql.Tx, id string) (*session.Session, error) {
	var (
		status       string
		participants string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT status, participants FROM sessions WHERE id = ?`+s.db.dialect.lockSuffix(), id,
	).Scan(&status, &participants)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	head := &session.Session{ID: id, Status: session.Status(status)}
	if err := decodeParticipants(participants, &head.Participants); err != nil {
		return nil, err
	}
	return head, nil
}

func (s *SessionStore) loadMessages(ctx context.Context, sess *session.Session) error {
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT payload FROM session_messages WHERE session_id = ? ORDER BY sequence_index ASC, id ASC`, sess.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话消息失败")
	}
	defer rows.Close()

	sess.Messages = []session.Message{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话消息失败")
		}
		var msg session.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码会话消息失败")
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话消息失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess         session.Session
		status       string
		participants string
		start        int64
		end          sql.NullInt64
	)
	err := row.Scan(&sess.ID, &status, &sess.Metadata.UserQuery, &sess.Metadata.SessionType, &participants, &start, &end)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话失败")
	}
	sess.Status = session.Status(status)
	sess.StartTime = time.UnixMilli(start).UTC()
	if end.Valid {
		ts := time.UnixMilli(end.Int64).UTC()
		sess.EndTime = &ts
	}
	if err := decodeParticipants(participants, &sess.Participants); err != nil {
		return nil, err
	}
	return &sess, nil
}

func decodeParticipants(raw string, dst *[]session.AgentName) error {
	*dst = []session.AgentName{}
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码会话参与者失败")
	}
	return nil
}
