package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"CoralRush/internal/aggregate"
	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/jobs"
)

// JobStore 使用 orchestration_jobs 表记录异步任务。
type JobStore struct {
	db  *DB
	now func() time.Time
}

var _ jobs.Store = (*JobStore)(nil)

// NewJobStore 基于已迁移的连接构造任务存储。
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

const selectJobColumns = `SELECT id, session_id, status, input, response, error_code, error_message, attempts, max_retries, created_at, updated_at FROM orchestration_jobs`

// Create 实现 jobs.Store 接口。
func (s *JobStore) Create(ctx context.Context, job *jobs.Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	input, err := json.Marshal(job.Input)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务输入失败")
	}
	now := s.now().UnixMilli()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	const stmt = `INSERT INTO orchestration_jobs
    (id, session_id, status, input, response, error_code, error_message, attempts, max_retries, created_at, updated_at)
    VALUES (?, ?, ?, ?, NULL, '', NULL, ?, ?, ?, ?)`
	_, err = s.db.db.ExecContext(ctx, stmt,
		job.ID,
		job.SessionID,
		string(job.Status),
		string(input),
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return jobs.ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建任务失败")
	}
	return nil
}

// Get 实现 jobs.Store 接口。
func (s *JobStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	return scanJob(s.db.db.QueryRowContext(ctx, selectJobColumns+` WHERE id = ?`, id))
}

// Claim 实现 jobs.Store 接口。
func (s *JobStore) Claim(ctx context.Context, id string) (*jobs.Job, error) {
	var claimed *jobs.Job
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		job, err := scanJob(tx.QueryRowContext(ctx, selectJobColumns+` WHERE id = ?`+s.db.dialect.lockSuffix(), id))
		if err != nil {
			return err
		}
		if err := jobs.ClaimCheck(job); err != nil {
			claimed = job
			return err
		}
		job.Status = jobs.StatusRunning
		job.Attempts++
		job.UpdatedAt = s.now().UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`UPDATE orchestration_jobs SET status = ?, attempts = ?, updated_at = ? WHERE id = ?`,
			string(job.Status), job.Attempts, job.UpdatedAt, id,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取任务失败")
		}
		claimed = job
		return nil
	})
	return claimed, err
}

// MarkSucceeded 实现 jobs.Store 接口。
func (s *JobStore) MarkSucceeded(ctx context.Context, id string, resp aggregate.Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务结果失败")
	}
	return s.update(ctx, id, `UPDATE orchestration_jobs SET status = ?, session_id = ?, response = ?, error_code = '', error_message = NULL, updated_at = ? WHERE id = ?`,
		string(jobs.StatusSucceeded), resp.SessionID, string(payload), s.now().UnixMilli())
}

// MarkFailed 实现 jobs.Store 接口。
func (s *JobStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	return s.update(ctx, id, `UPDATE orchestration_jobs SET status = ?, error_code = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(jobs.FailedStatus(terminal)), string(code), lastError, s.now().UnixMilli())
}

// List 按更新时间倒序返回任务。
func (s *JobStore) List(ctx context.Context, opts jobs.ListOptions) ([]*jobs.Job, error) {
	opts = jobs.BuildListOptions(jobs.WithLimit(opts.Limit), jobs.WithStatuses(opts.Statuses...))
	query := selectJobColumns
	var args []any
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY updated_at DESC, id ASC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	var result []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务列表失败")
	}
	return result, nil
}

// Close 关闭连接池。
func (s *JobStore) Close() error { return s.db.Close() }

// update 执行以 id 结尾的更新语句。
func (s *JobStore) update(ctx context.Context, id, stmt string, args ...any) error {
	res, err := s.db.db.ExecContext(ctx, stmt, append(args, id)...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		// MySQL 对未改变的行返回 0，需要再确认记录是否存在。
		_, err := s.Get(ctx, id)
		return err
	}
	return nil
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		job      jobs.Job
		status   string
		input    string
		response sql.NullString
		message  sql.NullString
	)
	err := row.Scan(&job.ID, &job.SessionID, &status, &input, &response, &job.ErrorCode, &message,
		&job.Attempts, &job.MaxRetries, &job.CreatedAt, &job.UpdatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrJobNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务失败")
	}
	job.Status = jobs.Status(status)
	job.LastError = message.String
	if err := json.Unmarshal([]byte(input), &job.Input); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码任务输入失败")
	}
	if response.Valid && response.String != "" {
		var resp aggregate.Response
		if err := json.Unmarshal([]byte(response.String), &resp); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码任务结果失败")
		}
		job.Response = &resp
	}
	return &job, nil
}
