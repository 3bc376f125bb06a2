package jobs

import (
	"context"

	"CoralRush/internal/aggregate"
	xerrors "CoralRush/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim 将待执行的任务置为 running 并增加尝试次数。
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, resp aggregate.Response) error
	// MarkFailed 记录失败原因；terminal 为 false 时任务回到 pending 等待重投。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Close() error
}

// ListOptions 控制任务列表查询。
type ListOptions struct {
	Limit    int
	Statuses []Status
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回数量。
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// WithStatuses 按状态过滤。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = append(o.Statuses[:0], statuses...) }
}

// BuildListOptions 应用选项并补齐默认值。
func BuildListOptions(opts ...ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.normalize()
	return o
}

func (o *ListOptions) normalize() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
}

// Match 判断任务是否满足状态过滤。
func (o ListOptions) Match(j *Job) bool {
	if len(o.Statuses) == 0 {
		return true
	}
	for _, st := range o.Statuses {
		if j.Status == st {
			return true
		}
	}
	return false
}

// ClaimCheck 校验任务能否被领取，供各存储实现共享。
func ClaimCheck(j *Job) error {
	switch j.Status {
	case StatusSucceeded:
		return ErrJobCompleted
	case StatusFailed:
		return ErrJobExhausted
	case StatusRunning:
		return ErrJobConflict
	}
	if j.Attempts >= j.MaxRetries {
		return ErrJobExhausted
	}
	return nil
}

// FailedStatus 返回失败后的目标状态。
func FailedStatus(terminal bool) Status {
	if terminal {
		return StatusFailed
	}
	return StatusPending
}
