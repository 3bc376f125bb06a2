package session

import (
	"context"
	"time"
)

// Store 抽象了会话状态的持久化。所有变更都经过 Append 与 Finalize，
// 实现必须在单个会话上串行化这两个操作。
type Store interface {
	Create(ctx context.Context, meta Metadata) (*Session, error)
	Append(ctx context.Context, id string, msg Message) error
	// Finalize 是幂等的：对已处于终态的会话直接返回已有状态。
	Finalize(ctx context.Context, id string, status Status) (Status, error)
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context, opts ...ListOption) ([]*Session, error)
	Close() error
}

// ListOptions 控制会话列表查询。
type ListOptions struct {
	Limit    int
	Statuses []Status
	Since    time.Time
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

// WithStartedSince 只返回在该时间之后开始的会话。
func WithStartedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.Since = ts }
}

// BuildListOptions 应用选项并补齐默认值。
func BuildListOptions(opts ...ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	valid := o.Statuses[:0]
	for _, s := range o.Statuses {
		if IsValidStatus(s) {
			valid = append(valid, s)
		}
	}
	o.Statuses = valid
	return o
}

// Match 判断会话是否满足过滤条件。
func (o ListOptions) Match(s *Session) bool {
	if !o.Since.IsZero() && s.StartTime.Before(o.Since) {
		return false
	}
	if len(o.Statuses) == 0 {
		return true
	}
	for _, st := range o.Statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}
