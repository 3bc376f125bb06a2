package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "CoralRush/internal/errors"
)

// MemoryStore 以内存方式保存会话，会话由调用方负责淘汰。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session), now: time.Now}
}

var _ Store = (*MemoryStore)(nil)

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, meta Metadata) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		Status:    StatusActive,
		Messages:  []Message{},
		StartTime: m.now().UTC(),
		Metadata:  meta,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return s.Clone(), nil
}

// Append 实现 Store 接口。
func (m *MemoryStore) Append(_ context.Context, id string, msg Message) error {
	if err := ValidateMessage(msg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	return Apply(s, msg)
}

// Finalize 实现 Store 接口。
func (m *MemoryStore) Finalize(_ context.Context, id string, status Status) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return "", ErrSessionNotFound
	}
	final, _, err := Transition(s, status, m.now().UTC())
	return final, err
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// List 按开始时间倒序返回会话。
func (m *MemoryStore) List(_ context.Context, opts ...ListOption) ([]*Session, error) {
	o := BuildListOptions(opts...)
	m.mu.RLock()
	matched := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if o.Match(s) {
			matched = append(matched, s.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].StartTime.After(matched[j].StartTime)
	})
	if len(matched) > o.Limit {
		matched = matched[:o.Limit]
	}
	return matched, nil
}

// Delete 移除会话，供调用方淘汰使用。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

// IsNotFound 判断错误是否为会话不存在。
func IsNotFound(err error) bool {
	return xerrors.CodeOf(err) == xerrors.CodeSessionNotFound
}
