package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/session"
)

// Config 描述 Redis 会话存储的连接参数。
type Config struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// SessionStore 以 JSON 文档的形式保存会话。
type SessionStore struct {
	client  *goredis.Client
	prefix  string
	ttl     time.Duration
	retries int
	owned   bool
	now     func() time.Time
}

var _ session.Store = (*SessionStore)(nil)

// Dial 建立 Redis 连接并构造会话存储。
func Dial(ctx context.Context, cfg Config) (*SessionStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	store := New(client, cfg.Prefix, cfg.TTL)
	store.owned = true
	return store, nil
}

// New 使用已有客户端构造会话存储，Close 不会关闭该客户端。
func New(client *goredis.Client, prefix string, ttl time.Duration) *SessionStore {
	if prefix == "" {
		prefix = "coralrush"
	}
	return &SessionStore{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		retries: 8,
		now:     time.Now,
	}
}

// Client 返回底层客户端，供任务队列复用连接。
func (s *SessionStore) Client() *goredis.Client { return s.client }

func (s *SessionStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

func (s *SessionStore) indexKey() string {
	return s.prefix + ":sessions"
}

// Create 实现 session.Store 接口。
func (s *SessionStore) Create(ctx context.Context, meta session.Metadata) (*session.Session, error) {
	sess := &session.Session{
		ID:           uuid.NewString(),
		Status:       session.StatusActive,
		Participants: []session.AgentName{},
		Messages:     []session.Message{},
		StartTime:    s.now().UTC(),
		Metadata:     meta,
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码会话失败")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(sess.ID), raw, s.ttl)
		pipe.ZAdd(ctx, s.indexKey(), goredis.Z{Score: float64(sess.StartTime.UnixMilli()), Member: sess.ID})
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	return sess, nil
}

// Append 实现 session.Store 接口。
func (s *SessionStore) Append(ctx context.Context, id string, msg session.Message) error {
	if err := session.ValidateMessage(msg); err != nil {
		return err
	}
	return s.mutate(ctx, id, func(sess *session.Session) (bool, error) {
		if err := session.Apply(sess, msg); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Finalize 实现 session.Store 接口。
func (s *SessionStore) Finalize(ctx context.Context, id string, status session.Status) (session.Status, error) {
	var final session.Status
	err := s.mutate(ctx, id, func(sess *session.Session) (bool, error) {
		result, changed, err := session.Transition(sess, status, s.now().UTC())
		final = result
		return changed, err
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

// mutate 在 WATCH 保护下读取、修改并写回会话，冲突时重试。
func (s *SessionStore) mutate(ctx context.Context, id string, fn func(*session.Session) (bool, error)) error {
	key := s.sessionKey(id)
	txf := func(tx *goredis.Tx) error {
		sess, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		changed, err := fn(sess)
		if err != nil || !changed {
			return err
		}
		raw, err := json.Marshal(sess)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码会话失败")
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, raw, goredis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < s.retries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if stdErrors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return err
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话失败")
		}
		return nil
	}
	return xerrors.New(xerrors.CodeStorageFailure, "会话并发更新冲突次数过多")
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func (s *SessionStore) load(ctx context.Context, c getter, key string) (*session.Session, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if stdErrors.Is(err, goredis.Nil) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	return decodeSession(raw)
}

// Get 实现 session.Store 接口。
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	return s.load(ctx, s.client, s.sessionKey(id))
}

// List 按开始时间倒序返回会话，过期的会话会从索引中清理。
func (s *SessionStore) List(ctx context.Context, opts ...session.ListOption) ([]*session.Session, error) {
	o := session.BuildListOptions(opts...)
	lower := "-inf"
	if !o.Since.IsZero() {
		lower = fmt.Sprintf("%d", o.Since.UnixMilli())
	}
	ids, err := s.client.ZRevRangeByScore(ctx, s.indexKey(), &goredis.ZRangeBy{Min: lower, Max: "+inf"}).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话索引失败")
	}

	var (
		result []*session.Session
		stale  []any
	)
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if session.IsNotFound(err) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !o.Match(sess) {
			continue
		}
		result = append(result, sess)
		if len(result) >= o.Limit {
			break
		}
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.indexKey(), stale...).Err()
	}
	return result, nil
}

// Close 关闭自建的 Redis 连接。
func (s *SessionStore) Close() error {
	if s == nil || s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

func decodeSession(raw []byte) (*session.Session, error) {
	var sess session.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码会话失败")
	}
	if sess.Messages == nil {
		sess.Messages = []session.Message{}
	}
	if sess.Participants == nil {
		sess.Participants = []session.AgentName{}
	}
	return &sess, nil
}
