// Package fake provides a deterministic in-process capability provider used by
// tests and by the daemon's offline demo mode.
package fake

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"CoralRush/internal/capability"
	xerrors "CoralRush/internal/errors"
)

// Responder 根据请求生成输出。
type Responder func(req capability.Request) (*capability.Output, error)

// Provider 是可编排延迟与失败的确定性提供方。
type Provider struct {
	name      string
	delay     time.Duration
	err       error
	responder Responder

	mu     sync.Mutex
	delays []time.Duration
	calls  atomic.Int32
	seen   []capability.Request
}

// Option 调整 Provider 的行为。
type Option func(*Provider)

// WithDelay 让每次调用阻塞指定时长，遵循 ctx 取消。
func WithDelay(d time.Duration) Option {
	return func(p *Provider) { p.delay = d }
}

// WithDelaySequence 为前几次调用分别指定延迟，用完后回退到 WithDelay。
func WithDelaySequence(delays ...time.Duration) Option {
	return func(p *Provider) { p.delays = append([]time.Duration(nil), delays...) }
}

// WithError 让每次调用都返回该错误。
func WithError(err error) Option {
	return func(p *Provider) { p.err = err }
}

// WithResponder 自定义输出。
func WithResponder(fn Responder) Option {
	return func(p *Provider) { p.responder = fn }
}

// WithText 固定返回一段文本。
func WithText(text string) Option {
	return WithResponder(func(capability.Request) (*capability.Output, error) {
		return &capability.Output{Text: text, Confidence: 1}, nil
	})
}

// New 创建一个新的假提供方，默认回显请求文本。
func New(name string, opts ...Option) *Provider {
	p := &Provider{name: name}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.responder == nil {
		p.responder = Echo
	}
	return p
}

// Name 返回提供方名称。
func (p *Provider) Name() string { return p.name }

// Invoke 实现 capability.Provider。
func (p *Provider) Invoke(ctx context.Context, req capability.Request) (*capability.Output, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.seen = append(p.seen, req)
	delay := p.delay
	if len(p.delays) > 0 {
		delay = p.delays[0]
		p.delays = p.delays[1:]
	}
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), p.name+" 调用超时")
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.responder(req)
}

// Calls 返回调用次数。
func (p *Provider) Calls() int { return int(p.calls.Load()) }

// Requests 返回已收到的请求副本。
func (p *Provider) Requests() []capability.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]capability.Request(nil), p.seen...)
}

// Echo 按能力生成确定性输出。
func Echo(req capability.Request) (*capability.Output, error) {
	switch req.Capability {
	case capability.Transcribe:
		return &capability.Output{
			Text:       string(req.Payload.Audio),
			Confidence: 0.95,
			Attributes: map[string]any{"language": defaultString(req.Payload.Language, "en")},
		}, nil
	case capability.Synthesize:
		return &capability.Output{Audio: []byte(req.Payload.Text), Format: "mp3"}, nil
	case capability.LedgerAction:
		out := &capability.Output{Text: "ledger action accepted", Confidence: 1}
		if req.Payload.Ledger != nil {
			out.Attributes = map[string]any{"kind": string(req.Payload.Ledger.Kind)}
		}
		return out, nil
	default:
		return &capability.Output{Text: req.Payload.Text, Confidence: 1}, nil
	}
}

// Unavailable 返回一个模拟后端不可达的错误。
func Unavailable(name string) error {
	return xerrors.New(xerrors.CodeProviderUnavailable, name+" unreachable")
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
