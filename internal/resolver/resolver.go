package resolver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"CoralRush/internal/capability"
	xerrors "CoralRush/internal/errors"
	"CoralRush/pkg/logger"
)

// Outcome 描述单次尝试的归一化结果，用于日志与指标。
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeAuth        Outcome = "auth"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeMalformed   Outcome = "malformed"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeSkipped     Outcome = "circuit_open"
	OutcomeCanceled    Outcome = "canceled"
)

// Observer 接收每次尝试与最终解析的事件。
type Observer interface {
	ObserveAttempt(c capability.Capability, provider string, outcome Outcome, elapsed time.Duration)
	ObserveResolution(c capability.Capability, providerUsed string, success bool, elapsed time.Duration)
}

// Resolver 按顺序尝试能力的提供方。
type Resolver struct {
	registry *Registry
	observer Observer
	logger   *slog.Logger
	shared   bool
	now      func() time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
	breakersMu       sync.Mutex
	breakers         map[string]*Breaker
}

// Option 配置 Resolver。
type Option func(*Resolver)

// WithObserver 注入指标观察者。
func WithObserver(o Observer) Option {
	return func(r *Resolver) { r.observer = o }
}

// WithLogger 覆盖默认日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSharedDeadline 让所有尝试共享同一个截止时间，而不是每次尝试单独计时。
func WithSharedDeadline() Option {
	return func(r *Resolver) { r.shared = true }
}

// WithCircuitBreaker 为每个提供方启用熔断，threshold 为 0 时关闭。
func WithCircuitBreaker(threshold int, cooldown time.Duration) Option {
	return func(r *Resolver) {
		r.breakerThreshold = threshold
		r.breakerCooldown = cooldown
	}
}

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// New 创建 Resolver。
func New(registry *Registry, opts ...Option) *Resolver {
	if registry == nil {
		registry = NewRegistry()
	}
	r := &Resolver{
		registry: registry,
		logger:   logger.Component("resolver"),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Registry 返回底层注册表。
func (r *Resolver) Registry() *Registry { return r.registry }

// Resolve 依次尝试主、备提供方，永远返回一个结果而不是错误。
func (r *Resolver) Resolve(ctx context.Context, req capability.Request) capability.Result {
	started := r.now()
	log := r.logger.With(slog.String("capability", string(req.Capability)))
	if req.SessionID != "" {
		log = log.With(slog.String("session_id", req.SessionID))
	}

	if req.Timeout < 0 {
		log.Warn("请求超时时间不能为负数", slog.Duration("timeout", req.Timeout))
		return r.rejected(req.Capability, started, "timeout must be positive")
	}

	route, ok := r.registry.Route(req.Capability)
	if !ok || len(route.Providers) == 0 {
		log.Warn("能力未配置任何提供方")
		return r.exhausted(req.Capability, started, "no provider configured")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = route.Timeout
	}
	if timeout <= 0 {
		timeout = capability.DefaultTimeout(req.Capability)
	}

	budgetCtx := ctx
	if r.shared {
		var cancel context.CancelFunc
		budgetCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	lastReason := ""
	for i, provider := range route.Providers {
		if err := ctx.Err(); err != nil {
			return r.canceled(req.Capability, started, err)
		}
		name := provider.Name()
		breaker := r.breaker(name)
		if breaker != nil && !breaker.Allow() {
			log.Warn("提供方处于熔断状态，跳过", slog.String("provider", name))
			r.observeAttempt(req.Capability, name, OutcomeSkipped, 0)
			lastReason = name + ": circuit open"
			continue
		}

		attemptCtx, cancel := r.attemptContext(budgetCtx, timeout)
		attemptStart := r.now()
		out, err := invoke(attemptCtx, provider, req)
		cancel()
		elapsed := r.now().Sub(attemptStart)

		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			r.observeAttempt(req.Capability, name, OutcomeSuccess, elapsed)
			r.observeResolution(req.Capability, name, true, r.now().Sub(started))
			if i > 0 {
				log.Info("备用提供方接管成功", slog.String("provider", name), slog.Int("attempt", i+1))
			}
			return capability.Result{
				Success:          true,
				Data:             out,
				ProviderUsed:     name,
				ProcessingTimeMs: elapsed.Milliseconds(),
				Timestamp:        r.now(),
			}
		}

		if ctx.Err() != nil {
			if breaker != nil {
				breaker.Release()
			}
			r.observeAttempt(req.Capability, name, OutcomeCanceled, elapsed)
			return r.canceled(req.Capability, started, ctx.Err())
		}
		if breaker != nil {
			breaker.RecordFailure()
		}
		outcome := Classify(err)
		r.observeAttempt(req.Capability, name, outcome, elapsed)
		log.Warn("提供方调用失败",
			slog.String("provider", name),
			slog.Int("attempt", i+1),
			slog.String("outcome", string(outcome)),
			slog.Int64("elapsed_ms", elapsed.Milliseconds()),
			slog.Any("error", err),
		)
		lastReason = name + ": " + string(outcome)
	}

	log.Error("所有提供方均不可用", slog.String("last_reason", lastReason))
	return r.exhausted(req.Capability, started, lastReason)
}

func (r *Resolver) attemptContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if r.shared {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

type invocation struct {
	out *capability.Output
	err error
}

// invoke 在 ctx 结束时立即返回，即使提供方没有遵循取消。
func invoke(ctx context.Context, p capability.Provider, req capability.Request) (*capability.Output, error) {
	done := make(chan invocation, 1)
	go func() {
		out, err := p.Invoke(ctx, req)
		if err == nil && out == nil {
			err = xerrors.New(xerrors.CodeProviderMalformed, p.Name()+" returned an empty output")
		}
		done <- invocation{out: out, err: err}
	}()
	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), p.Name()+" 调用超时")
	}
}

// Classify 将提供方错误归一为尝试结果。
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeCanceled
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeTimeout:
		return OutcomeTimeout
	case xerrors.CodeProviderAuth:
		return OutcomeAuth
	case xerrors.CodeProviderRateLimited:
		return OutcomeRateLimited
	case xerrors.CodeProviderMalformed, xerrors.CodeInvalidArgument:
		return OutcomeMalformed
	default:
		return OutcomeUnavailable
	}
}

func (r *Resolver) exhausted(c capability.Capability, started time.Time, reason string) capability.Result {
	elapsed := r.now().Sub(started)
	r.observeResolution(c, capability.ProviderNone, false, elapsed)
	return capability.Result{
		Success:          false,
		ErrorKind:        capability.ErrorKindAllProvidersUnavailable,
		ErrorMessage:     reason,
		ProviderUsed:     capability.ProviderNone,
		ProcessingTimeMs: elapsed.Milliseconds(),
		Timestamp:        r.now(),
	}
}

// rejected 在调用任何提供方之前拒绝非法请求。
func (r *Resolver) rejected(c capability.Capability, started time.Time, reason string) capability.Result {
	elapsed := r.now().Sub(started)
	r.observeResolution(c, capability.ProviderNone, false, elapsed)
	return capability.Result{
		Success:          false,
		ErrorKind:        capability.ErrorKindInvalidArgument,
		ErrorMessage:     reason,
		ProviderUsed:     capability.ProviderNone,
		ProcessingTimeMs: elapsed.Milliseconds(),
		Timestamp:        r.now(),
	}
}

func (r *Resolver) canceled(c capability.Capability, started time.Time, cause error) capability.Result {
	elapsed := r.now().Sub(started)
	r.observeResolution(c, capability.ProviderNone, false, elapsed)
	return capability.Result{
		Success:          false,
		ErrorKind:        capability.ErrorKindOrchestrationAborted,
		ErrorMessage:     cause.Error(),
		ProviderUsed:     capability.ProviderNone,
		ProcessingTimeMs: elapsed.Milliseconds(),
		Timestamp:        r.now(),
	}
}

func (r *Resolver) breaker(provider string) *Breaker {
	if r.breakerThreshold <= 0 {
		return nil
	}
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		b = NewBreaker(r.breakerThreshold, r.breakerCooldown)
		b.now = r.now
		r.breakers[provider] = b
	}
	return b
}

func (r *Resolver) observeAttempt(c capability.Capability, provider string, outcome Outcome, elapsed time.Duration) {
	if r.observer != nil {
		r.observer.ObserveAttempt(c, provider, outcome, elapsed)
	}
}

func (r *Resolver) observeResolution(c capability.Capability, provider string, success bool, elapsed time.Duration) {
	if r.observer != nil {
		r.observer.ObserveResolution(c, provider, success, elapsed)
	}
}
