package jobs

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"CoralRush/internal/aggregate"
	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/observability/alerting"
	"CoralRush/internal/orchestrator"
	"CoralRush/pkg/logger"
)

// maxRequeueBatch 与列表查询的上限保持一致。
const maxRequeueBatch = 100

// Executor 是处理器依赖的编排能力。
type Executor interface {
	Run(ctx context.Context, in orchestrator.Input, sessionID string) (aggregate.Response, error)
}

// Processor 负责从队列消费任务并交给编排器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	locks       *keyedMutex
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定调试日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		locks:       newKeyedMutex(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// Requeue 重新投递处于 pending 状态的任务并返回投递数量。
// 进程关闭时被中断的任务会回到 pending，启动时调用一次即可恢复；
// 重复投递时，正在执行或已结束的任务会被 Claim 跳过。
func (p *Processor) Requeue(ctx context.Context) (int, error) {
	if p.store == nil || p.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	pending, err := p.store.List(ctx, BuildListOptions(WithStatuses(StatusPending), WithLimit(maxRequeueBatch)))
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, job := range pending {
		if err := p.producer.Publish(ctx, job.ID); err != nil {
			return requeued, xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("任务 %s 重投失败", job.ID))
		}
		requeued++
		p.logDebug("恢复待执行任务", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	if requeued > 0 {
		logger.L().Info("已恢复待执行任务", slog.Int("count", requeued))
	}
	return requeued, nil
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	// 状态回写不跟随消费者取消。
	storeCtx := context.WithoutCancel(ctx)
	job, err := p.store.Claim(storeCtx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobExhausted) || stdErrors.Is(err, ErrJobConflict) {
			p.logDebug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	// 同一会话上的编排串行执行。
	if job.SessionID != "" {
		unlock := p.locks.Lock(job.SessionID)
		defer unlock()
	}

	resp, runErr := p.executor.Run(ctx, job.Input, job.SessionID)
	if runErr != nil {
		return p.handleRunFailure(ctx, job, runErr)
	}

	if err := p.store.MarkSucceeded(storeCtx, job.ID, resp); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Info("任务执行完成",
		slog.String("job_id", job.ID),
		slog.String("session_id", resp.SessionID),
		slog.Bool("overall_success", resp.OverallSuccess),
		slog.Bool("aborted", resp.Aborted),
		slog.Int("attempts", job.Attempts),
	)
	return nil
}

func (p *Processor) handleRunFailure(ctx context.Context, job *Job, runErr error) error {
	storeCtx := context.WithoutCancel(ctx)
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	// 消费者关闭导致的取消不计为业务失败，任务留待下次启动。
	shutdown := ctx.Err() != nil
	retryable := shutdown || xerrors.RetryableError(runErr)
	terminal := !retryable || (!shutdown && job.Attempts >= job.MaxRetries)

	if err := p.store.MarkFailed(storeCtx, job.ID, code, runErr.Error(), terminal); err != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("job_id", job.ID),
		slog.String("session_id", job.SessionID),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	if shutdown {
		return nil
	}
	stage := "retry"
	if terminal {
		stage = "terminal"
		if !retryable {
			stage = "non_retryable"
		}
	}
	p.emitAlert(ctx, job, code, runErr, stage)

	if !terminal {
		if err := p.producer.Publish(ctx, job.ID); err != nil {
			return xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("任务 %s 重投失败", job.ID))
		}
		p.logDebug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || job == nil {
		return
	}
	if stage != "terminal" && !xerrors.ShouldAlert(cause) {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:      code,
		Message:   cause.Error(),
		Severity:  attrs.Severity,
		SessionID: job.SessionID,
		Operation: "job",
		Metadata: map[string]string{
			"job_id":      job.ID,
			"stage":       stage,
			"attempts":    strconv.Itoa(job.Attempts),
			"max_retries": strconv.Itoa(job.MaxRetries),
		},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}

// keyedMutex 为每个键提供独立的互斥锁，空闲后回收。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock 获取 key 对应的锁并返回释放函数。
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
