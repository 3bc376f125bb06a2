package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"CoralRush/internal/agent"
	"CoralRush/internal/api"
	"CoralRush/internal/auth"
	"CoralRush/internal/config"
	"CoralRush/internal/jobs"
	"CoralRush/internal/observability/alerting"
	"CoralRush/internal/observability/metrics"
	"CoralRush/internal/orchestrator"
	"CoralRush/internal/resolver"
	"CoralRush/internal/session"
	"CoralRush/internal/storage/redis"
	"CoralRush/internal/storage/sqlstore"
	"CoralRush/pkg/logger"
)

// main 是 CoralRush 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("coralrushd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Component("coralrushd")

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address, collector.Handler()); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return err
	}
	registry, err := buildRegistry(cfg, providers)
	if err != nil {
		return err
	}
	defer registry.Close()

	resolverOpts := []resolver.Option{resolver.WithLogger(logger.Component("resolver"))}
	if cfg.Resolver.SharedDeadline {
		resolverOpts = append(resolverOpts, resolver.WithSharedDeadline())
	}
	if cfg.Resolver.Breaker.Threshold > 0 {
		resolverOpts = append(resolverOpts, resolver.WithCircuitBreaker(cfg.Resolver.Breaker.Threshold, cfg.Resolver.Breaker.Cooldown))
	}
	if collector != nil {
		resolverOpts = append(resolverOpts, resolver.WithObserver(collector))
	}
	res := resolver.New(registry, resolverOpts...)

	var agentOpts []agent.Option
	for op, timeout := range cfg.Orchestrator.OperationTimeouts {
		agentOpts = append(agentOpts, agent.WithOperationTimeout(op, timeout))
	}
	adapter := agent.New(res, agentOpts...)

	sessions, jobStore, closeStorage, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	fanout := buildAlerting(cfg.Alerting)
	var alerts alerting.Dispatcher
	if fanout.Len() > 0 {
		alerts = fanout
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithCritical(cfg.Orchestrator.Critical),
		orchestrator.WithMaxFanOut(cfg.Orchestrator.MaxFanOut),
		orchestrator.WithHistoryLength(cfg.Orchestrator.HistoryLength),
		orchestrator.WithVoice(cfg.Orchestrator.VoiceID, nil),
		orchestrator.WithChain(cfg.Orchestrator.Chain),
	}
	if alerts != nil {
		orchOpts = append(orchOpts, orchestrator.WithAlerts(alerts))
	}
	if collector != nil {
		orchOpts = append(orchOpts, orchestrator.WithObserver(collector))
	}
	orch := orchestrator.New(adapter, sessions, orchOpts...)

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	jobService := jobs.NewService(jobStore, queue, cfg.Queue.MaxRetries)
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	procOpts := []jobs.ProcessorOption{
		jobs.WithWorkerCount(cfg.Queue.Workers),
		jobs.WithProcessorLogger(logger.Component("jobs")),
	}
	if alerts != nil {
		procOpts = append(procOpts, jobs.WithAlertDispatcher(alerts))
	}
	processor := jobs.NewProcessor(orch, jobStore, queue, queue, procOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()
	if _, err := processor.Requeue(processorCtx); err != nil {
		lg.Warn("恢复待执行任务失败", slog.Any("error", err))
	}

	serverOpts := []api.Option{
		api.WithJobs(jobService),
		api.WithAuthenticator(auth.NewAuthenticator(cfg.Auth.Tokens)),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
	}
	if collector != nil {
		serverOpts = append(serverOpts, api.WithMetrics(collector))
	}
	server := api.NewServer(cfg.Server.Address, orch, sessions, serverOpts...)

	lg.Info("CoralRush 启动",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.Int("providers", len(providers)),
		slog.Int("alert_channels", fanout.Len()),
		slog.Bool("metrics", collector != nil),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("CoralRush 已停止")
	return nil
}

// buildAlerting 只为配置了地址的渠道创建通知器。
func buildAlerting(cfg config.AlertingConfig) *alerting.FanoutDispatcher {
	var notifiers []alerting.Notifier
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	if cfg.DingTalkURL != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{WebhookURL: cfg.DingTalkURL})
	}
	if cfg.SlackURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{WebhookURL: cfg.SlackURL, ChannelID: cfg.SlackChannel})
	}
	return alerting.NewFanout(notifiers...)
}

// openStorage 根据配置创建会话与任务存储，返回的 close 函数释放底层连接。
func openStorage(ctx context.Context, cfg *config.Config) (session.Store, jobs.Store, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverMySQL, config.DriverSQLite:
		db, err := sqlstore.Open(ctx, cfg.Storage.SQL)
		if err != nil {
			return nil, nil, nil, err
		}
		return sqlstore.NewSessionStore(db), sqlstore.NewJobStore(db), func() { _ = db.Close() }, nil
	case config.DriverRedis:
		store, err := redis.Dial(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.L().Warn("Redis 存储仅保存会话，任务状态保存在进程内存中")
		return store, jobs.NewMemoryStore(), func() { _ = store.Close() }, nil
	case config.DriverMemory:
		return session.NewMemoryStore(), jobs.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// openQueue 根据配置创建任务队列。
func openQueue(ctx context.Context, cfg *config.Config) (jobs.Queue, error) {
	switch cfg.Queue.Driver {
	case config.DriverMemory:
		return jobs.NewMemoryQueue(cfg.Queue.Size), nil
	case config.DriverRedis:
		return jobs.NewRedisQueue(ctx, cfg.Queue.Redis)
	case config.DriverRabbitMQ:
		return jobs.NewRabbitMQQueue(cfg.Queue.RabbitMQ)
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}
