package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"CoralRush/internal/aggregate"
	"CoralRush/internal/auth"
	"CoralRush/internal/jobs"
	"CoralRush/internal/orchestrator"
	"CoralRush/internal/session"
	"CoralRush/pkg/logger"
)

// maxBodyBytes 限制请求体大小，音频以 base64 内嵌在 JSON 中。
const maxBodyBytes = 32 << 20

// Runner 同步执行一次编排。
type Runner interface {
	Run(ctx context.Context, in orchestrator.Input, sessionID string) (aggregate.Response, error)
}

// JobService 提供异步任务的提交与查询。
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Job, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context, opts ...jobs.ListOption) ([]*jobs.Job, error)
}

// HTTPObserver 记录 HTTP 请求指标。
type HTTPObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// Server 负责暴露 REST 接口，供外部驱动编排流水线。
type Server struct {
	addr            string
	runner          Runner
	sessions        session.Store
	jobs            JobService
	auth            *auth.Authenticator
	metrics         HTTPObserver
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 配置 Server。
type Option func(*Server)

// WithJobs 启用异步任务接口。
func WithJobs(svc JobService) Option {
	return func(s *Server) { s.jobs = svc }
}

// WithAuthenticator 为 /api 路径启用 Bearer 令牌认证。
func WithAuthenticator(a *auth.Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithMetrics 记录每个路由的请求指标。
func WithMetrics(obs HTTPObserver) Option {
	return func(s *Server) { s.metrics = obs }
}

// WithTimeouts 覆盖读写与优雅关闭的超时时间，零值保持默认。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, runner Runner, sessions session.Store, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		runner:          runner,
		sessions:        sessions,
		readTimeout:     30 * time.Second,
		writeTimeout:    60 * time.Second,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Component("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	s.route(api, "POST /api/v1/orchestrations", s.handleOrchestrate)
	s.route(api, "POST /api/v1/jobs", s.handleSubmitJob)
	s.route(api, "GET /api/v1/jobs", s.handleListJobs)
	s.route(api, "GET /api/v1/jobs/{id}", s.handleJobDetail)
	s.route(api, "POST /api/v1/sessions", s.handleCreateSession)
	s.route(api, "GET /api/v1/sessions", s.handleListSessions)
	s.route(api, "GET /api/v1/sessions/{id}", s.handleSessionDetail)
	s.route(api, "POST /api/v1/sessions/{id}/finalize", s.handleFinalizeSession)
	s.route(api, "GET /api/v1/agents", s.handleAgents)

	var protected http.Handler = api
	if s.auth.Enabled() {
		protected = s.auth.Middleware("api")(api)
	}

	root := http.NewServeMux()
	root.Handle("/api/", protected)
	s.route(root, "GET /healthz", s.handleHealth)
	return root
}

// route 注册处理器并在启用指标时记录请求耗时与状态码。
func (s *Server) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	if s.metrics == nil {
		mux.HandleFunc(pattern, fn)
		return
	}
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(sw, r)
		s.metrics.ObserveHTTPRequest(pattern, r.Method, sw.status, time.Since(start))
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
