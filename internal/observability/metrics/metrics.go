// Package metrics exposes Prometheus collectors for capability resolution,
// orchestration runs and the HTTP API.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"CoralRush/internal/capability"
	"CoralRush/internal/resolver"
)

const namespace = "coralrush"

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Collector 汇总服务运行期间的所有指标。
type Collector struct {
	registry *prometheus.Registry

	attempts    *prometheus.CounterVec
	attemptTime *prometheus.HistogramVec
	resolutions *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runTime     *prometheus.HistogramVec
	requests    *prometheus.CounterVec
	errors      *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

var _ resolver.Observer = (*Collector)(nil)

// New 创建 Collector 并注册到独立的 Registry。
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider attempts by capability, provider and outcome.",
		}, []string{"capability", "provider", "outcome"}),
		attemptTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_attempt_duration_seconds",
			Help:      "Duration of a single provider attempt.",
			Buckets:   latencyBuckets,
		}, []string{"capability", "provider"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Capability resolutions by the provider that served them.",
		}, []string{"capability", "provider", "success"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrations_total",
			Help:      "Orchestration runs by outcome.",
		}, []string{"outcome"}),
		runTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orchestration_duration_seconds",
			Help:      "End-to-end orchestration duration.",
			Buckets:   latencyBuckets,
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"handler", "method"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.attempts, c.attemptTime, c.resolutions,
		c.runs, c.runTime,
		c.requests, c.errors, c.latency,
	)
	return c
}

// Registry 返回底层 Registry，便于额外注册或测试读取。
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveAttempt 实现 resolver.Observer。
func (c *Collector) ObserveAttempt(capab capability.Capability, provider string, outcome resolver.Outcome, elapsed time.Duration) {
	c.attempts.WithLabelValues(string(capab), provider, string(outcome)).Inc()
	c.attemptTime.WithLabelValues(string(capab), provider).Observe(elapsed.Seconds())
}

// ObserveResolution 实现 resolver.Observer。
func (c *Collector) ObserveResolution(capab capability.Capability, providerUsed string, success bool, _ time.Duration) {
	c.resolutions.WithLabelValues(string(capab), providerUsed, strconv.FormatBool(success)).Inc()
}

// ObserveRun 记录一次编排的结果。
func (c *Collector) ObserveRun(outcome string, elapsed time.Duration) {
	c.runs.WithLabelValues(outcome).Inc()
	c.runTime.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.requests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		c.errors.WithLabelValues(handler, method).Inc()
	}
	c.latency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler 以 Prometheus 文本格式暴露指标。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer 启动只暴露 /metrics 的独立 HTTP 服务，ctx 结束时优雅关闭。
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
