// Package aegobserve 暴露 Prometheus 指标
package aegobserve

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 指标定义
var (
	TotalReq = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataaegis_requests_total",
		Help: "请求总数",
	})
	FailReq = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataaegis_requests_failed",
		Help: "请求失败数",
	})
	RateLimitedReq = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataaegis_requests_rate_limited",
		Help: "被限流拒绝的请求数",
	})
	QueryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dataaegis_backend_queries_total",
		Help: "按连接名统计的后端查询次数",
	}, []string{"connection"})
	LeaseInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dataaegis_pool_leases_in_use",
		Help: "按连接名统计的在借租约数",
	}, []string{"connection"})
	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dataaegis_http_request_duration_seconds",
		Help:    "HTTP 请求耗时分布",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method", "code"})
)

// Register 必须在 main 调用一次
func Register() {
	prometheus.MustRegister(TotalReq, FailReq, RateLimitedReq, QueryTotal, LeaseInUse, httpRequestDuration)
}

// PrometheusMiddleware 记录每个请求的耗时直方图与成功/失败计数。
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		code := c.Writer.Status()
		httpRequestDuration.
			WithLabelValues(path, c.Request.Method, strconv.Itoa(code)).
			Observe(time.Since(start).Seconds())
		TotalReq.Inc()
		if code >= 500 {
			FailReq.Inc()
		}
	}
}

// Handler 返回 HTTP 处理器
func Handler() http.Handler { return promhttp.Handler() }
