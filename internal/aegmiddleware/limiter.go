// Package aegmiddleware file: internal/aegmiddleware/limiter.go
//
// 两级限流：已认证路由按 API Key 做固定窗口计数（额度随窗口边界
// 整体重置），未认证路由按来源 IP 做令牌桶兜底。
package aegmiddleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"DataAegis/internal/aegobserve"
)

/* ---------- 按 Key 的固定窗口限流 ---------- */

// KeyRateLimiter 对每个 API Key 维护一个固定窗口计数器。
// 计数器挂在 go-cache 里随窗口 TTL 过期，过期即新窗口。
type KeyRateLimiter struct {
	mu      sync.Mutex
	windows *cache.Cache
	limit   int64
	window  time.Duration
}

// NewKeyRateLimiter 创建限流器。limit <= 0 时回退到 100 次/小时。
func NewKeyRateLimiter(limit int, window time.Duration) *KeyRateLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Hour
	}
	return &KeyRateLimiter{
		windows: cache.New(window, 10*time.Minute),
		limit:   int64(limit),
		window:  window,
	}
}

// Allow 为 keyID 记一次请求。超额时返回 false 和距窗口重置的秒数。
func (l *KeyRateLimiter) Allow(keyID string) (allowed bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, expiry, found := l.windows.GetWithExpiration(keyID); found {
		count, err := l.windows.IncrementInt64(keyID, 1)
		if err != nil {
			// 取值和自增之间条目恰好过期，按新窗口处理
			l.windows.Set(keyID, int64(1), l.window)
			return true, 0
		}
		if count > l.limit {
			return false, time.Until(expiry)
		}
		return true, 0
	}

	l.windows.Set(keyID, int64(1), l.window)
	return true, 0
}

// Middleware 把限流器挂为 gin 中间件，必须位于 Authenticate 之后。
// 超额响应携带 Retry-After 头。
func (l *KeyRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := PrincipalFrom(c)
		if key == nil {
			c.Next()
			return
		}
		allowed, retryAfter := l.Allow(key.ID)
		if !allowed {
			seconds := int(retryAfter.Seconds()) + 1
			slog.Warn("限流: API Key 超出窗口额度",
				"key_id", key.ID, "retry_after_seconds", seconds)
			aegobserve.RateLimitedReq.Inc()
			c.Header("Retry-After", fmt.Sprintf("%d", seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error": gin.H{
					"kind":                "rate_limited",
					"message":             fmt.Sprintf("请求超出额度，%d 秒后窗口重置", seconds),
					"retry_after_seconds": seconds,
				},
			})
			return
		}
		c.Next()
	}
}

/* ---------- 按 IP 的令牌桶限流 ---------- */

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter 为未认证路由按来源 IP 限流，闲置条目后台回收。
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*ipEntry
	rate     rate.Limit
	burst    int
}

func NewIPRateLimiter(r float64, burst int) *IPRateLimiter {
	l := &IPRateLimiter{
		visitors: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
	}
	go l.cleanup()
	return l
}

func (l *IPRateLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, exists := l.visitors[ip]
	if !exists {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.visitors[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (l *IPRateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		l.mu.Lock()
		for ip, entry := range l.visitors {
			if time.Since(entry.lastSeen) > 10*time.Minute {
				delete(l.visitors, ip)
			}
		}
		l.mu.Unlock()
	}
}

func (l *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.limiterFor(c.ClientIP()).Allow() {
			aegobserve.RateLimitedReq.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error": gin.H{
					"kind":    "rate_limited",
					"message": "来源 IP 请求过于频繁",
				},
			})
			return
		}
		c.Next()
	}
}
