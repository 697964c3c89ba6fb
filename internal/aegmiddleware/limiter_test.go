// file: internal/aegmiddleware/limiter_test.go
package aegmiddleware

import (
	"testing"
	"time"
)

func TestKeyRateLimiterFixedWindow(t *testing.T) {
	limiter := NewKeyRateLimiter(3, 200*time.Millisecond)

	// 额度内的请求全部放行
	for i := 1; i <= 3; i++ {
		allowed, _ := limiter.Allow("key-a")
		if !allowed {
			t.Fatalf("第 %d 次请求应放行", i)
		}
	}

	// 第 limit+1 次被拒，并给出重置提示
	allowed, retryAfter := limiter.Allow("key-a")
	if allowed {
		t.Fatal("超额请求应被拒绝")
	}
	if retryAfter <= 0 || retryAfter > 200*time.Millisecond {
		t.Fatalf("重置提示超出窗口范围: %v", retryAfter)
	}

	// 其他 Key 的额度互不影响
	if allowed, _ := limiter.Allow("key-b"); !allowed {
		t.Fatal("不同 Key 的额度应彼此独立")
	}

	// 窗口过期后额度整体重置
	time.Sleep(250 * time.Millisecond)
	if allowed, _ := limiter.Allow("key-a"); !allowed {
		t.Fatal("新窗口的首次请求应放行")
	}
}

func TestKeyRateLimiterDefaults(t *testing.T) {
	limiter := NewKeyRateLimiter(0, 0)
	if limiter.limit != 100 || limiter.window != time.Hour {
		t.Fatalf("零值参数应回退默认额度: limit=%d window=%v", limiter.limit, limiter.window)
	}
}

func TestIPRateLimiterBurst(t *testing.T) {
	limiter := NewIPRateLimiter(1, 2)

	lim := limiter.limiterFor("10.0.0.1")
	if !lim.Allow() || !lim.Allow() {
		t.Fatal("突发额度内应放行")
	}
	if lim.Allow() {
		t.Fatal("突发额度用尽后应拒绝")
	}
	if !limiter.limiterFor("10.0.0.2").Allow() {
		t.Fatal("不同 IP 的额度应彼此独立")
	}
}
