// Package aegobserve file: internal/aegobserve/debug.go
package aegobserve

import (
	"log/slog"
	"net/http"
	_ "net/http/pprof" // 挂载 /debug/pprof 处理器
)

// EnablePprof 在独立端口上开一个 pprof 服务，与业务路由隔离。
// addr 为空视为禁用。
func EnablePprof(addr string) {
	if addr == "" {
		slog.Info("pprof: 未配置监听地址，保持关闭")
		return
	}
	go func() {
		slog.Info("pprof: 调试服务已启动", "addr", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			slog.Error("pprof: 调试服务退出", "error", err)
		}
	}()
}
