// Package aegobserve file: internal/aegobserve/logging.go
package aegobserve

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger 把全局 slog 切换为 JSON 输出，须在 main 早期调用一次。
// 无法识别的级别字符串回退到 info，而不是拒绝启动。
func InitLogger(levelStr string) {
	level := slog.LevelInfo
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: true, // 网关日志按 文件:行号 定位
	})
	slog.SetDefault(slog.New(handler))
}
