// file: cmd/gateway/main.go

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"DataAegis/internal/adapter/connector/biserver"
	"DataAegis/internal/adapter/connector/localfs"
	"DataAegis/internal/adapter/connector/mysqlconn"
	"DataAegis/internal/adapter/connector/postgres"
	"DataAegis/internal/adapter/connector/s3store"
	"DataAegis/internal/adapter/connector/snowflake"
	"DataAegis/internal/adapter/connector/sqlite"
	"DataAegis/internal/adapter/textgen"
	"DataAegis/internal/aegmiddleware"
	"DataAegis/internal/aegobserve"
	"DataAegis/internal/core/domain"
	"DataAegis/internal/service/insight"
	"DataAegis/internal/service/pool"
	"DataAegis/internal/service/rbac"
	"DataAegis/internal/service/store"
	"DataAegis/internal/service/vault"
	"DataAegis/internal/transport/http/router"
)

const version = "v1.0.0"

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

type RateLimitConfig struct {
	PerKeyLimit   int     `mapstructure:"per_key_limit"`
	WindowMinutes int     `mapstructure:"window_minutes"`
	IPRate        float64 `mapstructure:"ip_rate"`
	IPBurst       int     `mapstructure:"ip_burst"`
}

type PoolConfig struct {
	MaxLeases          int `mapstructure:"max_leases"`
	LeaseWaitSeconds   int `mapstructure:"lease_wait_seconds"`
	HealthIntervalSecs int `mapstructure:"health_interval_seconds"`
}

type AIConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	Model        string `mapstructure:"model"`
	SampleLimit  int    `mapstructure:"sample_limit"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Pool      PoolConfig      `mapstructure:"pool"`
	AI        AIConfig        `mapstructure:"ai"`
	Pprof     bool            `mapstructure:"pprof"`
}

func main() {
	// 在日志系统完全初始化前，使用标准 log
	log.Printf("DataAegis Gateway %s 正在启动...", version)

	exePath, err := os.Executable()
	if err != nil {
		log.Fatalf("CRITICAL: 无法获取可执行文件路径: %v", err)
	}
	rootDir := filepath.Dir(filepath.Dir(exePath))

	configFilePath := filepath.Join(rootDir, "configs", "config.yaml")
	viper.SetConfigFile(configFilePath)
	viper.SetEnvPrefix("DATAAEGIS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("CRITICAL: 读取配置文件 '%s' 失败: %v", configFilePath, err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("CRITICAL: 解析配置到结构体失败: %v", err)
	}

	aegobserve.InitLogger(config.Server.LogLevel)
	slog.Info("DataAegis Gateway starting up", "version", version)
	slog.Info("配置加载并解析成功", "path", configFilePath)

	instanceDir := filepath.Join(rootDir, "instance")
	if _, err := os.Stat(instanceDir); os.IsNotExist(err) {
		_ = os.MkdirAll(instanceDir, 0755)
	}

	sysDB, err := initPlatformDB(filepath.Join(instanceDir, "platform.db"))
	if err != nil {
		log.Fatalf("CRITICAL: 初始化平台数据库失败: %v", err)
	}
	defer func() {
		slog.Info("正在关闭平台数据库连接...")
		if err := sysDB.Close(); err != nil {
			slog.Error("关闭平台数据库时发生错误", "error", err)
		}
	}()

	if err := store.InitPlatformTables(sysDB); err != nil {
		log.Fatalf("CRITICAL: 初始化平台系统表失败: %v", err)
	}

	// --- 凭据保险库与连接注册表 ---
	fileVault, err := vault.Load(filepath.Join(instanceDir, "vault.key"))
	if err != nil {
		log.Fatalf("CRITICAL: 初始化凭据保险库失败: %v", err)
	}
	registry, err := store.NewRegistry(sysDB)
	if err != nil {
		log.Fatalf("CRITICAL: 初始化连接注册表失败: %v", err)
	}

	// --- RBAC ---
	authority, err := rbac.NewAuthority(sysDB)
	if err != nil {
		log.Fatalf("CRITICAL: 初始化 RBAC Authority 失败: %v", err)
	}
	slog.Info("服务层: RBAC Authority 初始化完成")

	// 首次启动没有任何 API Key 时签发一把管理员密钥，明文只打印这一次
	if authority.KeyCount() == 0 {
		_, secret, err := authority.CreateKey(context.Background(), "bootstrap-admin", []string{domain.RoleAdmin})
		if err != nil {
			log.Fatalf("CRITICAL: 签发引导管理员密钥失败: %v", err)
		}
		slog.Warn("系统中无任何 API Key，已签发引导管理员密钥（仅此一次展示，请立即妥善保存）",
			"secret", secret)
	}

	// --- 连接池与后端连接器 ---
	manager, err := pool.NewManager(fileVault, registry, pool.Options{
		MaxLeases:      config.Pool.MaxLeases,
		LeaseWait:      time.Duration(config.Pool.LeaseWaitSeconds) * time.Second,
		HealthInterval: time.Duration(config.Pool.HealthIntervalSecs) * time.Second,
	})
	if err != nil {
		log.Fatalf("CRITICAL: 初始化连接池失败: %v", err)
	}
	defer manager.Close()

	manager.RegisterConnector(sqlite.NewConnector())
	manager.RegisterConnector(postgres.NewConnector())
	manager.RegisterConnector(mysqlconn.NewConnector())
	manager.RegisterConnector(snowflake.NewConnector())
	manager.RegisterConnector(biserver.NewConnector())
	manager.RegisterConnector(s3store.NewConnector())
	manager.RegisterConnector(localfs.NewConnector())
	slog.Info("服务层: 连接池初始化完成", "backends", manager.ConnectorTypes())

	if err := manager.LoadPersisted(context.Background()); err != nil {
		slog.Error("从注册表恢复连接失败", "error", err)
	}

	// --- AI 洞察 (可选) ---
	var insightSvc *insight.Service
	if config.AI.GeminiAPIKey != "" {
		gemini, err := textgen.NewGemini(context.Background(), config.AI.GeminiAPIKey, config.AI.Model)
		if err != nil {
			log.Fatalf("CRITICAL: 初始化 Gemini 适配器失败: %v", err)
		}
		insightSvc = insight.New(gemini, config.AI.SampleLimit)
		slog.Info("服务层: AI 洞察已启用", "model", config.AI.Model)
	} else {
		slog.Info("服务层: 未配置 Gemini API Key，AI 洞察端点将不可用")
	}

	// --- 限流 ---
	keyLimiter := aegmiddleware.NewKeyRateLimiter(
		config.RateLimit.PerKeyLimit,
		time.Duration(config.RateLimit.WindowMinutes)*time.Minute,
	)
	ipLimiter := aegmiddleware.NewIPRateLimiter(config.RateLimit.IPRate, config.RateLimit.IPBurst)
	slog.Info("服务层: 限流器初始化完成",
		"per_key_limit", config.RateLimit.PerKeyLimit, "window_minutes", config.RateLimit.WindowMinutes)

	httpRouter := router.New(router.Dependencies{
		Authority:  authority,
		Pool:       manager,
		Insight:    insightSvc,
		KeyLimiter: keyLimiter,
		IPLimiter:  ipLimiter,
	})
	slog.Info("传输层: HTTP 路由器创建完成。")

	addr := fmt.Sprintf(":%d", config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           httpRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("DataAegis Gateway 启动成功，开始监听HTTP请求...", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP服务启动失败", "error", err)
			os.Exit(1)
		}
	}()

	if config.Pprof {
		aegobserve.EnablePprof("0.0.0.0:6060")
	}
	aegobserve.Register()
	slog.Info("监控: metrics 已注册。")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("收到停机信号，准备优雅关闭...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("HTTP服务优雅关闭失败", "error", err)
		os.Exit(1)
	}

	slog.Info("HTTP服务已成功关闭。")
	slog.Info("程序即将退出。")
}

// initPlatformDB 封装了平台数据库的初始化逻辑
func initPlatformDB(path string) (*sql.DB, error) {
	// modernc.org/sqlite 只认 _pragma=name(value) 形式的 DSN 参数
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开/创建平台数据库 '%s' 失败: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("连接平台数据库 '%s' (Ping) 失败: %w", path, err)
	}
	return db, nil
}
