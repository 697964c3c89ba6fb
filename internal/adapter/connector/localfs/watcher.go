// Package localfs file: internal/adapter/connector/localfs/watcher.go
package localfs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDuration = 200 * time.Millisecond

// Conn 持有表清单（文件名去掉 .csv 后缀 → 路径）并用 fsnotify
// 保持清单与目录同步。文件内容每次查询实时读取，不做缓存。
type Conn struct {
	root string

	mu     sync.RWMutex
	tables map[string]string

	watcher *fsnotify.Watcher

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	closeOnce sync.Once
}

func (c *Conn) tablePath(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	path, ok := c.tables[name]
	return path, ok
}

// refreshTables 全量重扫根目录，重建表清单。
func (c *Conn) refreshTables() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("扫描目录失败: %w", err)
	}
	tables := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".csv") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		tables[name] = filepath.Join(c.root, entry.Name())
	}
	c.mu.Lock()
	c.tables = tables
	c.mu.Unlock()
	return nil
}

// startWatcher 监视根目录，CSV 文件增删改时防抖后重扫表清单。
func (c *Conn) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建 fsnotify watcher 失败: %w", err)
	}
	c.watcher = watcher
	c.timers = make(map[string]*time.Timer)

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				c.handleFsEvent(event)
			case errWatch, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("localfs: 文件监视器报告错误", "error", errWatch)
			}
		}
	}()

	if err := watcher.Add(c.root); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("添加根目录 '%s' 到监视器失败: %w", c.root, err)
	}
	return nil
}

// handleFsEvent 对单个 CSV 文件事件做防抖，避免编辑器多次写入
// 触发连环重扫。
func (c *Conn) handleFsEvent(event fsnotify.Event) {
	cleanPath := filepath.Clean(event.Name)
	if !strings.HasSuffix(strings.ToLower(cleanPath), ".csv") {
		return
	}

	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if timer, exists := c.timers[cleanPath]; exists {
		timer.Stop()
	}
	c.timers[cleanPath] = time.AfterFunc(debounceDuration, func() {
		if err := c.refreshTables(); err != nil {
			slog.Warn("localfs: 重扫表清单失败", "path", cleanPath, "error", err)
		} else {
			slog.Info("localfs: 表清单已随文件变更刷新", "path", cleanPath)
		}
		c.timersMu.Lock()
		delete(c.timers, cleanPath)
		c.timersMu.Unlock()
	})
}

// Close 停止监视器并清空防抖定时器，多次调用幂等。
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.watcher != nil {
			_ = c.watcher.Close()
		}
		c.timersMu.Lock()
		for path, timer := range c.timers {
			timer.Stop()
			delete(c.timers, path)
		}
		c.timersMu.Unlock()
	})
	return nil
}
