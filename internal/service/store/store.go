// Package store — 平台系统库：连接注册表与 RBAC 的持久化层。
// file: internal/service/store/store.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
)

// InitPlatformTables 负责在系统启动时，检查并创建所有平台级的系统管理表。
func InitPlatformTables(db *sql.DB) error {
	if err := initKeyTables(db); err != nil {
		return fmt.Errorf("初始化 API Key 表失败: %w", err)
	}
	if err := initRoleTables(db); err != nil {
		return fmt.Errorf("初始化角色表失败: %w", err)
	}
	if err := initRegistryTable(db); err != nil {
		return fmt.Errorf("初始化连接注册表失败: %w", err)
	}
	return nil
}

// initKeyTables 创建 API Key 及其角色绑定表
func initKeyTables(db *sql.DB) error {
	queryKey := `
    CREATE TABLE IF NOT EXISTS api_key(
        key_id TEXT PRIMARY KEY,
        secret_hash TEXT UNIQUE NOT NULL,
        display_name TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        revoked BOOLEAN DEFAULT FALSE NOT NULL
    );`
	if _, err := db.Exec(queryKey); err != nil {
		return fmt.Errorf("创建 'api_key' 表失败: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_api_key_hash ON api_key (secret_hash);`); err != nil {
		return err
	}

	queryKeyRole := `
    CREATE TABLE IF NOT EXISTS api_key_role(
        key_id TEXT NOT NULL,
        role_name TEXT NOT NULL,
        PRIMARY KEY (key_id, role_name),
        FOREIGN KEY (key_id) REFERENCES api_key(key_id) ON DELETE CASCADE
    );`
	_, err := db.Exec(queryKeyRole)
	return err
}

// initRoleTables 创建角色与权限绑定表
func initRoleTables(db *sql.DB) error {
	queryRole := `
    CREATE TABLE IF NOT EXISTS role(
        name TEXT PRIMARY KEY,
        description TEXT NOT NULL DEFAULT '',
        built_in BOOLEAN DEFAULT FALSE NOT NULL
    );`
	if _, err := db.Exec(queryRole); err != nil {
		return fmt.Errorf("创建 'role' 表失败: %w", err)
	}

	queryRolePerm := `
    CREATE TABLE IF NOT EXISTS role_permission(
        role_name TEXT NOT NULL,
        permission TEXT NOT NULL,
        PRIMARY KEY (role_name, permission),
        FOREIGN KEY (role_name) REFERENCES role(name) ON DELETE CASCADE
    );`
	_, err := db.Exec(queryRolePerm)
	return err
}

// initRegistryTable 创建连接注册表。params_cipher 一律是 Vault 密文。
func initRegistryTable(db *sql.DB) error {
	query := `
    CREATE TABLE IF NOT EXISTS connection_registry(
        name TEXT PRIMARY KEY,
        backend_type TEXT NOT NULL,
        params_cipher BLOB NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );`
	_, err := db.Exec(query)
	return err
}

// Registry 是连接注册表的持久化访问器。
type Registry struct {
	db *sql.DB
}

// NewRegistry 创建 Registry，db 不能为空。
func NewRegistry(db *sql.DB) (*Registry, error) {
	if db == nil {
		return nil, errors.New("Registry 需要有效的数据库连接")
	}
	return &Registry{db: db}, nil
}

// SaveConnection 写入一条注册记录；同名记录已存在时返回 port.ErrDuplicateName。
func (r *Registry) SaveConnection(ctx context.Context, name, backendType string, paramsCipher []byte) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO connection_registry(name, backend_type, params_cipher) VALUES (?, ?, ?)`,
		name, backendType, paramsCipher)
	if err != nil {
		return fmt.Errorf("写入连接注册表失败: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return port.ErrDuplicateName
	}
	return nil
}

// DeleteConnection 删除注册记录，对不存在的名字是无害的空操作。
func (r *Registry) DeleteConnection(ctx context.Context, name string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM connection_registry WHERE name = ?`, name); err != nil {
		return fmt.Errorf("删除连接注册记录 '%s' 失败: %w", name, err)
	}
	return nil
}

// ListConnections 返回全部注册记录（参数仍为密文）。
func (r *Registry) ListConnections(ctx context.Context) ([]domain.ConnectionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, backend_type, params_cipher, created_at FROM connection_registry ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("读取连接注册表失败: %w", err)
	}
	defer rows.Close()

	var records []domain.ConnectionRecord
	for rows.Next() {
		var rec domain.ConnectionRecord
		var createdAt string
		if err := rows.Scan(&rec.Name, &rec.Type, &rec.ParamsCipher, &createdAt); err != nil {
			return nil, fmt.Errorf("扫描连接注册记录失败: %w", err)
		}
		if t, err := time.Parse("2006-01-02 15:04:05", createdAt); err == nil {
			rec.CreatedAt = t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
