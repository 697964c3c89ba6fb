// Package rbac — 角色/权限/主体表 + API Key 鉴权
// file: internal/service/rbac/rbac.go
package rbac

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
)

// secretPrefix 让密钥在日志/泄漏扫描里可被识别为本系统签发
const secretPrefix = "aeg_"

// Authority 是 RBAC 裁决中心：角色、权限、主体都是数据而非状态机。
// 读远多于写，内存表用 RWMutex；所有变更同步落到系统库，重启后不丢。
type Authority struct {
	db *sql.DB

	mu        sync.RWMutex
	roles     map[string]*domain.Role   // 角色名 -> 角色
	keys      map[string]*domain.APIKey // key_id -> 主体
	hashIndex map[string]string         // secret_hash -> key_id
}

// NewAuthority 创建 Authority 并从系统库恢复角色与主体，
// 随后注入内建角色种子。种子校验失败属于致命错误，应中止启动。
func NewAuthority(db *sql.DB) (*Authority, error) {
	if db == nil {
		return nil, fmt.Errorf("NewAuthority 需要有效的数据库连接")
	}
	a := &Authority{
		db:        db,
		roles:     make(map[string]*domain.Role),
		keys:      make(map[string]*domain.APIKey),
		hashIndex: make(map[string]string),
	}
	if err := a.seedBuiltInRoles(); err != nil {
		return nil, fmt.Errorf("注入内建角色失败: %w", err)
	}
	if err := a.loadRoles(); err != nil {
		return nil, fmt.Errorf("恢复角色表失败: %w", err)
	}
	if err := a.verifyBuiltInRoles(); err != nil {
		return nil, fmt.Errorf("内建角色校验失败: %w", err)
	}
	if err := a.loadKeys(); err != nil {
		return nil, fmt.Errorf("恢复 API Key 表失败: %w", err)
	}
	slog.Info("RBAC: 裁决中心初始化完成", "roles", len(a.roles), "keys", len(a.keys))
	return a, nil
}

/* ---------- 启动期：种子与恢复 ---------- */

func (a *Authority) seedBuiltInRoles() error {
	for _, role := range domain.BuiltInRoles() {
		if _, err := a.db.Exec(
			`INSERT OR IGNORE INTO role(name, description, built_in) VALUES (?, ?, TRUE)`,
			role.Name, role.Description); err != nil {
			return fmt.Errorf("写入内建角色 '%s' 失败: %w", role.Name, err)
		}
		for _, perm := range role.Permissions {
			if _, err := a.db.Exec(
				`INSERT OR IGNORE INTO role_permission(role_name, permission) VALUES (?, ?)`,
				role.Name, string(perm)); err != nil {
				return fmt.Errorf("写入内建角色 '%s' 权限失败: %w", role.Name, err)
			}
		}
	}
	return nil
}

func (a *Authority) loadRoles() error {
	rows, err := a.db.Query(`SELECT name, description, built_in FROM role`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		role := &domain.Role{}
		if err := rows.Scan(&role.Name, &role.Description, &role.BuiltIn); err != nil {
			return err
		}
		a.roles[role.Name] = role
	}
	if err := rows.Err(); err != nil {
		return err
	}

	permRows, err := a.db.Query(`SELECT role_name, permission FROM role_permission`)
	if err != nil {
		return err
	}
	defer permRows.Close()
	for permRows.Next() {
		var roleName, perm string
		if err := permRows.Scan(&roleName, &perm); err != nil {
			return err
		}
		if role, ok := a.roles[roleName]; ok {
			role.Permissions = append(role.Permissions, domain.Permission(perm))
		}
	}
	return permRows.Err()
}

// verifyBuiltInRoles 保证最小可用的管理通路始终存在：
// 四个内建角色必须在位且权限集合与编译期定义一致。
func (a *Authority) verifyBuiltInRoles() error {
	for _, want := range domain.BuiltInRoles() {
		got, ok := a.roles[want.Name]
		if !ok || !got.BuiltIn {
			return fmt.Errorf("内建角色 '%s' 缺失或被降级", want.Name)
		}
		if !samePermissionSet(got.Permissions, want.Permissions) {
			return fmt.Errorf("内建角色 '%s' 的权限集合与规范定义不一致", want.Name)
		}
	}
	return nil
}

func samePermissionSet(a, b []domain.Permission) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[domain.Permission]struct{}, len(a))
	for _, p := range a {
		set[p] = struct{}{}
	}
	for _, p := range b {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

func (a *Authority) loadKeys() error {
	rows, err := a.db.Query(`SELECT key_id, secret_hash, display_name, created_at, revoked FROM api_key`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		key := &domain.APIKey{}
		var createdAt string
		if err := rows.Scan(&key.ID, &key.SecretHash, &key.DisplayName, &createdAt, &key.Revoked); err != nil {
			return err
		}
		if t, err := time.Parse("2006-01-02 15:04:05", createdAt); err == nil {
			key.CreatedAt = t
		}
		a.keys[key.ID] = key
		a.hashIndex[key.SecretHash] = key.ID
	}
	if err := rows.Err(); err != nil {
		return err
	}

	bindRows, err := a.db.Query(`SELECT key_id, role_name FROM api_key_role`)
	if err != nil {
		return err
	}
	defer bindRows.Close()
	for bindRows.Next() {
		var keyID, roleName string
		if err := bindRows.Scan(&keyID, &roleName); err != nil {
			return err
		}
		if key, ok := a.keys[keyID]; ok {
			key.Roles = append(key.Roles, roleName)
		}
	}
	return bindRows.Err()
}

/* ---------- 主体 (API Key) 管理 ---------- */

// hashSecret 是密钥明文到索引哈希的确定性映射。
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// CreateKey 签发一个新主体：返回 key_id 与密钥明文。
// 明文只在这里出现一次，之后系统里只剩哈希。
func (a *Authority) CreateKey(ctx context.Context, displayName string, roleNames []string) (*domain.APIKey, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, name := range roleNames {
		if _, ok := a.roles[name]; !ok {
			return nil, "", fmt.Errorf("%w: '%s'", port.ErrUnknownRole, name)
		}
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("生成密钥失败: %w", err)
	}
	secret := secretPrefix + hex.EncodeToString(raw)

	key := &domain.APIKey{
		ID:          uuid.New().String(),
		SecretHash:  hashSecret(secret),
		DisplayName: displayName,
		Roles:       append([]string(nil), roleNames...),
		CreatedAt:   time.Now().UTC(),
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO api_key(key_id, secret_hash, display_name, revoked) VALUES (?, ?, ?, FALSE)`,
		key.ID, key.SecretHash, key.DisplayName); err != nil {
		return nil, "", fmt.Errorf("写入 api_key 失败: %w", err)
	}
	for _, name := range key.Roles {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO api_key_role(key_id, role_name) VALUES (?, ?)`, key.ID, name); err != nil {
			return nil, "", fmt.Errorf("写入 api_key_role 失败: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("提交事务失败: %w", err)
	}

	a.keys[key.ID] = key
	a.hashIndex[key.SecretHash] = key.ID
	return key, secret, nil
}

// Authenticate 根据密钥明文查找主体。
// 未知密钥 -> ErrAuthentication；已吊销 -> ErrRevokedKey（吊销后下一请求即生效，无宽限期）。
func (a *Authority) Authenticate(secret string) (*domain.APIKey, error) {
	hash := hashSecret(secret)
	a.mu.RLock()
	defer a.mu.RUnlock()

	keyID, ok := a.hashIndex[hash]
	if !ok {
		return nil, port.ErrAuthentication
	}
	key := a.keys[keyID]
	// 哈希索引命中后再做一次常量时间比较，防御索引被污染的情况
	if subtle.ConstantTimeCompare([]byte(key.SecretHash), []byte(hash)) != 1 {
		return nil, port.ErrAuthentication
	}
	if key.Revoked {
		return nil, port.ErrRevokedKey
	}
	return key.Clone(), nil
}

// RevokeKey 置位吊销标志。对未知 key_id 返回 ErrNotFound。
func (a *Authority) RevokeKey(ctx context.Context, keyID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key, ok := a.keys[keyID]
	if !ok {
		return port.ErrNotFound
	}
	if _, err := a.db.ExecContext(ctx, `UPDATE api_key SET revoked = TRUE WHERE key_id = ?`, keyID); err != nil {
		return fmt.Errorf("持久化吊销标志失败: %w", err)
	}
	key.Revoked = true
	slog.Warn("RBAC: API Key 已吊销", "key_id", keyID, "display_name", key.DisplayName)
	return nil
}

// AssignRoles 整体替换主体的角色集合（非增量，避免权限漂移）。
// 任一角色名未注册则整次失败。
func (a *Authority) AssignRoles(ctx context.Context, keyID string, roleNames []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	key, ok := a.keys[keyID]
	if !ok {
		return port.ErrNotFound
	}
	for _, name := range roleNames {
		if _, ok := a.roles[name]; !ok {
			return fmt.Errorf("%w: '%s'", port.ErrUnknownRole, name)
		}
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM api_key_role WHERE key_id = ?`, keyID); err != nil {
		return fmt.Errorf("清空旧角色绑定失败: %w", err)
	}
	for _, name := range roleNames {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO api_key_role(key_id, role_name) VALUES (?, ?)`, keyID, name); err != nil {
			return fmt.Errorf("写入角色绑定失败: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}

	key.Roles = append([]string(nil), roleNames...)
	return nil
}

// IsLastActiveAdmin 报告 keyID 是否是最后一个持有 admin 角色的未吊销主体。
// 供网关在整体替换角色前做确认拦截。
func (a *Authority) IsLastActiveAdmin(keyID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	target, ok := a.keys[keyID]
	if !ok || target.Revoked || !hasRole(target, domain.RoleAdmin) {
		return false
	}
	for id, key := range a.keys {
		if id == keyID || key.Revoked {
			continue
		}
		if hasRole(key, domain.RoleAdmin) {
			return false
		}
	}
	return true
}

func hasRole(key *domain.APIKey, role string) bool {
	for _, r := range key.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ListKeys 返回全部主体快照（不含哈希）。
func (a *Authority) ListKeys() []*domain.APIKey {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*domain.APIKey, 0, len(a.keys))
	for _, key := range a.keys {
		out = append(out, key.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// KeyCount 返回主体数量，供启动期的引导逻辑判断是否需要自举管理员。
func (a *Authority) KeyCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

/* ---------- 角色管理 ---------- */

// CreateRole 注册用户自定义角色。权限必须全部落在闭集枚举内。
func (a *Authority) CreateRole(ctx context.Context, name, description string, perms []domain.Permission) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.roles[name]; exists {
		return fmt.Errorf("%w: '%s'", port.ErrDuplicateRole, name)
	}
	for _, p := range perms {
		if !p.Valid() {
			return fmt.Errorf("%w: '%s'", port.ErrInvalidPermission, p)
		}
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO role(name, description, built_in) VALUES (?, ?, FALSE)`, name, description); err != nil {
		return fmt.Errorf("写入角色失败: %w", err)
	}
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO role_permission(role_name, permission) VALUES (?, ?)`, name, string(p)); err != nil {
			return fmt.Errorf("写入角色权限失败: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}

	a.roles[name] = &domain.Role{
		Name:        name,
		Description: description,
		Permissions: append([]domain.Permission(nil), perms...),
	}
	return nil
}

// DeleteRole 删除用户自定义角色；内建角色不可删除。
// 权限行与主体绑定行在同一事务里显式清除，不依赖外键级联：
// 残留的 role_permission 行会让同名新角色复活旧权限。
func (a *Authority) DeleteRole(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	role, ok := a.roles[name]
	if !ok {
		return fmt.Errorf("%w: '%s'", port.ErrUnknownRole, name)
	}
	if role.BuiltIn {
		return fmt.Errorf("%w: 内建角色 '%s' 不可删除", port.ErrAuthorization, name)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM role_permission WHERE role_name = ?`, name); err != nil {
		return fmt.Errorf("删除角色权限失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM api_key_role WHERE role_name = ?`, name); err != nil {
		return fmt.Errorf("删除角色绑定失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM role WHERE name = ?`, name); err != nil {
		return fmt.Errorf("删除角色失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}

	delete(a.roles, name)
	for _, key := range a.keys {
		key.Roles = removeRole(key.Roles, name)
	}
	return nil
}

func removeRole(roles []string, name string) []string {
	out := roles[:0]
	for _, r := range roles {
		if r != name {
			out = append(out, r)
		}
	}
	return out
}

// ListRoles 返回全部角色快照。
func (a *Authority) ListRoles() []*domain.Role {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*domain.Role, 0, len(a.roles))
	for _, role := range a.roles {
		cp := *role
		cp.Permissions = append([]domain.Permission(nil), role.Permissions...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

/* ---------- 裁决 ---------- */

// CheckPermission 报告主体是否持有 perm：
// 真值当且仅当 perm 属于其当前角色集合权限的并集。
// 未知主体返回 false，绝不抛错；每次裁决都读取当前角色表，无跨请求缓存。
func (a *Authority) CheckPermission(keyID string, perm domain.Permission) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	key, ok := a.keys[keyID]
	if !ok || key.Revoked {
		return false
	}
	for _, roleName := range key.Roles {
		role, ok := a.roles[roleName]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			if p == perm {
				return true
			}
		}
	}
	return false
}
