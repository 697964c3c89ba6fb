// Package sqlcommon — database/sql 后端家族的共享实现
// file: internal/adapter/connector/sqlcommon/sqlcommon.go
//
// sqlite / postgres / mysql / snowflake 四个连接器共用同一套
// 建连、扫描、类型归一与错误分类逻辑，各后端只负责 DSN 组装、
// 自己的 Schema 查询与驱动特有的错误细分。
package sqlcommon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
)

// Classifier 把驱动原生错误细分为查询错误类别；认不出时返回 ok=false，
// 由通用层兜底为 QueryUnknown。
type Classifier func(err error) (kind port.QueryErrKind, ok bool)

// Conn 是 database/sql 句柄上的 port.Conn 骨架。各后端在其上组合并
// 补齐自己的 GetSchema。
type Conn struct {
	db       *sql.DB
	backend  string
	classify Classifier
}

// New 包装一个已建连的 *sql.DB。classify 可为 nil。
func New(db *sql.DB, backend string, classify Classifier) *Conn {
	return &Conn{db: db, backend: backend, classify: classify}
}

// DB 暴露底层句柄，供各后端的 Schema 查询使用。
func (c *Conn) DB() *sql.DB { return c.db }

// Open 统一的建连入口：sql.Open 后立即 Ping 验证可达性，
// 失败时归类为 ConnectionError。
func Open(ctx context.Context, driver, dsn, backend string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, port.NewConnectionError(port.ConnRefused, backend, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, port.NewConnectionError(classifyConnErr(err), backend, err)
	}
	return db, nil
}

// classifyConnErr 按错误文本做粗分类：deadline → timeout，
// 认证字样 → auth_failed，其余一律 refused。
func classifyConnErr(err error) port.ConnErrKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return port.ConnTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"authentication", "access denied", "password", "login failed", "invalid credentials"} {
		if strings.Contains(msg, marker) {
			return port.ConnAuthFailed
		}
	}
	return port.ConnRefused
}

// ExecuteQuery 执行查询并把结果扫描为统一的 RowSet。
// 上下文超时归类为 QueryError{timeout}，底层操作随 ctx 一并取消。
func (c *Conn) ExecuteQuery(ctx context.Context, query string, args []any) (*domain.RowSet, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, c.wrapQueryErr(ctx, err)
	}
	defer rows.Close()

	rs, err := ScanRowSet(rows)
	if err != nil {
		return nil, c.wrapQueryErr(ctx, err)
	}
	return rs, nil
}

func (c *Conn) wrapQueryErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return port.NewQueryError(port.QueryTimeout, c.backend, err)
	}
	if c.classify != nil {
		if kind, ok := c.classify(err); ok {
			return port.NewQueryError(kind, c.backend, err)
		}
	}
	return port.NewQueryError(port.QueryUnknown, c.backend, err)
}

// TestConnection 是池健康检查用的廉价探针。
func (c *Conn) TestConnection(ctx context.Context) bool {
	return c.db.PingContext(ctx) == nil
}

// Close 释放连接池句柄；*sql.DB 的 Close 本身幂等。
func (c *Conn) Close() error { return c.db.Close() }

// ScanRowSet 把 *sql.Rows 扫描为 RowSet：列顺序保持结果集顺序，
// 值经 domain.FromNative 归一（[]byte 按内容判定文本或二进制）。
func ScanRowSet(rows *sql.Rows) (*domain.RowSet, error) {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("读取结果集列信息失败: %w", err)
	}
	rs := &domain.RowSet{Columns: make([]domain.Column, len(colTypes))}
	for i, ct := range colTypes {
		rs.Columns[i] = domain.Column{Name: ct.Name(), Type: NormalizeDBType(ct.DatabaseTypeName())}
	}

	for rows.Next() {
		scan := make([]any, len(colTypes))
		ptrs := make([]any, len(colTypes))
		for i := range scan {
			ptrs[i] = &scan[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("扫描行数据失败: %w", err)
		}
		row := make(domain.Row, len(scan))
		for i, v := range scan {
			row[i] = domain.FromNative(v)
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

// NormalizeDBType 把各驱动报告的列类型名压平到统一类型词表。
func NormalizeDBType(dbType string) string {
	t := strings.ToUpper(dbType)
	switch {
	case t == "":
		return "string"
	case strings.Contains(t, "INT") || t == "SERIAL" || t == "BIGSERIAL" || t == "NUMBER" || t == "FIXED":
		return "integer"
	case strings.Contains(t, "FLOAT") || strings.Contains(t, "DOUBLE") ||
		strings.Contains(t, "REAL") || strings.Contains(t, "DECIMAL") || strings.Contains(t, "NUMERIC"):
		return "float"
	case strings.Contains(t, "BOOL"):
		return "boolean"
	case strings.Contains(t, "TIMESTAMP") || strings.Contains(t, "DATE") || strings.Contains(t, "TIME"):
		return "datetime"
	case strings.Contains(t, "BLOB") || strings.Contains(t, "BINARY") || t == "BYTEA":
		return "binary"
	default:
		return "string"
	}
}
