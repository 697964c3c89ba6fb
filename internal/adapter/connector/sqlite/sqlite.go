// Package sqlite — 嵌入式 SQLite 后端连接器
// file: internal/adapter/connector/sqlite/sqlite.go
package sqlite

import (
	"context"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // 纯 Go 驱动，注册名 "sqlite"

	"DataAegis/internal/adapter/connector/sqlcommon"
	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
)

const backendType = "sqlite"

// Connector 按 path 参数打开本地数据库文件。
type Connector struct{}

var _ port.Connector = (*Connector)(nil)

func NewConnector() *Connector { return &Connector{} }

func (c *Connector) Type() string { return backendType }

func (c *Connector) Connect(ctx context.Context, params domain.ConnParams) (port.Conn, error) {
	path := params.Get("path")
	if path == "" {
		return nil, port.NewConnectionError(port.ConnRefused, backendType,
			fmt.Errorf("缺少必需参数 'path'"))
	}
	db, err := sqlcommon.Open(ctx, "sqlite", path, backendType)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: sqlcommon.New(db, backendType, classify)}, nil
}

func classify(err error) (port.QueryErrKind, bool) {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "syntax error"), strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such column"):
		return port.QuerySyntax, true
	case strings.Contains(msg, "readonly database"), strings.Contains(msg, "read-only"):
		return port.QueryPermissionDenied, true
	}
	return "", false
}

// Conn 在共享骨架上补齐 SQLite 专属的 Schema 枚举。
type Conn struct {
	*sqlcommon.Conn
}

var _ port.Conn = (*Conn)(nil)

func (c *Conn) GetSchema(ctx context.Context) (*domain.SchemaDescriptor, error) {
	rows, err := c.DB().QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, port.NewQueryError(port.QueryUnknown, backendType, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, port.NewQueryError(port.QueryUnknown, backendType, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, port.NewQueryError(port.QueryUnknown, backendType, err)
	}

	schema := &domain.SchemaDescriptor{}
	for _, name := range names {
		table, err := c.tableColumns(ctx, name)
		if err != nil {
			return nil, err
		}
		schema.Tables = append(schema.Tables, table)
	}
	return schema, nil
}

// tableColumns 通过 PRAGMA 枚举单表列。PRAGMA 不接受绑定参数，
// 表名来自 sqlite_master，双引号转义后内插。
func (c *Conn) tableColumns(ctx context.Context, table string) (domain.TableSchema, error) {
	quoted := `"` + strings.ReplaceAll(table, `"`, `""`) + `"`
	rows, err := c.DB().QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoted))
	if err != nil {
		return domain.TableSchema{}, port.NewQueryError(port.QueryUnknown, backendType, err)
	}
	defer rows.Close()

	ts := domain.TableSchema{Name: table}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return domain.TableSchema{}, port.NewQueryError(port.QueryUnknown, backendType, err)
		}
		ts.Columns = append(ts.Columns, domain.Column{
			Name: name,
			Type: sqlcommon.NormalizeDBType(ctype),
		})
	}
	if err := rows.Err(); err != nil {
		return domain.TableSchema{}, port.NewQueryError(port.QueryUnknown, backendType, err)
	}
	return ts, nil
}
