// Package snowflake — Snowflake 列式分析仓库连接器
// file: internal/adapter/connector/snowflake/snowflake.go
package snowflake

import (
	"context"
	"errors"
	"fmt"

	sf "github.com/snowflakedb/gosnowflake"

	"DataAegis/internal/adapter/connector/sqlcommon"
	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
)

const backendType = "snowflake"

type Connector struct{}

var _ port.Connector = (*Connector)(nil)

func NewConnector() *Connector { return &Connector{} }

func (c *Connector) Type() string { return backendType }

func (c *Connector) Connect(ctx context.Context, params domain.ConnParams) (port.Conn, error) {
	for _, required := range []string{"account", "user", "password", "database"} {
		if params.Get(required) == "" {
			return nil, port.NewConnectionError(port.ConnRefused, backendType,
				fmt.Errorf("缺少必需参数 '%s'", required))
		}
	}

	dsn, err := sf.DSN(&sf.Config{
		Account:   params.Get("account"),
		User:      params.Get("user"),
		Password:  params.Get("password"),
		Database:  params.Get("database"),
		Schema:    params.GetDefault("schema", "PUBLIC"),
		Warehouse: params.Get("warehouse"),
		Role:      params.Get("role"),
	})
	if err != nil {
		return nil, port.NewConnectionError(port.ConnRefused, backendType,
			fmt.Errorf("组装 DSN 失败: %w", err))
	}

	db, err := sqlcommon.Open(ctx, "snowflake", dsn, backendType)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: sqlcommon.New(db, backendType, classify)}, nil
}

// classify 按服务端错误号细分：1003 是 SQL 编译错误，
// 3001/3030 是对象权限不足。
func classify(err error) (port.QueryErrKind, bool) {
	var sfErr *sf.SnowflakeError
	if !errors.As(err, &sfErr) {
		return "", false
	}
	switch sfErr.Number {
	case 1003:
		return port.QuerySyntax, true
	case 3001, 3030:
		return port.QueryPermissionDenied, true
	}
	return "", false
}

type Conn struct {
	*sqlcommon.Conn
}

var _ port.Conn = (*Conn)(nil)

func (c *Conn) GetSchema(ctx context.Context) (*domain.SchemaDescriptor, error) {
	rows, err := c.DB().QueryContext(ctx, `
		SELECT TABLE_NAME, COLUMN_NAME, DATA_TYPE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = CURRENT_SCHEMA()
		ORDER BY TABLE_NAME, ORDINAL_POSITION`)
	if err != nil {
		return nil, port.NewQueryError(port.QueryUnknown, backendType, err)
	}
	defer rows.Close()

	schema := &domain.SchemaDescriptor{}
	var current *domain.TableSchema
	for rows.Next() {
		var table, column, dtype string
		if err := rows.Scan(&table, &column, &dtype); err != nil {
			return nil, port.NewQueryError(port.QueryUnknown, backendType, err)
		}
		if current == nil || current.Name != table {
			schema.Tables = append(schema.Tables, domain.TableSchema{Name: table})
			current = &schema.Tables[len(schema.Tables)-1]
		}
		current.Columns = append(current.Columns, domain.Column{
			Name: column,
			Type: sqlcommon.NormalizeDBType(dtype),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, port.NewQueryError(port.QueryUnknown, backendType, err)
	}
	return schema, nil
}
