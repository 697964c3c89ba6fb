// Package mysqlconn — MySQL 后端连接器
// file: internal/adapter/connector/mysqlconn/mysql.go
package mysqlconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"DataAegis/internal/adapter/connector/sqlcommon"
	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
)

const backendType = "mysql"

type Connector struct{}

var _ port.Connector = (*Connector)(nil)

func NewConnector() *Connector { return &Connector{} }

func (c *Connector) Type() string { return backendType }

func (c *Connector) Connect(ctx context.Context, params domain.ConnParams) (port.Conn, error) {
	for _, required := range []string{"host", "user", "dbname"} {
		if params.Get(required) == "" {
			return nil, port.NewConnectionError(port.ConnRefused, backendType,
				fmt.Errorf("缺少必需参数 '%s'", required))
		}
	}

	// mysql.Config 负责 DSN 细节，避免手拼转义
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%s", params.Get("host"), params.GetDefault("port", "3306"))
	cfg.User = params.Get("user")
	cfg.Passwd = params.Get("password")
	cfg.DBName = params.Get("dbname")
	cfg.ParseTime = true
	cfg.Timeout = 10 * time.Second

	db, err := sqlcommon.Open(ctx, "mysql", cfg.FormatDSN(), backendType)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: sqlcommon.New(db, backendType, classify)}, nil
}

// classify 按服务端错误号细分：1064 语法错误，1044/1142/1143 权限不足。
func classify(err error) (port.QueryErrKind, bool) {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return "", false
	}
	switch myErr.Number {
	case 1064, 1054, 1146:
		return port.QuerySyntax, true
	case 1044, 1142, 1143:
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
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE()
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
