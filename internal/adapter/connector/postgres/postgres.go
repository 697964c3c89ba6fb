// Package postgres — PostgreSQL 后端连接器 (pgx stdlib 驱动)
// file: internal/adapter/connector/postgres/postgres.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql 驱动，注册名 "pgx"

	"DataAegis/internal/adapter/connector/sqlcommon"
	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
)

const backendType = "postgres"

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
	dsn := buildDSN(params)
	db, err := sqlcommon.Open(ctx, "pgx", dsn, backendType)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: sqlcommon.New(db, backendType, classify)}, nil
}

// buildDSN 组装 key=value 形式的连接串，值含空格或引号时转义。
func buildDSN(params domain.ConnParams) string {
	pairs := []string{
		"host=" + quote(params.Get("host")),
		"port=" + quote(params.GetDefault("port", "5432")),
		"user=" + quote(params.Get("user")),
		"dbname=" + quote(params.Get("dbname")),
		"sslmode=" + quote(params.GetDefault("sslmode", "prefer")),
	}
	if pw := params.Get("password"); pw != "" {
		pairs = append(pairs, "password="+quote(pw))
	}
	return strings.Join(pairs, " ")
}

func quote(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// classify 按 SQLSTATE 类别细分：42 类是语法/对象错误，
// 42501 是权限不足。
func classify(err error) (port.QueryErrKind, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch {
	case pgErr.Code == "42501":
		return port.QueryPermissionDenied, true
	case strings.HasPrefix(pgErr.Code, "42"):
		return port.QuerySyntax, true
	}
	return "", false
}

type Conn struct {
	*sqlcommon.Conn
}

var _ port.Conn = (*Conn)(nil)

func (c *Conn) GetSchema(ctx context.Context) (*domain.SchemaDescriptor, error) {
	rows, err := c.DB().QueryContext(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
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
