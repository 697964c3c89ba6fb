// file: internal/adapter/connector/sqlite/sqlite_test.go
package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DataAegis/internal/core/port"
)

func TestConnectAndSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "orders.db")

	connector := NewConnector()
	if connector.Type() != "sqlite" {
		t.Fatalf("后端类型不符: %s", connector.Type())
	}

	conn, err := connector.Connect(ctx, map[string]string{"path": path})
	if err != nil {
		t.Fatalf("建连失败: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	sqliteConn := conn.(*Conn)
	setup := []string{
		`CREATE TABLE orders (id INTEGER PRIMARY KEY, amount REAL, note TEXT)`,
		`CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT)`,
		`INSERT INTO orders VALUES (1, 19.99, 'first')`,
	}
	for _, stmt := range setup {
		if _, err := sqliteConn.DB().ExecContext(ctx, stmt); err != nil {
			t.Fatalf("准备数据失败: %v", err)
		}
	}

	t.Run("查询", func(t *testing.T) {
		rs, err := conn.ExecuteQuery(ctx, "SELECT id, amount, note FROM orders", nil)
		require.NoError(t, err)
		assert.Len(t, rs.Rows, 1)
		assert.Len(t, rs.Columns, 3)
	})

	t.Run("Schema 枚举", func(t *testing.T) {
		schema, err := conn.GetSchema(ctx)
		require.NoError(t, err)
		require.Len(t, schema.Tables, 2)
		// sqlite_master 查询带 ORDER BY
		assert.Equal(t, "orders", schema.Tables[0].Name)
		assert.Equal(t, "users", schema.Tables[1].Name)
		cols := schema.Tables[0].Columns
		require.Len(t, cols, 3)
		assert.Equal(t, "integer", cols[0].Type)
		assert.Equal(t, "float", cols[1].Type)
		assert.Equal(t, "string", cols[2].Type)
	})

	t.Run("探活", func(t *testing.T) {
		if !conn.TestConnection(ctx) {
			t.Fatal("活连接的探活不应失败")
		}
	})

	t.Run("语法错误分类", func(t *testing.T) {
		_, err := conn.ExecuteQuery(ctx, "SELECT * FROM no_such_table", nil)
		if !port.IsQueryErr(err, port.QuerySyntax) {
			t.Fatalf("期望 syntax 类查询错误，实际 %v", err)
		}
	})
}

func TestConnectMissingPath(t *testing.T) {
	_, err := NewConnector().Connect(context.Background(), map[string]string{})
	var ce *port.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("缺少 path 参数应返回 ConnectionError，实际 %v", err)
	}
}
