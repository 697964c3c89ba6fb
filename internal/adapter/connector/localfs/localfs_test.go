// file: internal/adapter/connector/localfs/localfs_test.go
package localfs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
)

func writeCSV(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("写入测试 CSV 失败: %v", err)
	}
}

func connect(t *testing.T, dir string) port.Conn {
	t.Helper()
	conn, err := NewConnector().Connect(context.Background(), domain.ConnParams{"path": dir})
	if err != nil {
		t.Fatalf("建连失败: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestCSVParseAndTypeInference(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "orders.csv",
		"id,amount,shipped,note,created\n"+
			"1,19.99,true,first,2026-01-15\n"+
			"2,5,false,,2026-02-01\n")
	conn := connect(t, dir)

	rs, err := conn.ExecuteQuery(context.Background(), "orders", nil)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}

	wantTypes := []string{"integer", "float", "boolean", "string", "datetime"}
	for i, col := range rs.Columns {
		if col.Type != wantTypes[i] {
			t.Errorf("列 %s 类型推断不符: 期望 %s 实际 %s", col.Name, wantTypes[i], col.Type)
		}
	}
	if len(rs.Rows) != 2 {
		t.Fatalf("期望 2 行，实际 %d", len(rs.Rows))
	}
	first := rs.Rows[0]
	if first[0].Int != 1 || first[1].Float != 19.99 || first[2].Bool != true {
		t.Fatalf("首行值归一不符: %+v", first)
	}
	// 整数列里混小数 → 整列升格为 float
	if rs.Rows[1][1].Kind != domain.KindFloat || rs.Rows[1][1].Float != 5 {
		t.Fatalf("混合数值列应升格为 float: %+v", rs.Rows[1][1])
	}
	// 空单元格 → null
	if rs.Rows[1][3].Kind != domain.KindNull {
		t.Fatalf("空单元格应归一为 null: %+v", rs.Rows[1][3])
	}
}

func TestQueryLimit(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "big.csv", "n\n1\n2\n3\n4\n5\n")
	conn := connect(t, dir)

	rs, err := conn.ExecuteQuery(context.Background(), "big limit 3", nil)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(rs.Rows) != 3 {
		t.Fatalf("limit 未生效: %d 行", len(rs.Rows))
	}

	t.Run("非法 limit", func(t *testing.T) {
		_, err := conn.ExecuteQuery(context.Background(), "big limit abc", nil)
		if !port.IsQueryErr(err, port.QuerySyntax) {
			t.Fatalf("期望 QuerySyntax，实际 %v", err)
		}
	})
}

func TestUnknownTableAndEmptyFile(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "empty.csv", "")
	conn := connect(t, dir)

	t.Run("不存在的表", func(t *testing.T) {
		_, err := conn.ExecuteQuery(context.Background(), "ghost", nil)
		if !port.IsQueryErr(err, port.QuerySyntax) {
			t.Fatalf("期望 QuerySyntax，实际 %v", err)
		}
	})

	t.Run("空文件缺列头", func(t *testing.T) {
		_, err := conn.ExecuteQuery(context.Background(), "empty", nil)
		if !port.IsQueryErr(err, port.QuerySyntax) {
			t.Fatalf("期望 QuerySyntax，实际 %v", err)
		}
	})
}

func TestGetSchema(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "users.csv", "id,email\n1,a@b.c\n")
	writeCSV(t, dir, "orders.csv", "id,total\n1,9.5\n")
	writeCSV(t, dir, "notes.txt", "not a table")
	conn := connect(t, dir)

	schema, err := conn.GetSchema(context.Background())
	if err != nil {
		t.Fatalf("GetSchema 失败: %v", err)
	}
	if len(schema.Tables) != 2 {
		t.Fatalf("只有 .csv 文件算表，期望 2 张实际 %d", len(schema.Tables))
	}
	if schema.Tables[0].Name != "orders" || schema.Tables[1].Name != "users" {
		t.Fatalf("表清单应按名称排序: %+v", schema.Tables)
	}
}

func TestWatcherRefreshesTableList(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "first.csv", "a\n1\n")
	conn := connect(t, dir)

	// 新文件落盘后，防抖窗口过去清单应包含它
	writeCSV(t, dir, "second.csv", "b\n2\n")
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := conn.ExecuteQuery(context.Background(), "second", nil); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("监视器未在期限内刷新表清单")
		}
		time.Sleep(50 * time.Millisecond)
	}

	// 删除后清单应移除
	if err := os.Remove(filepath.Join(dir, "second.csv")); err != nil {
		t.Fatalf("删除测试文件失败: %v", err)
	}
	deadline = time.Now().Add(3 * time.Second)
	for {
		if _, err := conn.ExecuteQuery(context.Background(), "second", nil); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("监视器未在期限内移除已删除的表")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestConnectRejectsBadRoot(t *testing.T) {
	t.Run("缺少参数", func(t *testing.T) {
		_, err := NewConnector().Connect(context.Background(), domain.ConnParams{})
		var ce *port.ConnectionError
		if !errors.As(err, &ce) {
			t.Fatalf("期望 ConnectionError，实际 %v", err)
		}
	})
	t.Run("不是目录", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "f.csv")
		if err := os.WriteFile(file, []byte("a\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := NewConnector().Connect(context.Background(), domain.ConnParams{"path": file})
		var ce *port.ConnectionError
		if !errors.As(err, &ce) {
			t.Fatalf("期望 ConnectionError，实际 %v", err)
		}
	})
}
