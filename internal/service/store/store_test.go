// file: internal/service/store/store_test.go
package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// newTestRegistry 用于初始化测试用 Registry 与 sqlmock
func newTestRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("初始化sqlmock失败: %v", err)
	}
	reg, err := NewRegistry(db)
	if err != nil {
		t.Fatalf("初始化Registry失败: %v", err)
	}
	teardown := func() { db.Close() }
	return reg, mock, teardown
}

func TestSaveConnection_Normal(t *testing.T) {
	reg, mock, teardown := newTestRegistry(t)
	defer teardown()

	mock.ExpectExec("INSERT OR IGNORE INTO connection_registry").
		WithArgs("sales_db", "postgres", []byte{0x01, 0x02}).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := reg.SaveConnection(context.Background(), "sales_db", "postgres", []byte{0x01, 0x02}); err != nil {
		t.Fatalf("正常写入不应报错: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("sqlmock 预期未满足: %v", err)
	}
}

func TestSaveConnection_Duplicate(t *testing.T) {
	reg, mock, teardown := newTestRegistry(t)
	defer teardown()

	// INSERT OR IGNORE 命中已有主键时影响 0 行
	mock.ExpectExec("INSERT OR IGNORE INTO connection_registry").
		WithArgs("sales_db", "postgres", []byte{0x01}).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := reg.SaveConnection(context.Background(), "sales_db", "postgres", []byte{0x01})
	if err == nil {
		t.Fatal("重名注册应返回错误")
	}
}

func TestListConnections_Normal(t *testing.T) {
	reg, mock, teardown := newTestRegistry(t)
	defer teardown()

	rows := sqlmock.NewRows([]string{"name", "backend_type", "params_cipher", "created_at"}).
		AddRow("sales_db", "postgres", []byte{0xAA}, "2026-08-01 10:00:00").
		AddRow("warehouse", "snowflake", []byte{0xBB}, "2026-08-02 11:30:00")
	mock.ExpectQuery("SELECT name, backend_type, params_cipher, created_at FROM connection_registry").
		WillReturnRows(rows)

	records, err := reg.ListConnections(context.Background())
	if err != nil {
		t.Fatalf("读取注册表失败: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("记录数应为2, 实际: %d", len(records))
	}
	if records[0].Name != "sales_db" || records[0].Type != "postgres" {
		t.Fatalf("记录内容不对: %+v", records[0])
	}
	if records[1].CreatedAt.IsZero() {
		t.Fatal("created_at 应被解析")
	}
}

func TestDeleteConnection_Idempotent(t *testing.T) {
	reg, mock, teardown := newTestRegistry(t)
	defer teardown()

	mock.ExpectExec("DELETE FROM connection_registry").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := reg.DeleteConnection(context.Background(), "ghost"); err != nil {
		t.Fatalf("删除不存在的记录应为空操作: %v", err)
	}
}
