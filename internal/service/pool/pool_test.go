// file: internal/service/pool/pool_test.go
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
)

/* ---------- 测试替身 ---------- */

type mockConn struct {
	ExecuteQueryFunc   func(ctx context.Context, query string, args []any) (*domain.RowSet, error)
	GetSchemaFunc      func(ctx context.Context) (*domain.SchemaDescriptor, error)
	TestConnectionFunc func(ctx context.Context) bool
	closed             atomic.Bool
}

func (m *mockConn) ExecuteQuery(ctx context.Context, query string, args []any) (*domain.RowSet, error) {
	if m.ExecuteQueryFunc != nil {
		return m.ExecuteQueryFunc(ctx, query, args)
	}
	return &domain.RowSet{}, nil
}

func (m *mockConn) GetSchema(ctx context.Context) (*domain.SchemaDescriptor, error) {
	if m.GetSchemaFunc != nil {
		return m.GetSchemaFunc(ctx)
	}
	return &domain.SchemaDescriptor{}, nil
}

func (m *mockConn) TestConnection(ctx context.Context) bool {
	if m.TestConnectionFunc != nil {
		return m.TestConnectionFunc(ctx)
	}
	return true
}

func (m *mockConn) Close() error {
	m.closed.Store(true)
	return nil
}

type mockConnector struct {
	TypeFunc    func() string
	ConnectFunc func(ctx context.Context, params domain.ConnParams) (port.Conn, error)
	connects    atomic.Int64
}

func (m *mockConnector) Type() string {
	if m.TypeFunc != nil {
		return m.TypeFunc()
	}
	return "mock"
}

func (m *mockConnector) Connect(ctx context.Context, params domain.ConnParams) (port.Conn, error) {
	m.connects.Add(1)
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx, params)
	}
	return &mockConn{}, nil
}

type mockVault struct{}

func (mockVault) Seal(p []byte) ([]byte, error) { return p, nil }
func (mockVault) Open(c []byte) ([]byte, error) { return c, nil }

func newTestManager(t *testing.T, opts Options, connectors ...port.Connector) *Manager {
	t.Helper()
	m, err := NewManager(mockVault{}, nil, opts)
	if err != nil {
		t.Fatalf("NewManager 失败: %v", err)
	}
	t.Cleanup(m.Close)
	for _, c := range connectors {
		m.RegisterConnector(c)
	}
	return m
}

/* ---------- 测试 ---------- */

func TestRegisterAndQuery(t *testing.T) {
	ctx := context.Background()
	connector := &mockConnector{
		ConnectFunc: func(ctx context.Context, params domain.ConnParams) (port.Conn, error) {
			return &mockConn{
				ExecuteQueryFunc: func(ctx context.Context, query string, args []any) (*domain.RowSet, error) {
					return &domain.RowSet{
						Columns: []domain.Column{{Name: "id", Type: "integer"}},
						Rows:    []domain.Row{{domain.IntegerValue(1)}},
					}, nil
				},
			}, nil
		},
	}
	m := newTestManager(t, Options{}, connector)

	state, err := m.Register(ctx, "orders", "mock", domain.ConnParams{"host": "localhost"})
	if err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	if state != domain.StateHealthy {
		t.Fatalf("期望状态 healthy，实际 %s", state)
	}

	rs, err := m.Query(ctx, "orders", "SELECT id FROM t", nil)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(rs.Rows) != 1 {
		t.Fatalf("期望 1 行，实际 %d", len(rs.Rows))
	}
}

func TestRegisterRejectsDuplicateAndUnknownType(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{}, &mockConnector{})

	if _, err := m.Register(ctx, "a", "mock", nil); err != nil {
		t.Fatalf("首次注册失败: %v", err)
	}

	t.Run("重名", func(t *testing.T) {
		_, err := m.Register(ctx, "a", "mock", nil)
		if !errors.Is(err, port.ErrDuplicateName) {
			t.Fatalf("期望 ErrDuplicateName，实际 %v", err)
		}
	})

	t.Run("未知类型", func(t *testing.T) {
		_, err := m.Register(ctx, "b", "teleport", nil)
		if !errors.Is(err, port.ErrUnknownType) {
			t.Fatalf("期望 ErrUnknownType，实际 %v", err)
		}
	})
}

func TestPoolExhaustion(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{MaxLeases: 2, LeaseWait: 50 * time.Millisecond}, &mockConnector{})
	if _, err := m.Register(ctx, "db", "mock", nil); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	l1, err := m.Acquire(ctx, "db")
	if err != nil {
		t.Fatalf("第一个租约失败: %v", err)
	}
	l2, err := m.Acquire(ctx, "db")
	if err != nil {
		t.Fatalf("第二个租约失败: %v", err)
	}

	if _, err := m.Acquire(ctx, "db"); !errors.Is(err, port.ErrPoolExhausted) {
		t.Fatalf("期望 ErrPoolExhausted，实际 %v", err)
	}

	// 归还后应立刻能再借
	m.Release(l1)
	l3, err := m.Acquire(ctx, "db")
	if err != nil {
		t.Fatalf("归还后再借失败: %v", err)
	}
	m.Release(l2)
	m.Release(l3)
}

func TestConcurrentAcquireNeverExceedsCap(t *testing.T) {
	ctx := context.Background()
	const cap_, workers = 3, 20
	m := newTestManager(t, Options{MaxLeases: cap_, LeaseWait: 20 * time.Millisecond}, &mockConnector{})
	if _, err := m.Register(ctx, "db", "mock", nil); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	var inUse, peak, exhausted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := m.Acquire(ctx, "db")
			if err != nil {
				if errors.Is(err, port.ErrPoolExhausted) {
					exhausted.Add(1)
				}
				return
			}
			n := inUse.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(40 * time.Millisecond)
			inUse.Add(-1)
			m.Release(lease)
		}()
	}
	wg.Wait()

	if peak.Load() > cap_ {
		t.Fatalf("并发租约峰值 %d 超过上限 %d", peak.Load(), cap_)
	}
	if exhausted.Load() == 0 {
		t.Fatal("期望至少一次 ErrPoolExhausted")
	}
}

func TestUnreachableBackendDegrades(t *testing.T) {
	ctx := context.Background()
	connector := &mockConnector{
		ConnectFunc: func(ctx context.Context, params domain.ConnParams) (port.Conn, error) {
			return nil, port.NewConnectionError(port.ConnRefused, "mock", errors.New("connection refused"))
		},
	}
	m := newTestManager(t, Options{}, connector)

	state, err := m.Register(ctx, "down", "mock", nil)
	if err != nil {
		t.Fatalf("注册不可达后端不应报错: %v", err)
	}
	if state != domain.StateDegraded {
		t.Fatalf("期望状态 degraded，实际 %s", state)
	}

	if _, err := m.Acquire(ctx, "down"); !errors.Is(err, port.ErrUnhealthy) {
		t.Fatalf("期望 ErrUnhealthy，实际 %v", err)
	}
}

func TestDeregister(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{}, &mockConnector{})
	if _, err := m.Register(ctx, "db", "mock", nil); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	t.Run("不存在的名字是空操作", func(t *testing.T) {
		if err := m.Deregister(ctx, "ghost", false); err != nil {
			t.Fatalf("幂等注销失败: %v", err)
		}
	})

	t.Run("租约在外时拒绝", func(t *testing.T) {
		lease, err := m.Acquire(ctx, "db")
		if err != nil {
			t.Fatalf("借出失败: %v", err)
		}
		if err := m.Deregister(ctx, "db", false); !errors.Is(err, port.ErrLeasesOutstanding) {
			t.Fatalf("期望 ErrLeasesOutstanding，实际 %v", err)
		}
		m.Release(lease)
	})

	t.Run("强制注销使现存租约失效", func(t *testing.T) {
		lease, err := m.Acquire(ctx, "db")
		if err != nil {
			t.Fatalf("借出失败: %v", err)
		}
		if err := m.Deregister(ctx, "db", true); err != nil {
			t.Fatalf("强制注销失败: %v", err)
		}
		// 失效租约的归还是空操作，句柄被直接关闭
		m.Release(lease)
		mc := lease.conn.(*mockConn)
		if !mc.closed.Load() {
			t.Fatal("强制注销后归还的句柄应被关闭")
		}
		if _, err := m.Acquire(ctx, "db"); !errors.Is(err, port.ErrNotFound) {
			t.Fatalf("注销后借出应返回 ErrNotFound，实际 %v", err)
		}
	})
}

func TestTaintedLeaseDiscarded(t *testing.T) {
	ctx := context.Background()
	connector := &mockConnector{}
	m := newTestManager(t, Options{}, connector)
	if _, err := m.Register(ctx, "db", "mock", nil); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	before := connector.connects.Load()

	lease, err := m.Acquire(ctx, "db")
	if err != nil {
		t.Fatalf("借出失败: %v", err)
	}
	lease.Taint()
	m.Release(lease)

	if !lease.conn.(*mockConn).closed.Load() {
		t.Fatal("污染句柄归还后应被关闭")
	}

	// 空闲队列已空，下一次借出必须惰性重连
	l2, err := m.Acquire(ctx, "db")
	if err != nil {
		t.Fatalf("重连借出失败: %v", err)
	}
	m.Release(l2)
	if connector.connects.Load() != before+1 {
		t.Fatalf("期望发生一次惰性重连，Connect 计数 %d -> %d", before, connector.connects.Load())
	}
}

func TestQueryTimeoutTaintsLease(t *testing.T) {
	ctx := context.Background()
	connector := &mockConnector{
		ConnectFunc: func(ctx context.Context, params domain.ConnParams) (port.Conn, error) {
			return &mockConn{
				ExecuteQueryFunc: func(ctx context.Context, query string, args []any) (*domain.RowSet, error) {
					return nil, port.NewQueryError(port.QueryTimeout, "mock", context.DeadlineExceeded)
				},
			}, nil
		},
	}
	m := newTestManager(t, Options{}, connector)
	if _, err := m.Register(ctx, "slow", "mock", nil); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	before := connector.connects.Load()

	if _, err := m.Query(ctx, "slow", "SELECT 1", nil); !port.IsQueryErr(err, port.QueryTimeout) {
		t.Fatalf("期望查询超时错误，实际 %v", err)
	}

	// 超时句柄被丢弃，后续借出重连
	l, err := m.Acquire(ctx, "slow")
	if err != nil {
		t.Fatalf("借出失败: %v", err)
	}
	m.Release(l)
	if connector.connects.Load() != before+1 {
		t.Fatal("查询超时后应丢弃句柄并惰性重连")
	}
}

func TestQueryRunsUnderDeadline(t *testing.T) {
	ctx := context.Background()
	var queryHadDeadline, schemaHadDeadline atomic.Bool
	connector := &mockConnector{
		ConnectFunc: func(ctx context.Context, params domain.ConnParams) (port.Conn, error) {
			return &mockConn{
				ExecuteQueryFunc: func(ctx context.Context, query string, args []any) (*domain.RowSet, error) {
					_, ok := ctx.Deadline()
					queryHadDeadline.Store(ok)
					return &domain.RowSet{}, nil
				},
				GetSchemaFunc: func(ctx context.Context) (*domain.SchemaDescriptor, error) {
					_, ok := ctx.Deadline()
					schemaHadDeadline.Store(ok)
					return &domain.SchemaDescriptor{}, nil
				},
			}, nil
		},
	}
	m := newTestManager(t, Options{QueryTimeout: time.Second}, connector)
	if _, err := m.Register(ctx, "db", "mock", nil); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	// 调用方不带截止时间，池必须自己套上 QueryTimeout
	if _, err := m.Query(ctx, "db", "SELECT 1", nil); err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if !queryHadDeadline.Load() {
		t.Fatal("ExecuteQuery 的 ctx 缺少查询超时截止时间")
	}

	if _, err := m.Schema(ctx, "db"); err != nil {
		t.Fatalf("取 Schema 失败: %v", err)
	}
	if !schemaHadDeadline.Load() {
		t.Fatal("GetSchema 的 ctx 缺少查询超时截止时间")
	}
}

func TestAcquireRechecksStateAfterWait(t *testing.T) {
	ctx := context.Background()
	var alive atomic.Bool
	alive.Store(true)
	connector := &mockConnector{
		ConnectFunc: func(ctx context.Context, params domain.ConnParams) (port.Conn, error) {
			if !alive.Load() {
				return nil, port.NewConnectionError(port.ConnRefused, "mock", errors.New("down"))
			}
			return &mockConn{
				TestConnectionFunc: func(ctx context.Context) bool { return alive.Load() },
			}, nil
		},
	}
	m := newTestManager(t, Options{
		MaxLeases:      1,
		LeaseWait:      2 * time.Second,
		FailThreshold:  1,
		HealthInterval: time.Hour,
	}, connector)
	if _, err := m.Register(ctx, "db", "mock", nil); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	l1, err := m.Acquire(ctx, "db")
	if err != nil {
		t.Fatalf("首个租约失败: %v", err)
	}

	results := make(chan error, 1)
	go func() {
		lease, err := m.Acquire(ctx, "db")
		if lease != nil {
			m.Release(lease)
		}
		results <- err
	}()
	time.Sleep(50 * time.Millisecond) // 等第二个 Acquire 阻塞在信号量上

	alive.Store(false)
	if state, _ := m.CheckNow(ctx, "db"); state != domain.StateDegraded {
		t.Fatalf("期望降级，实际 %s", state)
	}

	// 归还名额后，等待中的 Acquire 必须看到降级状态而不是拿到租约
	m.Release(l1)
	if err := <-results; !errors.Is(err, port.ErrUnhealthy) {
		t.Fatalf("信号量等待期间降级的连接不应借出租约，实际 %v", err)
	}
}

func TestSchemaCached(t *testing.T) {
	ctx := context.Background()
	var schemaCalls atomic.Int64
	connector := &mockConnector{
		ConnectFunc: func(ctx context.Context, params domain.ConnParams) (port.Conn, error) {
			return &mockConn{
				GetSchemaFunc: func(ctx context.Context) (*domain.SchemaDescriptor, error) {
					schemaCalls.Add(1)
					return &domain.SchemaDescriptor{
						Tables: []domain.TableSchema{{Name: "users"}},
					}, nil
				},
			}, nil
		},
	}
	m := newTestManager(t, Options{}, connector)
	if _, err := m.Register(ctx, "db", "mock", nil); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	for i := 0; i < 3; i++ {
		s, err := m.Schema(ctx, "db")
		if err != nil {
			t.Fatalf("第 %d 次取 Schema 失败: %v", i+1, err)
		}
		if len(s.Tables) != 1 || s.Tables[0].Name != "users" {
			t.Fatalf("Schema 内容不符: %+v", s)
		}
	}
	if schemaCalls.Load() != 1 {
		t.Fatalf("期望 GetSchema 只被调用一次，实际 %d 次", schemaCalls.Load())
	}
}

func TestHealthSweepDegradesAndRecovers(t *testing.T) {
	ctx := context.Background()
	var alive atomic.Bool
	alive.Store(true)
	connector := &mockConnector{
		ConnectFunc: func(ctx context.Context, params domain.ConnParams) (port.Conn, error) {
			if !alive.Load() {
				return nil, port.NewConnectionError(port.ConnRefused, "mock", errors.New("down"))
			}
			return &mockConn{
				TestConnectionFunc: func(ctx context.Context) bool { return alive.Load() },
			}, nil
		},
	}
	// 长周期避免后台循环干扰，探活靠 CheckNow 驱动
	m := newTestManager(t, Options{FailThreshold: 2, HealthInterval: time.Hour}, connector)
	if _, err := m.Register(ctx, "db", "mock", nil); err != nil {
		t.Fatalf("注册失败: %v", err)
	}

	alive.Store(false)
	if state, _ := m.CheckNow(ctx, "db"); state != domain.StateHealthy {
		t.Fatalf("单次失败不应降级，实际 %s", state)
	}
	if state, _ := m.CheckNow(ctx, "db"); state != domain.StateDegraded {
		t.Fatalf("连续失败达到阈值应降级，实际 %s", state)
	}

	alive.Store(true)
	if state, _ := m.CheckNow(ctx, "db"); state != domain.StateHealthy {
		t.Fatalf("探活成功应恢复 healthy，实际 %s", state)
	}
}

func TestListSorted(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Options{}, &mockConnector{})
	for _, name := range []string{"zeta", "alpha", "mu"} {
		if _, err := m.Register(ctx, name, "mock", nil); err != nil {
			t.Fatalf("注册 %s 失败: %v", name, err)
		}
	}
	infos := m.List()
	if len(infos) != 3 {
		t.Fatalf("期望 3 条连接，实际 %d", len(infos))
	}
	want := []string{"alpha", "mu", "zeta"}
	for i, info := range infos {
		if info.Name != want[i] {
			t.Fatalf("列表未按名称排序: %v", infos)
		}
	}
}
