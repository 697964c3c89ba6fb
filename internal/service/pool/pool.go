// Package pool — 命名连接的注册表与租约池 (Connection Pool Manager)
// file: internal/service/pool/pool.go
//
// 池独占持有所有 Connection；连接器只在一次租约的生命周期内借出句柄。
// 每个命名连接一把独立互斥锁，避免单一全局瓶颈；租约从不绑定任何主体。
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"DataAegis/internal/aegobserve"
	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
	"DataAegis/internal/service/store"
)

// Options 是池的运行参数，零值字段回退到默认值。
type Options struct {
	MaxLeases      int           // 每个命名连接的最大并发租约数，默认 10
	LeaseWait      time.Duration // Acquire 阻塞上限，默认 10s
	ConnectTimeout time.Duration // 建连超时，默认 30s
	QueryTimeout   time.Duration // 单次查询 / Schema 枚举超时，默认 300s
	HealthInterval time.Duration // 后台健康检查周期，默认 60s
	FailThreshold  int           // 连续失败多少次标记 degraded，默认 3
	SchemaCacheTTL time.Duration // Schema 缓存 TTL，默认 5 分钟
}

func (o *Options) withDefaults() {
	if o.MaxLeases <= 0 {
		o.MaxLeases = 10
	}
	if o.LeaseWait <= 0 {
		o.LeaseWait = 10 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 300 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 60 * time.Second
	}
	if o.FailThreshold <= 0 {
		o.FailThreshold = 3
	}
	if o.SchemaCacheTTL <= 0 {
		o.SchemaCacheTTL = 5 * time.Minute
	}
}

// managedConnection 是一条命名连接及其租约记账。
type managedConnection struct {
	name    string
	ctype   string
	created time.Time

	sem chan struct{} // 租约信号量，容量 = MaxLeases

	mu          sync.Mutex
	state       domain.ConnState
	params      domain.ConnParams // 仅内存持有；持久化侧一律密文
	idle        []port.Conn
	consecFails int
	generation  uint64 // 强制注销时递增，旧租约的 Release 变成空操作
}

// Lease 是一次临时借出的连接句柄，必须通过 Manager.Release 归还。
type Lease struct {
	conn       port.Conn
	owner      *managedConnection
	generation uint64

	mu       sync.Mutex
	released bool
	tainted  bool
}

// Conn 返回被借出的句柄。
func (l *Lease) Conn() port.Conn { return l.conn }

// Taint 标记句柄疑似损坏：归还时直接丢弃并在下次 Acquire 惰性重连，
// 而不是把故障传染给归还方。
func (l *Lease) Taint() {
	l.mu.Lock()
	l.tainted = true
	l.mu.Unlock()
}

// Manager 拥有全部命名连接的注册表。
type Manager struct {
	mu         sync.RWMutex
	conns      map[string]*managedConnection
	connectors map[string]port.Connector

	vault    port.Vault
	registry *store.Registry // 可为 nil（纯内存模式，测试用）
	opts     Options

	schemaCache *lru.LRU[string, *domain.SchemaDescriptor]

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager 创建池管理器。vault 不能为空；registry 为 nil 时不做持久化。
func NewManager(vault port.Vault, registry *store.Registry, opts Options) (*Manager, error) {
	if vault == nil {
		return nil, errors.New("池管理器需要有效的 Vault 实例")
	}
	opts.withDefaults()
	m := &Manager{
		conns:       make(map[string]*managedConnection),
		connectors:  make(map[string]port.Connector),
		vault:       vault,
		registry:    registry,
		opts:        opts,
		schemaCache: lru.NewLRU[string, *domain.SchemaDescriptor](256, nil, opts.SchemaCacheTTL),
		stop:        make(chan struct{}),
	}
	go m.healthLoop()
	return m, nil
}

// RegisterConnector 注册一个后端家族的连接工厂，按 Type() 建索引。
func (m *Manager) RegisterConnector(c port.Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors[c.Type()] = c
}

// ConnectorTypes 返回已注册的后端类型列表。
func (m *Manager) ConnectorTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]string, 0, len(m.connectors))
	for t := range m.connectors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

/* ---------- 注册 / 注销 ---------- */

// Register 注册一条命名连接：密封参数入库，随后做一次初始探活。
// 后端不可达时注册仍然成功，但状态落为 degraded。
func (m *Manager) Register(ctx context.Context, name, ctype string, params domain.ConnParams) (domain.ConnState, error) {
	m.mu.Lock()
	connector, knownType := m.connectors[ctype]
	if !knownType {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: '%s'", port.ErrUnknownType, ctype)
	}
	if _, exists := m.conns[name]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: '%s'", port.ErrDuplicateName, name)
	}
	mc := &managedConnection{
		name:    name,
		ctype:   ctype,
		created: time.Now().UTC(),
		state:   domain.StateConnecting,
		params:  params,
		sem:     make(chan struct{}, m.opts.MaxLeases),
	}
	m.conns[name] = mc
	m.mu.Unlock()

	if m.registry != nil {
		plain, err := json.Marshal(params)
		if err != nil {
			m.dropEntry(name)
			return "", fmt.Errorf("序列化连接参数失败: %w", err)
		}
		cipher, err := m.vault.Seal(plain)
		if err != nil {
			m.dropEntry(name)
			return "", fmt.Errorf("密封连接参数失败: %w", err)
		}
		if err := m.registry.SaveConnection(ctx, name, ctype, cipher); err != nil {
			m.dropEntry(name)
			return "", err
		}
	}

	state := m.probe(ctx, mc, connector)
	slog.Info("连接池: 连接注册完成", "name", name, "type", ctype, "state", state)
	return state, nil
}

func (m *Manager) dropEntry(name string) {
	m.mu.Lock()
	delete(m.conns, name)
	m.mu.Unlock()
}

// probe 执行一次 Connect + TestConnection，据此落地 healthy/degraded。
// 探活成功的句柄留在空闲队列里，供首个 Acquire 直接复用。
func (m *Manager) probe(ctx context.Context, mc *managedConnection, connector port.Connector) domain.ConnState {
	connectCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn, err := connector.Connect(connectCtx, mc.params)
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.state == domain.StateClosed {
		if conn != nil {
			_ = conn.Close()
		}
		return domain.StateClosed
	}
	if err != nil || !conn.TestConnection(connectCtx) {
		if conn != nil {
			_ = conn.Close()
		}
		mc.state = domain.StateDegraded
		mc.consecFails = 1
		if err != nil {
			slog.Warn("连接池: 初始探活失败", "name", mc.name, "error", err)
		}
		return mc.state
	}
	mc.state = domain.StateHealthy
	mc.consecFails = 0
	mc.idle = append(mc.idle, conn)
	return mc.state
}

// Deregister 注销一条命名连接。对不存在的名字是幂等的空操作。
// 有未归还租约时失败，除非 force：此时现存租约全部失效，
// 它们后续的 Release 都是空操作。
func (m *Manager) Deregister(ctx context.Context, name string, force bool) error {
	m.mu.Lock()
	mc, exists := m.conns[name]
	if !exists {
		m.mu.Unlock()
		return nil
	}

	mc.mu.Lock()
	if len(mc.sem) > 0 && !force {
		mc.mu.Unlock()
		m.mu.Unlock()
		return fmt.Errorf("%w: '%s' 尚有 %d 个租约在外", port.ErrLeasesOutstanding, name, len(mc.sem))
	}
	mc.state = domain.StateClosed
	mc.generation++
	for _, conn := range mc.idle {
		_ = conn.Close()
	}
	mc.idle = nil
	mc.mu.Unlock()

	delete(m.conns, name)
	m.mu.Unlock()

	m.schemaCache.Remove(name)
	aegobserve.LeaseInUse.DeleteLabelValues(name)
	if m.registry != nil {
		if err := m.registry.DeleteConnection(ctx, name); err != nil {
			return err
		}
	}
	slog.Info("连接池: 连接已注销", "name", name, "force", force)
	return nil
}

/* ---------- 租约 ---------- */

// Acquire 借出一个租约。阻塞上限为 LeaseWait，支持调用方取消；
// 超时返回 ErrPoolExhausted。degraded/closed 状态直接拒绝。
func (m *Manager) Acquire(ctx context.Context, name string) (*Lease, error) {
	m.mu.RLock()
	mc, exists := m.conns[name]
	var connector port.Connector
	if exists {
		connector = m.connectors[mc.ctype]
	}
	m.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: '%s'", port.ErrNotFound, name)
	}

	mc.mu.Lock()
	state := mc.state
	mc.mu.Unlock()
	if state != domain.StateHealthy {
		return nil, fmt.Errorf("%w: '%s' 当前状态 %s", port.ErrUnhealthy, name, state)
	}

	timer := time.NewTimer(m.opts.LeaseWait)
	defer timer.Stop()
	select {
	case mc.sem <- struct{}{}:
	case <-timer.C:
		return nil, fmt.Errorf("%w: '%s'", port.ErrPoolExhausted, name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// 信号量等待期间连接可能被强制注销或标记 degraded，拿到名额后重新确认；
	// 顺带取出空闲句柄，没有就惰性建连
	mc.mu.Lock()
	if mc.state != domain.StateHealthy {
		state := mc.state
		mc.mu.Unlock()
		if state != domain.StateClosed {
			<-mc.sem
		}
		return nil, fmt.Errorf("%w: '%s' 当前状态 %s", port.ErrUnhealthy, name, state)
	}
	generation := mc.generation
	var conn port.Conn
	if n := len(mc.idle); n > 0 {
		conn = mc.idle[n-1]
		mc.idle = mc.idle[:n-1]
	}
	mc.mu.Unlock()

	if conn == nil {
		connectCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		newConn, err := connector.Connect(connectCtx, mc.params)
		cancel()
		if err != nil {
			<-mc.sem
			return nil, err
		}
		conn = newConn
	}

	aegobserve.LeaseInUse.WithLabelValues(name).Inc()
	return &Lease{conn: conn, owner: mc, generation: generation}, nil
}

// Release 归还租约，幂等。被标记 tainted 或连接已被强制注销的句柄
// 直接关闭丢弃，下次 Acquire 惰性重连。
func (m *Manager) Release(l *Lease) {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	tainted := l.tainted
	l.mu.Unlock()

	mc := l.owner
	mc.mu.Lock()
	stale := mc.generation != l.generation || mc.state == domain.StateClosed
	if stale || tainted {
		mc.mu.Unlock()
		_ = l.conn.Close()
	} else {
		mc.idle = append(mc.idle, l.conn)
		mc.mu.Unlock()
	}
	if !stale {
		<-mc.sem
		aegobserve.LeaseInUse.WithLabelValues(mc.name).Dec()
	}
}

/* ---------- 查询与 Schema 便捷入口 ---------- */

// Query 在指定连接上执行一次查询：Acquire → ExecuteQuery → Release。
// 查询在 QueryTimeout 限定的截止时间内运行，挂死的后端不会无限占用租约；
// 连接类错误与查询超时会把租约标记为 tainted。
func (m *Manager) Query(ctx context.Context, name, query string, args []any) (*domain.RowSet, error) {
	lease, err := m.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	defer m.Release(lease)

	queryCtx, cancel := context.WithTimeout(ctx, m.opts.QueryTimeout)
	defer cancel()

	aegobserve.QueryTotal.WithLabelValues(name).Inc()
	rs, err := lease.Conn().ExecuteQuery(queryCtx, query, args)
	if err != nil {
		var ce *port.ConnectionError
		if errors.As(err, &ce) || port.IsQueryErr(err, port.QueryTimeout) {
			lease.Taint()
		}
		return nil, err
	}
	return rs, nil
}

// Schema 返回指定连接的结构描述，带 TTL 缓存。
func (m *Manager) Schema(ctx context.Context, name string) (*domain.SchemaDescriptor, error) {
	if cached, ok := m.schemaCache.Get(name); ok {
		return cached, nil
	}
	lease, err := m.Acquire(ctx, name)
	if err != nil {
		return nil, err
	}
	defer m.Release(lease)

	schemaCtx, cancel := context.WithTimeout(ctx, m.opts.QueryTimeout)
	defer cancel()

	schema, err := lease.Conn().GetSchema(schemaCtx)
	if err != nil {
		var ce *port.ConnectionError
		if errors.As(err, &ce) {
			lease.Taint()
		}
		return nil, err
	}
	m.schemaCache.Add(name, schema)
	return schema, nil
}

// Get 返回单条连接的对外快照。
func (m *Manager) Get(name string) (domain.ConnectionInfo, error) {
	m.mu.RLock()
	mc, exists := m.conns[name]
	m.mu.RUnlock()
	if !exists {
		return domain.ConnectionInfo{}, fmt.Errorf("%w: '%s'", port.ErrNotFound, name)
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return domain.ConnectionInfo{
		Name:      mc.name,
		Type:      mc.ctype,
		State:     mc.state,
		CreatedAt: mc.created,
	}, nil
}

// List 返回全部连接的对外快照，按名称排序。
func (m *Manager) List() []domain.ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ConnectionInfo, 0, len(m.conns))
	for _, mc := range m.conns {
		mc.mu.Lock()
		out = append(out, domain.ConnectionInfo{
			Name:      mc.name,
			Type:      mc.ctype,
			State:     mc.state,
			CreatedAt: mc.created,
		})
		mc.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

/* ---------- 启动恢复与后台健康检查 ---------- */

// LoadPersisted 从注册表恢复重启前注册的连接并逐一探活。
// 单条恢复失败只告警不中止，其余连接照常恢复。
func (m *Manager) LoadPersisted(ctx context.Context) error {
	if m.registry == nil {
		return nil
	}
	records, err := m.registry.ListConnections(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		plain, err := m.vault.Open(rec.ParamsCipher)
		if err != nil {
			slog.Error("连接池: 解封连接参数失败，跳过恢复", "name", rec.Name, "error", err)
			continue
		}
		var params domain.ConnParams
		if err := json.Unmarshal(plain, &params); err != nil {
			slog.Error("连接池: 解析连接参数失败，跳过恢复", "name", rec.Name, "error", err)
			continue
		}

		m.mu.Lock()
		connector, knownType := m.connectors[rec.Type]
		if !knownType {
			m.mu.Unlock()
			slog.Error("连接池: 后端类型未注册，跳过恢复", "name", rec.Name, "type", rec.Type)
			continue
		}
		if _, exists := m.conns[rec.Name]; exists {
			m.mu.Unlock()
			continue
		}
		mc := &managedConnection{
			name:    rec.Name,
			ctype:   rec.Type,
			created: rec.CreatedAt,
			state:   domain.StateConnecting,
			params:  params,
			sem:     make(chan struct{}, m.opts.MaxLeases),
		}
		m.conns[rec.Name] = mc
		m.mu.Unlock()

		state := m.probe(ctx, mc, connector)
		slog.Info("连接池: 连接已从注册表恢复", "name", rec.Name, "type", rec.Type, "state", state)
	}
	return nil
}

// healthLoop 周期性探活空闲连接；连续 FailThreshold 次失败标记 degraded
// 并停发新租约，恢复后自动回到 healthy。健康检查路径上的连接超时
// 由下一轮循环重试，绝不在请求路径上重试。
func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.RLock()
	targets := make([]*managedConnection, 0, len(m.conns))
	connectors := make([]port.Connector, 0, len(m.conns))
	for _, mc := range m.conns {
		targets = append(targets, mc)
		connectors = append(connectors, m.connectors[mc.ctype])
	}
	m.mu.RUnlock()

	g := new(errgroup.Group)
	g.SetLimit(4)
	for i := range targets {
		mc, connector := targets[i], connectors[i]
		g.Go(func() error {
			m.checkOne(mc, connector)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) checkOne(mc *managedConnection, connector port.Connector) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()

	// 借一个空闲句柄做探针，没有就临时建连
	mc.mu.Lock()
	if mc.state == domain.StateClosed {
		mc.mu.Unlock()
		return
	}
	var probe port.Conn
	fromIdle := false
	if n := len(mc.idle); n > 0 {
		probe = mc.idle[n-1]
		mc.idle = mc.idle[:n-1]
		fromIdle = true
	}
	mc.mu.Unlock()

	if probe == nil {
		conn, err := connector.Connect(ctx, mc.params)
		if err != nil {
			m.recordHealth(mc, false, nil, false)
			return
		}
		probe = conn
	}

	alive := probe.TestConnection(ctx)
	m.recordHealth(mc, alive, probe, fromIdle)
}

// recordHealth 汇总一次探活结果并推进状态机。
func (m *Manager) recordHealth(mc *managedConnection, alive bool, probe port.Conn, fromIdle bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.state == domain.StateClosed {
		if probe != nil {
			_ = probe.Close()
		}
		return
	}
	if alive {
		mc.consecFails = 0
		if mc.state == domain.StateDegraded {
			slog.Info("连接池: 连接已恢复健康", "name", mc.name)
		}
		mc.state = domain.StateHealthy
		if probe != nil {
			if fromIdle {
				mc.idle = append(mc.idle, probe)
			} else {
				_ = probe.Close()
			}
		}
		return
	}
	if probe != nil {
		_ = probe.Close()
	}
	mc.consecFails++
	if mc.consecFails >= m.opts.FailThreshold && mc.state != domain.StateDegraded {
		mc.state = domain.StateDegraded
		slog.Warn("连接池: 连接连续探活失败，已标记为 degraded",
			"name", mc.name, "consecutive_failures", mc.consecFails)
	}
}

// CheckNow 立即对指定连接做一次探活并推进状态机，供 API 主动触发。
func (m *Manager) CheckNow(ctx context.Context, name string) (domain.ConnState, error) {
	m.mu.RLock()
	mc, exists := m.conns[name]
	var connector port.Connector
	if exists {
		connector = m.connectors[mc.ctype]
	}
	m.mu.RUnlock()
	if !exists {
		return "", fmt.Errorf("%w: '%s'", port.ErrNotFound, name)
	}
	m.checkOne(mc, connector)
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.state, nil
}

// Close 停止后台循环并关闭全部空闲句柄，幂等。
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mc := range m.conns {
		mc.mu.Lock()
		mc.state = domain.StateClosed
		mc.generation++
		for _, conn := range mc.idle {
			_ = conn.Close()
		}
		mc.idle = nil
		mc.mu.Unlock()
	}
}
