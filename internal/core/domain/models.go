// Package domain file: internal/core/domain/models.go
package domain

import "time"

// ConnState 是受池管理的命名连接的生命周期状态。
type ConnState string

const (
	StateUninitialized ConnState = "uninitialized"
	StateConnecting    ConnState = "connecting"
	StateHealthy       ConnState = "healthy"
	StateDegraded      ConnState = "degraded"
	StateClosed        ConnState = "closed"
)

// ConnParams 是一次连接注册携带的参数包 (host/port/凭据/库名等)。
// 入库前必须经 Vault 密封，注册表中绝不落明文。
type ConnParams map[string]string

// Get 返回参数值，缺失时返回空串。
func (p ConnParams) Get(key string) string { return p[key] }

// GetDefault 返回参数值，缺失时返回 fallback。
func (p ConnParams) GetDefault(key, fallback string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return fallback
}

// ConnectionInfo 是连接注册项对外可见的快照（不含任何参数/凭据）。
type ConnectionInfo struct {
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	State     ConnState `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// ConnectionRecord 是注册表持久化的一行，Params 为 Vault 密文。
type ConnectionRecord struct {
	Name         string
	Type         string
	ParamsCipher []byte
	CreatedAt    time.Time
}

// TableSchema 描述一张表/集合的结构。
type TableSchema struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// SchemaDescriptor 是 GetSchema 的统一返回。
type SchemaDescriptor struct {
	Tables []TableSchema `json:"tables"`
}

// APIKey 是网关的主体 (Principal)：一旦签发除吊销外不可变。
// SecretHash 是密钥明文的 SHA-256 十六进制，明文只在签发时返回一次。
type APIKey struct {
	ID          string    `json:"key_id"`
	SecretHash  string    `json:"-"`
	DisplayName string    `json:"display_name"`
	Roles       []string  `json:"roles"`
	CreatedAt   time.Time `json:"created_at"`
	Revoked     bool      `json:"revoked"`
}

// Clone 返回可安全跨越锁边界持有的深拷贝。
func (k *APIKey) Clone() *APIKey {
	cp := *k
	cp.Roles = append([]string(nil), k.Roles...)
	return &cp
}

// Role 是一组权限的命名集合。内建角色在启动时注入且不可变。
type Role struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
	BuiltIn     bool         `json:"built_in"`
}

// Insight 是 AI 分析的结构化产物。
type Insight struct {
	Summary         string           `json:"summary"`
	Insights        []string         `json:"insights"`
	Recommendations []Recommendation `json:"recommendations"`
	SampledRows     int              `json:"sampled_rows"`
	TotalRows       int              `json:"total_rows"`
}

// Recommendation 是单条行动建议。
type Recommendation struct {
	Action    string `json:"action"`
	Rationale string `json:"rationale"`
	Priority  string `json:"priority"` // high / medium / low
}
