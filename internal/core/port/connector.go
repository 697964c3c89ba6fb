// Package port file: internal/core/port/connector.go
//
// 网关对接各异构后端的统一契约。每个后端家族一个 Connector 实现，
// 每次 Connect 借出一个 Conn；连接器绝不跨租约持有连接。
package port

import (
	"context"

	"DataAegis/internal/core/domain"
)

// Connector 是某一后端家族的连接工厂。
type Connector interface {
	// Type 返回后端类型标识符，作为注册表里的键。
	Type() string

	// Connect 建立或验证可达性，返回一个原生句柄的封装。
	// 实现必须尊重 ctx 的截止时间；超时返回 ConnectionError{ConnTimeout}。
	Connect(ctx context.Context, params domain.ConnParams) (Conn, error)
}

// Conn 是一条已建立连接的句柄，生命周期由连接池独占管理。
type Conn interface {
	// ExecuteQuery 执行一次读（或被授权的写）操作。
	// 超时必须取消底层操作并返回 QueryError{QueryTimeout}，不得泄漏挂死连接。
	ExecuteQuery(ctx context.Context, query string, args []any) (*domain.RowSet, error)

	// GetSchema 枚举表/集合与列元数据，只读无副作用。
	GetSchema(ctx context.Context) (*domain.SchemaDescriptor, error)

	// TestConnection 是廉价的存活探针，供池的健康检查使用。
	TestConnection(ctx context.Context) bool

	// Close 释放原生资源，多次调用幂等。
	Close() error
}

// Vault 是凭据密封接口：加密原语可替换而不触及调用方。
type Vault interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// TextGenerator 是外部文本生成能力的黑盒契约，洞察适配器独占其
// prompt/响应约定。生产实现见 internal/adapter/textgen。
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
