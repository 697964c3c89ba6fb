// Package port file: internal/core/port/errors.go
package port

import (
	"errors"
	"fmt"
)

// 网关共享错误分类。连接器层的原生驱动错误在越过适配器边界前
// 必须归一化到这里，绝不裸传。
var (
	ErrAuthentication    = errors.New("认证失败：API Key 缺失或无效")
	ErrRevokedKey        = errors.New("认证失败：API Key 已被吊销")
	ErrAuthorization     = errors.New("权限不足，操作被拒绝")
	ErrRateLimited       = errors.New("请求频率超出配额")
	ErrDuplicateName     = errors.New("同名连接已存在")
	ErrUnknownType       = errors.New("未注册的后端类型")
	ErrNotFound          = errors.New("指定的连接未注册")
	ErrPoolExhausted     = errors.New("连接池租约耗尽，等待超时")
	ErrUnhealthy         = errors.New("连接处于不健康状态，拒绝出借租约")
	ErrLeasesOutstanding = errors.New("仍有未归还的租约，拒绝注销连接")
	ErrMalformedInsight  = errors.New("AI 洞察输出无法解析为结构化结果")
	ErrInvalidPermission = errors.New("权限名不在闭集枚举内")
	ErrDuplicateRole     = errors.New("同名角色已存在")
	ErrUnknownRole       = errors.New("未注册的角色名")
)

// ConnErrKind 标记连接建立阶段的失败类别。
type ConnErrKind string

const (
	ConnTimeout    ConnErrKind = "timeout"
	ConnRefused    ConnErrKind = "refused"
	ConnAuthFailed ConnErrKind = "auth_failed"
)

// ConnectionError 是连接建立失败的归一化表示，Backend 仅用于日志。
type ConnectionError struct {
	Kind    ConnErrKind
	Backend string
	Cause   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("连接后端 '%s' 失败 (%s): %v", e.Backend, e.Kind, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// NewConnectionError 构造一个归一化的连接错误。
func NewConnectionError(kind ConnErrKind, backend string, cause error) *ConnectionError {
	return &ConnectionError{Kind: kind, Backend: backend, Cause: cause}
}

// QueryErrKind 标记查询执行阶段的失败类别。
type QueryErrKind string

const (
	QueryTimeout          QueryErrKind = "timeout"
	QuerySyntax           QueryErrKind = "syntax"
	QueryPermissionDenied QueryErrKind = "permission_denied"
	QueryUnknown          QueryErrKind = "unknown"
)

// QueryError 是查询失败的归一化表示。
type QueryError struct {
	Kind    QueryErrKind
	Backend string
	Cause   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("后端 '%s' 查询失败 (%s): %v", e.Backend, e.Kind, e.Cause)
}

func (e *QueryError) Unwrap() error { return e.Cause }

// NewQueryError 构造一个归一化的查询错误。
func NewQueryError(kind QueryErrKind, backend string, cause error) *QueryError {
	return &QueryError{Kind: kind, Backend: backend, Cause: cause}
}

// IsConnErr 报告 err 链上是否有指定类别的 ConnectionError。
func IsConnErr(err error, kind ConnErrKind) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Kind == kind
}

// IsQueryErr 报告 err 链上是否有指定类别的 QueryError。
func IsQueryErr(err error, kind QueryErrKind) bool {
	var qe *QueryError
	return errors.As(err, &qe) && qe.Kind == kind
}
