// Package domain file: internal/core/domain/permissions.go
package domain

// Permission 是一个原子能力标签，闭集枚举，编译期定义。
type Permission string

// 权限闭集：23 个值，覆盖 db / datasource / file / ai / user / role / system 七类。
const (
	PermDBQuery  Permission = "db:query"
	PermDBWrite  Permission = "db:write"
	PermDBSchema Permission = "db:schema"
	PermDBAdmin  Permission = "db:admin"

	PermDatasourceRegister   Permission = "datasource:register"
	PermDatasourceDeregister Permission = "datasource:deregister"
	PermDatasourceList       Permission = "datasource:list"
	PermDatasourceTest       Permission = "datasource:test"

	PermFileRead   Permission = "file:read"
	PermFileWrite  Permission = "file:write"
	PermFileList   Permission = "file:list"
	PermFileDelete Permission = "file:delete"

	PermAIAnalyze   Permission = "ai:analyze"
	PermAIRecommend Permission = "ai:recommend"

	PermUserCreate      Permission = "user:create"
	PermUserList        Permission = "user:list"
	PermUserRevoke      Permission = "user:revoke"
	PermUserAssignRoles Permission = "user:assign_roles"

	PermRoleCreate Permission = "role:create"
	PermRoleList   Permission = "role:list"
	PermRoleDelete Permission = "role:delete"

	PermSystemHealth  Permission = "system:health"
	PermSystemMetrics Permission = "system:metrics"
)

// AllPermissions 是权限闭集的查询表。
var AllPermissions = map[Permission]struct{}{
	PermDBQuery: {}, PermDBWrite: {}, PermDBSchema: {}, PermDBAdmin: {},
	PermDatasourceRegister: {}, PermDatasourceDeregister: {}, PermDatasourceList: {}, PermDatasourceTest: {},
	PermFileRead: {}, PermFileWrite: {}, PermFileList: {}, PermFileDelete: {},
	PermAIAnalyze: {}, PermAIRecommend: {},
	PermUserCreate: {}, PermUserList: {}, PermUserRevoke: {}, PermUserAssignRoles: {},
	PermRoleCreate: {}, PermRoleList: {}, PermRoleDelete: {},
	PermSystemHealth: {}, PermSystemMetrics: {},
}

// Valid 报告 p 是否属于权限闭集。
func (p Permission) Valid() bool {
	_, ok := AllPermissions[p]
	return ok
}

// 内建角色名
const (
	RoleAdmin     = "admin"
	RoleAnalyst   = "analyst"
	RoleViewer    = "viewer"
	RoleDeveloper = "developer"
)

// BuiltInRoles 返回四个内建角色的规范定义。
// 每次调用返回新切片，调用方可随意持有而不会影响种子数据。
func BuiltInRoles() []Role {
	all := make([]Permission, 0, len(AllPermissions))
	for p := range AllPermissions {
		all = append(all, p)
	}
	return []Role{
		{
			Name:        RoleAdmin,
			Description: "平台管理员，持有全部权限",
			Permissions: all,
			BuiltIn:     true,
		},
		{
			Name:        RoleAnalyst,
			Description: "数据分析师：查询、看结构、用 AI 洞察",
			Permissions: []Permission{
				PermDBQuery, PermDBSchema,
				PermDatasourceList, PermDatasourceTest,
				PermFileRead, PermFileList,
				PermAIAnalyze, PermAIRecommend,
				PermSystemHealth,
			},
			BuiltIn: true,
		},
		{
			Name:        RoleViewer,
			Description: "只读访客：仅元数据浏览",
			Permissions: []Permission{
				PermDBSchema,
				PermDatasourceList,
				PermFileList,
				PermSystemHealth,
			},
			BuiltIn: true,
		},
		{
			Name:        RoleDeveloper,
			Description: "开发者：读写查询与数据源注册",
			Permissions: []Permission{
				PermDBQuery, PermDBWrite, PermDBSchema,
				PermDatasourceRegister, PermDatasourceList, PermDatasourceTest,
				PermFileRead, PermFileWrite, PermFileList,
				PermSystemHealth, PermSystemMetrics,
			},
			BuiltIn: true,
		},
	}
}
