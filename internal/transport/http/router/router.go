// file: internal/transport/http/router/router.go
package router

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"DataAegis/internal/aegmiddleware"
	"DataAegis/internal/aegobserve"
	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
	"DataAegis/internal/service/insight"
	"DataAegis/internal/service/pool"
	"DataAegis/internal/service/rbac"
)

// Dependencies 结构体用于将所有依赖项注入到路由器中
type Dependencies struct {
	Authority  *rbac.Authority
	Pool       *pool.Manager
	Insight    *insight.Service // 可为 nil，表示 AI 洞察未启用
	KeyLimiter *aegmiddleware.KeyRateLimiter
	IPLimiter  *aegmiddleware.IPRateLimiter
}

// New 创建并配置基于 Gin 的 HTTP 路由器。
// 每个请求的流水线：认证 → 限流 → 授权 → 分发，任一环失败立即短路。
func New(deps Dependencies) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	// --- 配置全局中间件 ---
	router.Use(aegobserve.PrometheusMiddleware())
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// --- 未认证面 (IP 令牌桶兜底) ---
	open := router.Group("/")
	if deps.IPLimiter != nil {
		open.Use(deps.IPLimiter.Middleware())
	}
	{
		open.GET("/health", healthHandler(deps.Pool))
		open.GET("/metrics", gin.WrapH(aegobserve.Handler()))
	}

	// --- 认证面 ---
	api := router.Group("/api")
	api.Use(aegmiddleware.Authenticate(deps.Authority))
	if deps.KeyLimiter != nil {
		api.Use(deps.KeyLimiter.Middleware())
	}
	perm := func(p domain.Permission) gin.HandlerFunc {
		return aegmiddleware.RequirePermission(deps.Authority, p)
	}
	{
		// 数据源控制面
		conns := api.Group("/connections")
		{
			conns.GET("", perm(domain.PermDatasourceList), listConnectionsHandler(deps.Pool))
			conns.POST("", perm(domain.PermDatasourceRegister), registerConnectionHandler(deps.Pool))
			conns.DELETE("/:name", perm(domain.PermDatasourceDeregister), deregisterConnectionHandler(deps.Pool))
			conns.POST("/:name/test", perm(domain.PermDatasourceTest), testConnectionHandler(deps.Pool))
		}

		// 数据面
		api.POST("/query", perm(domain.PermDBQuery), queryHandler(deps.Pool))
		api.GET("/schema/:name", perm(domain.PermDBSchema), schemaHandler(deps.Pool))

		// AI 洞察面
		ai := api.Group("/ai")
		{
			ai.POST("/analyze", perm(domain.PermAIAnalyze), analyzeHandler(deps.Insight))
			ai.POST("/recommend", perm(domain.PermAIRecommend), recommendHandler(deps.Insight))
		}

		// 主体与角色控制面
		users := api.Group("/users")
		{
			users.GET("", perm(domain.PermUserList), listKeysHandler(deps.Authority))
			users.POST("", perm(domain.PermUserCreate), createKeyHandler(deps.Authority))
			users.POST("/:id/roles", perm(domain.PermUserAssignRoles), assignRolesHandler(deps.Authority))
			users.DELETE("/:id", perm(domain.PermUserRevoke), revokeKeyHandler(deps.Authority))
		}
		roles := api.Group("/roles")
		{
			roles.GET("", perm(domain.PermRoleList), listRolesHandler(deps.Authority))
			roles.POST("", perm(domain.PermRoleCreate), createRoleHandler(deps.Authority))
			roles.DELETE("/:name", perm(domain.PermRoleDelete), deleteRoleHandler(deps.Authority))
		}
	}

	return router
}

/* ---------- 响应信封 ---------- */

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// respondErr 把错误分类映射为 HTTP 状态码与对外错误类别。
// 客户端可见的错误信息不携带堆栈与后端原生细节。
func respondErr(c *gin.Context, err error) {
	status, kind, message := classify(err)
	if status >= http.StatusInternalServerError {
		slog.Error("请求处理失败", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   gin.H{"kind": kind, "message": message},
	})
}

func classify(err error) (status int, kind, message string) {
	var qe *port.QueryError
	var ce *port.ConnectionError
	switch {
	case errors.Is(err, port.ErrAuthentication), errors.Is(err, port.ErrRevokedKey):
		return http.StatusUnauthorized, "authentication", err.Error()
	case errors.Is(err, port.ErrAuthorization):
		return http.StatusForbidden, "authorization", err.Error()
	case errors.Is(err, port.ErrNotFound), errors.Is(err, port.ErrUnknownRole):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, port.ErrDuplicateName), errors.Is(err, port.ErrDuplicateRole),
		errors.Is(err, port.ErrLeasesOutstanding):
		return http.StatusConflict, "conflict", err.Error()
	case errors.Is(err, port.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited", err.Error()
	case errors.Is(err, port.ErrUnknownType), errors.Is(err, port.ErrInvalidPermission):
		return http.StatusBadRequest, "bad_request", err.Error()
	case errors.Is(err, port.ErrPoolExhausted), errors.Is(err, port.ErrUnhealthy),
		errors.Is(err, port.ErrMalformedInsight):
		return http.StatusBadGateway, "upstream", err.Error()
	case errors.As(err, &qe):
		switch qe.Kind {
		case port.QuerySyntax:
			return http.StatusBadRequest, "bad_request", "查询无法被后端解析"
		case port.QueryPermissionDenied:
			return http.StatusForbidden, "authorization", "后端拒绝了该查询"
		default:
			return http.StatusBadGateway, "upstream", "后端查询失败"
		}
	case errors.As(err, &ce):
		return http.StatusBadGateway, "upstream", "后端连接失败"
	default:
		return http.StatusInternalServerError, "internal", "内部错误"
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   gin.H{"kind": "bad_request", "message": message},
	})
}

// bindError 区分字段验证失败与普通的请求体解析失败。
// 验证失败时附带具体字段名，方便客户端定位。
func bindError(c *gin.Context, err error, fallback string) {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		fields := make([]string, 0, len(ve))
		for _, fe := range ve {
			fields = append(fields, fe.Field())
		}
		badRequest(c, "请求参数验证失败: "+strings.Join(fields, ", "))
		return
	}
	badRequest(c, fallback)
}

/* ---------- 系统面处理器 ---------- */

func healthHandler(manager *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		infos := manager.List()
		healthy := 0
		for _, info := range infos {
			if info.State == domain.StateHealthy {
				healthy++
			}
		}
		respondData(c, http.StatusOK, gin.H{
			"status":              "ok",
			"connections_total":   len(infos),
			"connections_healthy": healthy,
		})
	}
}

/* ---------- 数据源控制面处理器 ---------- */

func listConnectionsHandler(manager *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		respondData(c, http.StatusOK, manager.List())
	}
}

func registerConnectionHandler(manager *pool.Manager) gin.HandlerFunc {
	type requestBody struct {
		Name   string            `json:"name" binding:"required"`
		Type   string            `json:"type" binding:"required"`
		Params map[string]string `json:"params"`
	}
	return func(c *gin.Context) {
		var body requestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			bindError(c, err, "请求体缺少 name 或 type 字段")
			return
		}
		state, err := manager.Register(c.Request.Context(), body.Name, body.Type, body.Params)
		if err != nil {
			respondErr(c, err)
			return
		}
		respondData(c, http.StatusCreated, gin.H{"name": body.Name, "state": state})
	}
}

func deregisterConnectionHandler(manager *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		force := strings.EqualFold(c.Query("force"), "true")
		if err := manager.Deregister(c.Request.Context(), c.Param("name"), force); err != nil {
			respondErr(c, err)
			return
		}
		respondData(c, http.StatusOK, gin.H{"name": c.Param("name"), "deregistered": true})
	}
}

func testConnectionHandler(manager *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := manager.CheckNow(c.Request.Context(), c.Param("name"))
		if err != nil {
			respondErr(c, err)
			return
		}
		respondData(c, http.StatusOK, gin.H{"name": c.Param("name"), "state": state})
	}
}

/* ---------- 数据面处理器 ---------- */

func queryHandler(manager *pool.Manager) gin.HandlerFunc {
	type requestBody struct {
		Connection string `json:"connection" binding:"required"`
		Query      string `json:"query" binding:"required"`
		Params     []any  `json:"params"`
	}
	return func(c *gin.Context) {
		var body requestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			bindError(c, err, "请求体缺少 connection 或 query 字段")
			return
		}
		rs, err := manager.Query(c.Request.Context(), body.Connection, body.Query, body.Params)
		if err != nil {
			respondErr(c, err)
			return
		}
		// 行序列化为对象数组，键顺序严格等于列顺序
		rows, err := rs.EncodeRows()
		if err != nil {
			respondErr(c, err)
			return
		}
		respondData(c, http.StatusOK, gin.H{"result": rows, "columns": rs.Columns})
	}
}

func schemaHandler(manager *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		schema, err := manager.Schema(c.Request.Context(), c.Param("name"))
		if err != nil {
			respondErr(c, err)
			return
		}
		respondData(c, http.StatusOK, gin.H{"schema": schema})
	}
}

/* ---------- AI 洞察面处理器 ---------- */

// AI 路由只分析调用方自带的数据，绝不替调用方执行后端查询：
// 查询数据必须先经过 /api/query 自己的 db:query 授权。
func analyzeHandler(svc *insight.Service) gin.HandlerFunc {
	type requestBody struct {
		Data    []map[string]any `json:"data" binding:"required"`
		Context string           `json:"context"`
	}
	return func(c *gin.Context) {
		if svc == nil {
			badRequest(c, "AI 洞察未启用，请配置文本生成后端")
			return
		}
		var body requestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			bindError(c, err, "请求体缺少 data 字段")
			return
		}
		rs := domain.RowSetFromMaps(body.Data)
		result, err := svc.Analyze(c.Request.Context(), rs, body.Context)
		if err != nil {
			respondErr(c, err)
			return
		}
		respondData(c, http.StatusOK, result)
	}
}

func recommendHandler(svc *insight.Service) gin.HandlerFunc {
	type requestBody struct {
		Data    []map[string]any `json:"data" binding:"required"`
		Goal    string           `json:"goal" binding:"required"`
		Context string           `json:"context"`
	}
	return func(c *gin.Context) {
		if svc == nil {
			badRequest(c, "AI 洞察未启用，请配置文本生成后端")
			return
		}
		var body requestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			bindError(c, err, "请求体缺少 data 或 goal 字段")
			return
		}
		rs := domain.RowSetFromMaps(body.Data)
		recs, err := svc.Recommend(c.Request.Context(), rs, body.Goal, body.Context)
		if err != nil {
			respondErr(c, err)
			return
		}
		respondData(c, http.StatusOK, gin.H{"recommendations": recs})
	}
}

/* ---------- 主体与角色控制面处理器 ---------- */

func listKeysHandler(authority *rbac.Authority) gin.HandlerFunc {
	return func(c *gin.Context) {
		respondData(c, http.StatusOK, authority.ListKeys())
	}
}

func createKeyHandler(authority *rbac.Authority) gin.HandlerFunc {
	type requestBody struct {
		DisplayName string   `json:"display_name" binding:"required"`
		Roles       []string `json:"roles" binding:"required,min=1"`
	}
	return func(c *gin.Context) {
		var body requestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			bindError(c, err, "请求体缺少 display_name 或 roles 字段")
			return
		}
		key, secret, err := authority.CreateKey(c.Request.Context(), body.DisplayName, body.Roles)
		if err != nil {
			respondErr(c, err)
			return
		}
		// 明文密钥只在这一次响应中出现
		respondData(c, http.StatusCreated, gin.H{
			"key_id":       key.ID,
			"display_name": key.DisplayName,
			"roles":        key.Roles,
			"secret":       secret,
		})
	}
}

func assignRolesHandler(authority *rbac.Authority) gin.HandlerFunc {
	type requestBody struct {
		Roles   []string `json:"roles" binding:"required,min=1"`
		Confirm bool     `json:"confirm"`
	}
	return func(c *gin.Context) {
		var body requestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			bindError(c, err, "请求体缺少 roles 字段")
			return
		}
		keyID := c.Param("id")

		// 整组替换会剥掉最后一个活跃管理员的 admin 角色时，要求显式确认
		if authority.IsLastActiveAdmin(keyID) && !containsRole(body.Roles, domain.RoleAdmin) && !body.Confirm {
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"error": gin.H{
					"kind":    "conflict",
					"message": "该操作将移除最后一个活跃管理员的 admin 角色，需携带 confirm:true 确认",
				},
			})
			return
		}

		if err := authority.AssignRoles(c.Request.Context(), keyID, body.Roles); err != nil {
			respondErr(c, err)
			return
		}
		respondData(c, http.StatusOK, gin.H{"key_id": keyID, "roles": body.Roles})
	}
}

func revokeKeyHandler(authority *rbac.Authority) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID := c.Param("id")

		if authority.IsLastActiveAdmin(keyID) && !strings.EqualFold(c.Query("confirm"), "true") {
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"error": gin.H{
					"kind":    "conflict",
					"message": "吊销最后一个活跃管理员密钥需携带 confirm=true 确认",
				},
			})
			return
		}

		if err := authority.RevokeKey(c.Request.Context(), keyID); err != nil {
			respondErr(c, err)
			return
		}
		respondData(c, http.StatusOK, gin.H{"key_id": keyID, "revoked": true})
	}
}

func listRolesHandler(authority *rbac.Authority) gin.HandlerFunc {
	return func(c *gin.Context) {
		respondData(c, http.StatusOK, authority.ListRoles())
	}
}

func createRoleHandler(authority *rbac.Authority) gin.HandlerFunc {
	type requestBody struct {
		Name        string   `json:"name" binding:"required"`
		Description string   `json:"description"`
		Permissions []string `json:"permissions" binding:"required,min=1"`
	}
	return func(c *gin.Context) {
		var body requestBody
		if err := c.ShouldBindJSON(&body); err != nil {
			bindError(c, err, "请求体缺少 name 或 permissions 字段")
			return
		}
		perms := make([]domain.Permission, 0, len(body.Permissions))
		for _, p := range body.Permissions {
			perms = append(perms, domain.Permission(p))
		}
		if err := authority.CreateRole(c.Request.Context(), body.Name, body.Description, perms); err != nil {
			respondErr(c, err)
			return
		}
		respondData(c, http.StatusCreated, gin.H{"name": body.Name})
	}
}

func deleteRoleHandler(authority *rbac.Authority) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authority.DeleteRole(c.Request.Context(), c.Param("name")); err != nil {
			respondErr(c, err)
			return
		}
		respondData(c, http.StatusOK, gin.H{"name": c.Param("name"), "deleted": true})
	}
}

func containsRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}
