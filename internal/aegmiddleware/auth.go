// Package aegmiddleware — API Key 认证与授权中间件
// file: internal/aegmiddleware/auth.go
package aegmiddleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
	"DataAegis/internal/service/rbac"
)

// principalKey 是认证主体在 gin 上下文中的存放键。
const principalKey = "dataaegis.principal"

// PrincipalFrom 取出当前请求的认证主体；未认证路由返回 nil。
func PrincipalFrom(c *gin.Context) *domain.APIKey {
	v, exists := c.Get(principalKey)
	if !exists {
		return nil
	}
	key, _ := v.(*domain.APIKey)
	return key
}

// Authenticate 校验 Authorization: Bearer <secret> 并把主体挂到上下文。
// 缺失、无效或已吊销的密钥一律 401，吊销立即生效没有宽限期。
func Authenticate(authority *rbac.Authority) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret, ok := bearerSecret(c.GetHeader("Authorization"))
		if !ok {
			unauthorized(c, "缺少 API Key，请在 Authorization 头携带 Bearer 凭据")
			return
		}

		key, err := authority.Authenticate(secret)
		if err != nil {
			if errors.Is(err, port.ErrRevokedKey) {
				slog.Warn("认证失败: 密钥已被吊销", "path", c.Request.URL.Path, "ip", c.ClientIP())
				unauthorized(c, "API Key 已被吊销")
				return
			}
			slog.Warn("认证失败: 密钥无效", "path", c.Request.URL.Path, "ip", c.ClientIP())
			unauthorized(c, "API Key 无效")
			return
		}

		c.Set(principalKey, key)
		c.Next()
	}
}

// RequirePermission 要求当前主体持有指定权限，否则 403。
// 必须挂在 Authenticate 之后。
func RequirePermission(authority *rbac.Authority, perm domain.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := PrincipalFrom(c)
		if key == nil {
			unauthorized(c, "认证信息缺失")
			return
		}
		if !authority.CheckPermission(key.ID, perm) {
			slog.Warn("授权失败: 权限不足",
				"key_id", key.ID, "permission", string(perm), "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error": gin.H{
					"kind":    "authorization",
					"message": "当前 API Key 不具备所需权限: " + string(perm),
				},
			})
			return
		}
		c.Next()
	}
}

func bearerSecret(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	secret := strings.TrimSpace(header[len(prefix):])
	return secret, secret != ""
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error": gin.H{
			"kind":    "authentication",
			"message": message,
		},
	})
}
