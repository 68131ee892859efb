package middleware

import (
	"strings"

	"github.com/ajbcloud/FutsalCulture-sub001/pkg/jwt"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/response"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware 权限中间件
// 认证只依赖JWT声明，不回查用户表；本服务不拥有用户数据
type AuthMiddleware struct {
	jwtManager *jwt.JWTManager
}

func NewAuthMiddleware() *AuthMiddleware {
	return &AuthMiddleware{
		jwtManager: jwt.GetJWTManager(), // 使用全局JWT管理器
	}
}

// RequireLogin 要求携带有效JWT
func (m *AuthMiddleware) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 从Authorization头获取JWT token
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "请先登录")
			c.Abort()
			return
		}

		// 检查Bearer格式
		if !strings.HasPrefix(authHeader, "Bearer ") {
			response.Unauthorized(c, "认证头格式错误")
			c.Abort()
			return
		}

		// 提取token
		tokenString := authHeader[7:] // 去掉 "Bearer "

		// 验证token
		claims, err := m.jwtManager.VerifyToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Token无效或已过期")
			c.Abort()
			return
		}

		// 将声明信息保存到上下文
		c.Set("user_id", claims.UserID)
		c.Set("tenant_id", claims.TenantID)
		c.Set("username", claims.Username)
		c.Set("is_platform_admin", claims.IsPlatformAdmin)
		c.Set("is_tenant_admin", claims.IsTenantAdmin)
		c.Set("claims", claims)

		c.Next()
	}
}

// RequireTenantAdmin 要求租户管理员（俱乐部管理员或平台管理员）
func (m *AuthMiddleware) RequireTenantAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "请先登录")
			c.Abort()
			return
		}

		jwtClaims := claims.(*jwt.JWTClaims)
		if !jwtClaims.IsPlatformAdmin && !jwtClaims.IsTenantAdmin {
			response.Forbidden(c, "需要管理员权限")
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequirePlatformAdmin 要求平台管理员
func (m *AuthMiddleware) RequirePlatformAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "请先登录")
			c.Abort()
			return
		}

		if !claims.(*jwt.JWTClaims).IsPlatformAdmin {
			response.Forbidden(c, "需要平台管理员权限")
			c.Abort()
			return
		}

		c.Next()
	}
}

// GetTenantID 从上下文读取当前租户ID
func GetTenantID(c *gin.Context) uint {
	if v, exists := c.Get("tenant_id"); exists {
		return v.(uint)
	}
	return 0
}

// GetUserID 从上下文读取当前用户ID
func GetUserID(c *gin.Context) uint {
	if v, exists := c.Get("user_id"); exists {
		return v.(uint)
	}
	return 0
}
