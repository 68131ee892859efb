package router

import (
	"time"

	"github.com/ajbcloud/FutsalCulture-sub001/internal/handlers"
	"github.com/ajbcloud/FutsalCulture-sub001/internal/middleware"
	"github.com/ajbcloud/FutsalCulture-sub001/internal/services"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/queue"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/response"

	"github.com/gin-gonic/gin"
)

// Services 路由依赖的服务集合
type Services struct {
	Invitations *services.InvitationService
	Events      *services.EventService
	Dispatch    *services.BatchDispatchService
	Tracker     *queue.ProgressTracker
}

// SetupRouter 设置路由
func SetupRouter(svcs *Services) *gin.Engine {
	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.SetupCORS())

	// 注册路由
	registerRoutes(router, svcs)
	return router
}

// 注册所有路由
func registerRoutes(router *gin.Engine, svcs *Services) {

	auth := middleware.NewAuthMiddleware()

	invitationHandler := handlers.NewInvitationHandler(svcs.Invitations, svcs.Events)
	batchHandler := handlers.NewBatchHandler(svcs.Dispatch)
	wsHandler := handlers.NewWebSocketHandler(svcs.Tracker, svcs.Dispatch)

	// API路由组
	api := router.Group("/api/v1")
	{
		// 健康检查接口
		api.GET("/health", healthCheck)
		api.GET("/ping", ping)

		// 受邀人接受流程（无需认证，凭令牌访问）
		invites := api.Group("/invites")
		{
			invites.GET("/:token", invitationHandler.Validate)        // 校验令牌
			invites.POST("/:token/view", invitationHandler.MarkViewed) // 标记已查看
			invites.POST("/:token/accept", invitationHandler.Accept)   // 接受邀请
		}

		// 🔒 邀请管理（需要管理员权限）
		invitations := api.Group("/invitations", auth.RequireLogin(), auth.RequireTenantAdmin())
		{
			invitations.POST("", invitationHandler.Create)
			invitations.GET("", invitationHandler.List)

			// 批量邀请
			batches := invitations.Group("/batches")
			{
				batches.POST("", batchHandler.Create)
				batches.GET("/:batchId", batchHandler.Get)
				batches.GET("/:batchId/progress", batchHandler.Progress)
				batches.POST("/:batchId/cancel", batchHandler.Cancel)
				batches.POST("/:batchId/retry", batchHandler.Retry)
			}

			invitations.GET("/:id", invitationHandler.Get)
			invitations.PATCH("/:id", invitationHandler.UpdateMetadata)
			invitations.POST("/:id/cancel", invitationHandler.Cancel)
			invitations.GET("/:id/events", invitationHandler.Events)
		}

		// WebSocket批次进度推送（token通过查询参数传递）
		api.GET("/ws/batches/:batchId/progress", wsHandler.BatchProgress)
	}
}

func healthCheck(c *gin.Context) {
	data := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
		"service":   "FutsalCulture-Invite",
		"version":   "1.0.0",
	}
	response.Success(c, data)
}

func ping(c *gin.Context) {
	response.SuccessWithMessage(c, "pong", nil)
}
