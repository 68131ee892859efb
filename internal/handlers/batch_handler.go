package handlers

import (
	"github.com/ajbcloud/FutsalCulture-sub001/internal/middleware"
	"github.com/ajbcloud/FutsalCulture-sub001/internal/services"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/response"

	"github.com/gin-gonic/gin"
)

// BatchHandler 批量邀请处理器
type BatchHandler struct {
	dispatchService *services.BatchDispatchService
}

// NewBatchHandler 创建批量邀请处理器
func NewBatchHandler(dispatchService *services.BatchDispatchService) *BatchHandler {
	return &BatchHandler{
		dispatchService: dispatchService,
	}
}

// Create 提交批量邀请
// @Summary 提交批量邀请
// @Description 同步创建批次和全部邀请记录，异步执行投递，立即返回批次ID
// @Tags 批量邀请
// @Accept json
// @Produce json
// @Param request body services.CreateBatchRequest true "批次信息"
// @Success 200 {object} response.Response{data=models.InviteBatch}
// @Router /api/v1/invitations/batches [post]
func (h *BatchHandler) Create(c *gin.Context) {
	var req services.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	tenantID := middleware.GetTenantID(c)
	userID := middleware.GetUserID(c)

	batch, err := h.dispatchService.Submit(tenantID, userID, &req)
	if err != nil {
		response.HandleError(c, err)
		return
	}

	response.SuccessWithMessage(c, "批次已创建，投递进行中", batch)
}

// Get 获取批次详情
// @Summary 获取批次详情
// @Description 返回批次记录及其错误日志
// @Tags 批量邀请
// @Produce json
// @Param batchId path string true "批次ID"
// @Success 200 {object} response.Response{data=models.InviteBatch}
// @Router /api/v1/invitations/batches/{batchId} [get]
func (h *BatchHandler) Get(c *gin.Context) {
	batch, err := h.dispatchService.GetBatch(c.Param("batchId"))
	if err != nil {
		response.HandleError(c, err)
		return
	}

	if batch.TenantID != middleware.GetTenantID(c) {
		response.Forbidden(c, "无权访问该批次")
		return
	}

	response.Success(c, batch)
}

// Progress 获取批次进度
// @Summary 获取批次进度快照
// @Description 处理中的批次返回实时计数，已结束的批次返回最终计数
// @Tags 批量邀请
// @Produce json
// @Param batchId path string true "批次ID"
// @Success 200 {object} response.Response{data=services.BatchProgress}
// @Router /api/v1/invitations/batches/{batchId}/progress [get]
func (h *BatchHandler) Progress(c *gin.Context) {
	batch, err := h.dispatchService.GetBatch(c.Param("batchId"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	if batch.TenantID != middleware.GetTenantID(c) {
		response.Forbidden(c, "无权访问该批次")
		return
	}

	progress, err := h.dispatchService.Progress(c.Param("batchId"))
	if err != nil {
		response.HandleError(c, err)
		return
	}

	response.Success(c, progress)
}

// Cancel 取消批次
// @Summary 取消批次
// @Description 协作式取消：在途投递完成后不再调度新的投递，已结束的批次返回冲突
// @Tags 批量邀请
// @Produce json
// @Param batchId path string true "批次ID"
// @Success 200 {object} response.Response
// @Router /api/v1/invitations/batches/{batchId}/cancel [post]
func (h *BatchHandler) Cancel(c *gin.Context) {
	batch, err := h.dispatchService.GetBatch(c.Param("batchId"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	if batch.TenantID != middleware.GetTenantID(c) {
		response.Forbidden(c, "无权访问该批次")
		return
	}

	if err := h.dispatchService.Cancel(c.Param("batchId")); err != nil {
		response.HandleError(c, err)
		return
	}

	response.SuccessWithMessage(c, "批次取消信号已发送", nil)
}

// Retry 重试批次失败项
// @Summary 重试批次内投递失败的邀请
// @Description 每个失败项获得全新的尝试预算，批次重新进入processing
// @Tags 批量邀请
// @Produce json
// @Param batchId path string true "批次ID"
// @Success 200 {object} response.Response
// @Router /api/v1/invitations/batches/{batchId}/retry [post]
func (h *BatchHandler) Retry(c *gin.Context) {
	batch, err := h.dispatchService.GetBatch(c.Param("batchId"))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	if batch.TenantID != middleware.GetTenantID(c) {
		response.Forbidden(c, "无权访问该批次")
		return
	}

	retried, err := h.dispatchService.RetryFailed(c.Param("batchId"))
	if err != nil {
		response.HandleError(c, err)
		return
	}

	response.Success(c, gin.H{"retried": retried})
}
