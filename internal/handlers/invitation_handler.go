package handlers

import (
	"strconv"

	"github.com/ajbcloud/FutsalCulture-sub001/internal/middleware"
	"github.com/ajbcloud/FutsalCulture-sub001/internal/services"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/pagination"
	"github.com/ajbcloud/FutsalCulture-sub001/pkg/response"

	"github.com/gin-gonic/gin"
)

// InvitationHandler 邀请处理器
type InvitationHandler struct {
	invitationService *services.InvitationService
	eventService      *services.EventService
}

// NewInvitationHandler 创建邀请处理器
func NewInvitationHandler(invitationService *services.InvitationService, eventService *services.EventService) *InvitationHandler {
	return &InvitationHandler{
		invitationService: invitationService,
		eventService:      eventService,
	}
}

// Create 创建单条邀请
// @Summary 创建邀请
// @Description 俱乐部管理员邀请球员、家长或教练加入
// @Tags 邀请管理
// @Accept json
// @Produce json
// @Param request body services.CreateInvitationRequest true "邀请信息"
// @Success 200 {object} response.Response{data=models.Invitation}
// @Router /api/v1/invitations [post]
func (h *InvitationHandler) Create(c *gin.Context) {
	var req services.CreateInvitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	tenantID := middleware.GetTenantID(c)
	userID := middleware.GetUserID(c)

	invitation, err := h.invitationService.Create(tenantID, userID, &req)
	if err != nil {
		response.HandleError(c, err)
		return
	}

	response.Success(c, invitation)
}

// List 获取邀请列表
// @Summary 获取邀请列表
// @Description 分页获取当前俱乐部的邀请记录，支持按状态过滤
// @Tags 邀请管理
// @Accept json
// @Produce json
// @Param status query string false "邀请状态(pending/sent/viewed/accepted/expired/cancelled)"
// @Param page query int false "页码"
// @Param page_size query int false "每页条数"
// @Success 200 {object} response.Response{data=[]services.InvitationSummary}
// @Router /api/v1/invitations [get]
func (h *InvitationHandler) List(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)
	status := c.Query("status")
	params := pagination.ParsePageParams(c)

	invitations, total, err := h.invitationService.ListByTenant(tenantID, status, params.GetOffset(), params.GetLimit())
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	summaries := make([]*services.InvitationSummary, 0, len(invitations))
	for i := range invitations {
		summaries = append(summaries, services.ToSummary(&invitations[i]))
	}

	response.SuccessWithPage(c, summaries, pagination.NewPageInfo(params.Page, params.PageSize, total))
}

// Get 获取邀请详情
// @Summary 获取邀请详情
// @Tags 邀请管理
// @Produce json
// @Param id path int true "邀请ID"
// @Success 200 {object} response.Response{data=models.Invitation}
// @Router /api/v1/invitations/{id} [get]
func (h *InvitationHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "邀请ID格式错误")
		return
	}

	invitation, err := h.invitationService.GetByID(uint(id))
	if err != nil {
		response.HandleError(c, err)
		return
	}

	if invitation.TenantID != middleware.GetTenantID(c) {
		response.Forbidden(c, "无权访问该邀请")
		return
	}

	response.Success(c, invitation)
}

// Cancel 取消邀请
// @Summary 取消邀请
// @Description 管理员撤回尚未接受的邀请
// @Tags 邀请管理
// @Produce json
// @Param id path int true "邀请ID"
// @Success 200 {object} response.Response{data=models.Invitation}
// @Router /api/v1/invitations/{id}/cancel [post]
func (h *InvitationHandler) Cancel(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "邀请ID格式错误")
		return
	}

	invitation, err := h.invitationService.GetByID(uint(id))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	if invitation.TenantID != middleware.GetTenantID(c) {
		response.Forbidden(c, "无权访问该邀请")
		return
	}

	invitation, err = h.invitationService.Cancel(uint(id), middleware.GetUserID(c))
	if err != nil {
		response.HandleError(c, err)
		return
	}

	response.SuccessWithMessage(c, "邀请已取消", invitation)
}

// UpdateMetadata 更新邀请附加信息
// @Summary 更新邀请附加信息
// @Description 合并更新元数据，可同时修改欢迎留言；终态邀请不可修改
// @Tags 邀请管理
// @Accept json
// @Produce json
// @Param id path int true "邀请ID"
// @Success 200 {object} response.Response{data=models.Invitation}
// @Router /api/v1/invitations/{id} [patch]
func (h *InvitationHandler) UpdateMetadata(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "邀请ID格式错误")
		return
	}

	var req struct {
		Metadata map[string]interface{} `json:"metadata"`
		Message  *string                `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	invitation, err := h.invitationService.GetByID(uint(id))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	if invitation.TenantID != middleware.GetTenantID(c) {
		response.Forbidden(c, "无权访问该邀请")
		return
	}

	invitation, err = h.invitationService.UpdateMetadata(uint(id), req.Metadata, req.Message)
	if err != nil {
		response.HandleError(c, err)
		return
	}

	response.Success(c, invitation)
}

// Events 获取邀请的投递事件
// @Summary 获取邀请事件轨迹
// @Description 按时间顺序返回邀请的全部投递和状态事件
// @Tags 邀请管理
// @Produce json
// @Param id path int true "邀请ID"
// @Success 200 {object} response.Response{data=[]models.DeliveryEvent}
// @Router /api/v1/invitations/{id}/events [get]
func (h *InvitationHandler) Events(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "邀请ID格式错误")
		return
	}

	invitation, err := h.invitationService.GetByID(uint(id))
	if err != nil {
		response.HandleError(c, err)
		return
	}
	if invitation.TenantID != middleware.GetTenantID(c) {
		response.Forbidden(c, "无权访问该邀请")
		return
	}

	events, err := h.eventService.ListByInvitation(uint(id))
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, events)
}

// Validate 校验邀请令牌（公开接口）
// @Summary 校验邀请令牌
// @Description 受邀人打开邀请链接时校验令牌有效性，不改变状态
// @Tags 邀请接受
// @Produce json
// @Param token path string true "邀请令牌"
// @Success 200 {object} response.Response{data=services.InvitationSummary}
// @Router /api/v1/invites/{token} [get]
func (h *InvitationHandler) Validate(c *gin.Context) {
	invitation, err := h.invitationService.Validate(c.Param("token"))
	if err != nil {
		response.HandleError(c, err)
		return
	}

	response.Success(c, services.ToSummary(invitation))
}

// MarkViewed 标记邀请已查看（公开接口）
// @Summary 标记邀请已查看
// @Description 受邀人浏览邀请详情页时调用，重复调用幂等
// @Tags 邀请接受
// @Produce json
// @Param token path string true "邀请令牌"
// @Success 200 {object} response.Response{data=services.InvitationSummary}
// @Router /api/v1/invites/{token}/view [post]
func (h *InvitationHandler) MarkViewed(c *gin.Context) {
	invitation, err := h.invitationService.MarkViewed(c.Param("token"))
	if err != nil {
		response.HandleError(c, err)
		return
	}

	response.Success(c, services.ToSummary(invitation))
}

// Accept 接受邀请（公开接口）
// @Summary 接受邀请
// @Description 受邀人提交资料并接受邀请，邀请进入终态
// @Tags 邀请接受
// @Accept json
// @Produce json
// @Param token path string true "邀请令牌"
// @Param request body services.AcceptProfile true "个人资料"
// @Success 200 {object} response.Response{data=services.InvitationSummary}
// @Router /api/v1/invites/{token}/accept [post]
func (h *InvitationHandler) Accept(c *gin.Context) {
	var profile services.AcceptProfile
	if err := c.ShouldBindJSON(&profile); err != nil {
		response.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}

	invitation, err := h.invitationService.Accept(c.Param("token"), &profile, nil)
	if err != nil {
		response.HandleError(c, err)
		return
	}

	response.SuccessWithMessage(c, "邀请已接受", services.ToSummary(invitation))
}
