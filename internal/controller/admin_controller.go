package controller

import (
	"strconv"

	"converse_backend/internal/service"
	"converse_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// AdminController 审核面入口。路由层已经限定了平台管理员角色，
// 这里不再重复校验。
type AdminController struct {
	Moderation *service.ModerationService
	Messages   *service.MessageService
}

func NewAdminController(moderation *service.ModerationService, messages *service.MessageService) *AdminController {
	return &AdminController{Moderation: moderation, Messages: messages}
}

// FlagRequest 举报标记请求
type FlagRequest struct {
	Reason string `json:"reason" example:"spam"`
}

// ListAllConversations godoc
// @Summary 全量会话清单
// @Description 包含已停用会话，不受参与关系限制
// @Tags 审核
// @Produce json
// @Security ApiKeyAuth
// @Param   page query int false "页码" default(1)
// @Param   limit query int false "每页数量" default(50)
// @Success 200 {object} util.Response{data=util.PageResponse}
// @Router /api/admin/chat/conversations [get]
func (ctrl *AdminController) ListAllConversations(c *gin.Context) {
	page, limit := pageParams(c)
	convs, total, err := ctrl.Moderation.ListAllConversations(page, limit)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, util.PageResponse{List: convs, Total: total, Page: page, Limit: limit})
}

// GetTranscript godoc
// @Summary 完整消息流
// @Description 审计视图：包含软删除的消息，已停用会话同样可读
// @Tags 审核
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Success 200 {object} util.Response{data=util.PageResponse}
// @Router /api/admin/chat/conversations/{id}/messages [get]
func (ctrl *AdminController) GetTranscript(c *gin.Context) {
	page, limit := pageParams(c)
	msgs, total, err := ctrl.Moderation.ListTranscript(c.Param("id"), page, limit)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, util.PageResponse{List: msgs, Total: total, Page: page, Limit: limit})
}

// GetMessage godoc
// @Summary 按ID读取消息
// @Description 不管消息所在会话是否已停用，记录都可直接读取
// @Tags 审核
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "消息ID"
// @Success 200 {object} util.Response{data=model.Message}
// @Router /api/admin/chat/messages/{id} [get]
func (ctrl *AdminController) GetMessage(c *gin.Context) {
	msg, err := ctrl.Moderation.GetMessage(c.Param("id"))
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, msg)
}

// ListFlagged godoc
// @Summary 待审核队列
// @Description 当前被举报且未删除的消息，最近举报的在前
// @Tags 审核
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response
// @Router /api/admin/chat/flagged [get]
func (ctrl *AdminController) ListFlagged(c *gin.Context) {
	page, limit := pageParams(c)
	msgs, err := ctrl.Moderation.ListFlagged(page, limit)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, msgs)
}

// FlagMessage godoc
// @Summary 标记消息
// @Tags 审核
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "消息ID"
// @Param   request body FlagRequest false "举报原因"
// @Success 200 {object} util.Response
// @Router /api/admin/chat/messages/{id}/flag [post]
func (ctrl *AdminController) FlagMessage(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req FlagRequest
	c.ShouldBindJSON(&req)

	if err := ctrl.Messages.Flag(claims.UserID, claims.Role, c.Param("id"), req.Reason); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// UnflagMessage godoc
// @Summary 解除标记
// @Tags 审核
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "消息ID"
// @Success 200 {object} util.Response
// @Router /api/admin/chat/messages/{id}/flag [delete]
func (ctrl *AdminController) UnflagMessage(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	if err := ctrl.Messages.Unflag(claims.UserID, claims.Role, c.Param("id")); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// DeleteMessage godoc
// @Summary 管理员删除消息
// @Description 软删除任意消息，内容保留在台账供审计
// @Tags 审核
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "消息ID"
// @Success 200 {object} util.Response
// @Router /api/admin/chat/messages/{id} [delete]
func (ctrl *AdminController) DeleteMessage(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	if err := ctrl.Messages.SoftDelete(claims.UserID, claims.Role, c.Param("id")); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// AddMember godoc
// @Summary 管理员添加成员
// @Tags 审核
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   request body MemberRequest true "目标用户"
// @Success 200 {object} util.Response
// @Router /api/admin/chat/conversations/{id}/members [post]
func (ctrl *AdminController) AddMember(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req MemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}
	if err := ctrl.Moderation.AddMember(claims.UserID, c.Param("id"), req.UserID); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// RemoveMember godoc
// @Summary 管理员移除成员
// @Description 创建者同样不可被移除
// @Tags 审核
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   userId path int true "目标用户ID"
// @Success 200 {object} util.Response
// @Router /api/admin/chat/conversations/{id}/members/{userId} [delete]
func (ctrl *AdminController) RemoveMember(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	targetID, err := strconv.ParseUint(c.Param("userId"), 10, 32)
	if err != nil {
		util.BadRequest(c, "invalid user id")
		return
	}
	if err := ctrl.Moderation.RemoveMember(claims.UserID, c.Param("id"), uint(targetID)); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// DeactivateConversation godoc
// @Summary 停用群聊
// @Description 会话下线且全部消息软删除；General 频道受保护不可停用
// @Tags 审核
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Success 200 {object} util.Response
// @Router /api/admin/chat/conversations/{id} [delete]
func (ctrl *AdminController) DeactivateConversation(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	if err := ctrl.Moderation.DeactivateGroup(claims.UserID, c.Param("id")); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}
