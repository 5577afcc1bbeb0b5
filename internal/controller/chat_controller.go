package controller

import (
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"converse_backend/internal/config"
	"converse_backend/internal/model"
	"converse_backend/internal/service"
	"converse_backend/internal/util"
	"converse_backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ChatController 会话与消息的HTTP入口
type ChatController struct {
	Directory *service.DirectoryService
	Messages  *service.MessageService
	Storage   *service.StorageService
	Hub       *service.ChatHub
	Config    *config.Config
}

func NewChatController(directory *service.DirectoryService, messages *service.MessageService, storage *service.StorageService, hub *service.ChatHub, cfg *config.Config) *ChatController {
	return &ChatController{
		Directory: directory,
		Messages:  messages,
		Storage:   storage,
		Hub:       hub,
		Config:    cfg,
	}
}

// CreatePrivateChatRequest 创建私聊请求
type CreatePrivateChatRequest struct {
	TargetUserID uint `json:"targetUserId" binding:"required" example:"2"`
}

// CreateGroupRequest 创建群聊请求
type CreateGroupRequest struct {
	Name        string `json:"name" binding:"required" example:"Project Sync"`
	Description string `json:"description" example:"Weekly project sync room"`
	MemberIDs   []uint `json:"memberIds" swaggertype:"array,number" example:"1,2,3"`
}

// SendMessageRequest 发送消息请求
type SendMessageRequest struct {
	Type      string  `json:"type" example:"text"`
	Content   string  `json:"content" binding:"required" example:"hello"`
	ReplyToID *string `json:"replyToId" example:"uuid-of-message"`
}

// EditMessageRequest 编辑消息请求
type EditMessageRequest struct {
	Content string `json:"content" binding:"required" example:"hello (fixed)"`
}

// ReactRequest 表情回应请求
type ReactRequest struct {
	Emoji string `json:"emoji" binding:"required" example:"👍"`
}

// MemberRequest 成员操作请求
type MemberRequest struct {
	UserID uint `json:"userId" binding:"required" example:"3"`
}

// UpdateGroupRequest 修改群信息请求
type UpdateGroupRequest struct {
	Name        string `json:"name" example:"New Group Name"`
	Description string `json:"description" example:"Updated description"`
	Avatar      string `json:"avatar" example:"/uploads/avatar.png"`
}

// ConversationView 会话列表项，附带未读数与在线状态
type ConversationView struct {
	model.Conversation
	UnreadCount   int64  `json:"unreadCount"`
	PeerOnline    *bool  `json:"peerOnline,omitempty"`
	DisplayTarget string `json:"displayTarget,omitempty"`
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	return page, limit
}

// HandleWS godoc
// @Summary WebSocket 连接
// @Description 建立 WebSocket 连接以接收实时事件，订阅通过 SUBSCRIBE 帧完成
// @Tags 会话
// @Security ApiKeyAuth
// @Param   token query string true "JWT Token"
// @Success 101 {string} string "Switching Protocols"
// @Router /api/chat/ws [get]
func (ctrl *ChatController) HandleWS(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	service.ServeWs(ctrl.Hub, c.Writer, c.Request, claims.UserID)
}

// GetConversations godoc
// @Summary 会话列表
// @Description 当前用户的活跃会话，按最近活动排序，附带未读数和私聊对端在线状态
// @Tags 会话
// @Produce json
// @Security ApiKeyAuth
// @Param   page query int false "页码" default(1)
// @Param   limit query int false "每页数量" default(50)
// @Success 200 {object} util.Response{data=util.PageResponse}
// @Router /api/chat/conversations [get]
func (ctrl *ChatController) GetConversations(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	page, limit := pageParams(c)

	convs, total, err := ctrl.Directory.ListConversations(claims.UserID, page, limit)
	if err != nil {
		util.Fail(c, err)
		return
	}

	views := make([]ConversationView, 0, len(convs))
	for i := range convs {
		view := ConversationView{Conversation: convs[i]}

		unread, err := ctrl.Messages.UnreadCount(convs[i].ID, claims.UserID)
		if err != nil {
			logger.Log.Warn("Failed to count unread", zap.Error(err), zap.String("conversationId", convs[i].ID))
		}
		view.UnreadCount = unread

		// 私聊附带对端在线状态
		if convs[i].Type == model.ConversationPrivate {
			for _, m := range convs[i].Members {
				if m.UserID != claims.UserID {
					online := ctrl.Hub.IsUserOnline(m.UserID)
					view.PeerOnline = &online
					view.DisplayTarget = m.User.Name
					break
				}
			}
		}
		views = append(views, view)
	}

	util.Success(c, util.PageResponse{List: views, Total: total, Page: page, Limit: limit})
}

// CreatePrivateChat godoc
// @Summary 创建或获取私聊
// @Description 两人之间的私聊幂等创建，并发请求收敛到同一个会话
// @Tags 会话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param   request body CreatePrivateChatRequest true "目标用户"
// @Success 200 {object} util.Response{data=model.Conversation}
// @Failure 400 {object} util.Response "不能和自己私聊"
// @Router /api/chat/privates [post]
func (ctrl *ChatController) CreatePrivateChat(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req CreatePrivateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	conv, err := ctrl.Directory.GetOrCreatePrivateChat(claims.UserID, req.TargetUserID)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, conv)
}

// CreateGroup godoc
// @Summary 创建群聊
// @Description 创建群聊会话，群名在活跃群中唯一，创建者自动成为群管理员
// @Tags 会话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param   request body CreateGroupRequest true "群信息"
// @Success 201 {object} util.Response{data=model.Conversation}
// @Failure 409 {object} util.Response "群名已被占用"
// @Router /api/chat/groups [post]
func (ctrl *ChatController) CreateGroup(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	conv, err := ctrl.Directory.CreateGroup(claims.UserID, req.Name, req.Description, req.MemberIDs)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Created(c, conv)
}

// JoinSingleton godoc
// @Summary 加入系统频道
// @Description 加入保留频道（general / announcements），首次触达时惰性创建，重复加入无操作
// @Tags 会话
// @Produce json
// @Security ApiKeyAuth
// @Param   slug path string true "频道标识" Enums(general, announcements)
// @Success 200 {object} util.Response{data=model.Conversation}
// @Router /api/chat/channels/{slug}/join [post]
func (ctrl *ChatController) JoinSingleton(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	conv, err := ctrl.Directory.JoinSingleton(c.Param("slug"), claims.UserID)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, conv)
}

// GetHistory godoc
// @Summary 消息历史
// @Description 分页读取（page=1 为最新页，页内升序）；带 after 参数时切换为增量拉取，不移动已读位置
// @Tags 消息
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   page query int false "页码" default(1)
// @Param   limit query int false "每页数量" default(50)
// @Param   after query string false "RFC3339Nano 时间戳，返回严格晚于该时刻的消息"
// @Success 200 {object} util.Response
// @Failure 403 {object} util.Response "非会话成员"
// @Router /api/chat/conversations/{id}/messages [get]
func (ctrl *ChatController) GetHistory(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	convID := c.Param("id")

	// 增量拉取：断线重连后的对账路径
	if after := c.Query("after"); after != "" {
		since, err := time.Parse(time.RFC3339Nano, after)
		if err != nil {
			util.BadRequest(c, "after must be an RFC3339 timestamp")
			return
		}
		result, err := ctrl.Messages.ListSince(claims.UserID, convID, since)
		if err != nil {
			util.Fail(c, err)
			return
		}
		util.Success(c, result)
		return
	}

	page, limit := pageParams(c)
	msgs, total, err := ctrl.Messages.ListPage(claims.UserID, convID, page, limit)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, util.PageResponse{List: msgs, Total: total, Page: page, Limit: limit})
}

// SendMessage godoc
// @Summary 发送消息
// @Description 向会话追加一条消息，落库后向房间内订阅者推送
// @Tags 消息
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   request body SendMessageRequest true "消息内容"
// @Success 201 {object} util.Response{data=model.Message}
// @Failure 403 {object} util.Response "非会话成员或公告频道只读"
// @Router /api/chat/conversations/{id}/messages [post]
func (ctrl *ChatController) SendMessage(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	msg, err := ctrl.Messages.Post(claims.UserID, claims.Role, c.Param("id"), req.Type, req.Content, req.ReplyToID)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Created(c, msg)
}

// EditMessage godoc
// @Summary 编辑消息
// @Description 发送者或平台管理员在编辑窗口内修改内容
// @Tags 消息
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "消息ID"
// @Param   request body EditMessageRequest true "新内容"
// @Success 200 {object} util.Response{data=model.Message}
// @Failure 422 {object} util.Response "编辑窗口已过"
// @Router /api/chat/messages/{id} [put]
func (ctrl *ChatController) EditMessage(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	msg, err := ctrl.Messages.Edit(claims.UserID, claims.Role, c.Param("id"), req.Content)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, msg)
}

// DeleteMessage godoc
// @Summary 删除消息
// @Description 软删除，发送者或平台管理员可操作，无时间窗口
// @Tags 消息
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "消息ID"
// @Success 200 {object} util.Response
// @Router /api/chat/messages/{id} [delete]
func (ctrl *ChatController) DeleteMessage(c *gin.Context) {
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

// ReactToMessage godoc
// @Summary 表情回应
// @Description 设置回应，同一用户在同一消息上重复回应时替换旧的
// @Tags 消息
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "消息ID"
// @Param   request body ReactRequest true "表情"
// @Success 200 {object} util.Response
// @Router /api/chat/messages/{id}/reactions [post]
func (ctrl *ChatController) ReactToMessage(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req ReactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	reactions, err := ctrl.Messages.React(claims.UserID, c.Param("id"), req.Emoji)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, gin.H{"reactions": reactions})
}

// MarkAsRead godoc
// @Summary 标记已读
// @Description 把已读位置推进到当前时刻并补写回执，重复调用幂等
// @Tags 消息
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Success 200 {object} util.Response
// @Router /api/chat/conversations/{id}/read [put]
func (ctrl *ChatController) MarkAsRead(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	if err := ctrl.Messages.MarkRead(claims.UserID, c.Param("id")); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// GetMembers godoc
// @Summary 成员列表
// @Tags 会话
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Success 200 {object} util.Response{data=util.PageResponse}
// @Router /api/chat/conversations/{id}/members [get]
func (ctrl *ChatController) GetMembers(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	convID := c.Param("id")
	if !ctrl.Directory.IsParticipant(convID, claims.UserID) && !model.CanModerate(claims.Role) {
		util.Fail(c, util.ErrNotParticipant)
		return
	}
	page, limit := pageParams(c)
	members, total, err := ctrl.Directory.GetMembers(convID, page, limit)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, util.PageResponse{List: members, Total: total, Page: page, Limit: limit})
}

// InviteMember godoc
// @Summary 邀请成员
// @Description 群管理员拉人进群
// @Tags 会话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   request body MemberRequest true "目标用户"
// @Success 200 {object} util.Response
// @Failure 409 {object} util.Response "已是成员"
// @Router /api/chat/conversations/{id}/members [post]
func (ctrl *ChatController) InviteMember(c *gin.Context) {
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
	if err := ctrl.Directory.InviteMember(claims.UserID, claims.Role, c.Param("id"), req.UserID); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// KickMember godoc
// @Summary 移除成员
// @Description 群管理员移除成员，创建者不可被移除
// @Tags 会话
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   userId path int true "目标用户ID"
// @Success 200 {object} util.Response
// @Router /api/chat/conversations/{id}/members/{userId} [delete]
func (ctrl *ChatController) KickMember(c *gin.Context) {
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
	if err := ctrl.Directory.KickMember(claims.UserID, claims.Role, c.Param("id"), uint(targetID)); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// LeaveGroup godoc
// @Summary 退出群聊
// @Description 主动退群；创建者需先转移所有权
// @Tags 会话
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Success 200 {object} util.Response
// @Router /api/chat/conversations/{id}/leave [post]
func (ctrl *ChatController) LeaveGroup(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	if err := ctrl.Directory.LeaveGroup(claims.UserID, c.Param("id")); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// TransferOwnership godoc
// @Summary 转移群主
// @Description 仅现任创建者可操作，新群主必须已在群内
// @Tags 会话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   request body MemberRequest true "新群主"
// @Success 200 {object} util.Response
// @Router /api/chat/conversations/{id}/transfer [post]
func (ctrl *ChatController) TransferOwnership(c *gin.Context) {
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
	if err := ctrl.Directory.TransferOwnership(claims.UserID, c.Param("id"), req.UserID); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// UpdateGroupInfo godoc
// @Summary 修改群信息
// @Description 群管理员修改名称、描述或头像；系统频道不可修改
// @Tags 会话
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   request body UpdateGroupRequest true "群信息"
// @Success 200 {object} util.Response{data=model.Conversation}
// @Router /api/chat/conversations/{id} [put]
func (ctrl *ChatController) UpdateGroupInfo(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req UpdateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}
	conv, err := ctrl.Directory.UpdateGroupInfo(claims.UserID, claims.Role, c.Param("id"), req.Name, req.Description, req.Avatar)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, conv)
}

// FlagMessageRequest 标记/解除标记请求
type FlagMessageRequest struct {
	Flag   bool   `json:"flag" example:"true"`
	Reason string `json:"reason" example:"spam"`
}

// FlagMessage godoc
// @Summary 标记或解除标记消息
// @Description 平台管理员把消息送入/移出待审核队列，角色校验在服务层
// @Tags 消息
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "消息ID"
// @Param   request body FlagMessageRequest true "标记状态"
// @Success 200 {object} util.Response
// @Failure 403 {object} util.Response "需要管理员角色"
// @Router /api/chat/messages/{id}/flag [put]
func (ctrl *ChatController) FlagMessage(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req FlagMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	var err error
	if req.Flag {
		err = ctrl.Messages.Flag(claims.UserID, claims.Role, c.Param("id"), req.Reason)
	} else {
		err = ctrl.Messages.Unflag(claims.UserID, claims.Role, c.Param("id"))
	}
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

var allowedUploadExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".pdf": true, ".docx": true, ".txt": true, ".zip": true,
	".mp4": true, ".mp3": true, ".wav": true,
}

// UploadAttachment godoc
// @Summary 上传附件并发送
// @Description 上传文件到配置的存储后端，并在会话中追加一条附件消息。消息类型由 MIME 推断。
// @Tags 消息
// @Accept multipart/form-data
// @Produce json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   file formData file true "文件"
// @Success 201 {object} util.Response{data=model.Message}
// @Failure 400 {object} util.Response "文件类型不支持"
// @Router /api/chat/conversations/{id}/attachments [post]
func (ctrl *ChatController) UploadAttachment(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		util.BadRequest(c, "file is required")
		return
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowedUploadExts[ext] {
		util.BadRequest(c, "unsupported file type")
		return
	}

	mimeType, err := sniffMimeType(file)
	if err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	// 生成唯一文件名，避免覆盖
	newFilename := fmt.Sprintf("%s-%s", time.Now().Format("20060102150405"), strings.ReplaceAll(file.Filename, " ", "-"))

	// 先落到临时文件，方便探测媒体时长
	tmpPath := filepath.Join(os.TempDir(), newFilename)
	if err := c.SaveUploadedFile(file, tmpPath); err != nil {
		util.Fail(c, err)
		return
	}
	defer os.Remove(tmpPath)

	att := model.Attachment{
		FileName:     newFilename,
		OriginalName: file.Filename,
		MimeType:     mimeType,
		Size:         file.Size,
	}

	if util.IsVideo(mimeType) || strings.HasPrefix(mimeType, "audio/") {
		if info, err := util.ProbeMedia(tmpPath); err == nil {
			att.Duration = int(info.Duration)
		} else {
			logger.Log.Warn("Media probe failed", zap.Error(err), zap.String("file", file.Filename))
		}
	}

	url, err := ctrl.Storage.UploadFile(c.Request.Context(), newFilename, tmpPath, mimeType)
	if err != nil {
		util.Fail(c, err)
		return
	}
	att.URL = url

	msg, err := ctrl.Messages.PostAttachment(claims.UserID, claims.Role, c.Param("id"), att)
	if err != nil {
		// 消息没发出去，清掉孤儿文件
		if delErr := ctrl.Storage.Delete(c.Request.Context(), newFilename); delErr != nil {
			logger.Log.Warn("Failed to clean up orphan attachment", zap.Error(delErr))
		}
		util.Fail(c, err)
		return
	}
	util.Created(c, msg)
}

func sniffMimeType(file *multipart.FileHeader) (string, error) {
	f, err := file.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	return util.ValidateMimeType(f, []string{
		"image/", "video/", "audio/", "text/",
		"application/pdf", "application/zip", "application/octet-stream",
		"application/vnd.openxmlformats-officedocument",
	})
}
