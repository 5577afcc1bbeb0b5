package service

import (
	"errors"
	"strings"
	"time"

	"converse_backend/internal/model"
	"converse_backend/internal/repository"
	"converse_backend/internal/util"
	"converse_backend/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxContentLength = 2000
	maxEmojiLength   = 32
	// 发出后5分钟内可编辑，对发送者和管理员一视同仁
	editWindow = 5 * time.Minute
)

// SinceResult 增量拉取的响应体
type SinceResult struct {
	Messages        []model.Message `json:"messages"`
	HasNew          bool            `json:"hasNew"`
	LatestTimestamp time.Time       `json:"latestTimestamp"`
}

// MessageService 消息台账：追加、编辑、软删除、回应、已读与举报。
// 写入先落库，实时推送尽力而为；hub 为 nil 时所有写入照常成功。
type MessageService struct {
	msgRepo  repository.MessageRepository
	convRepo repository.ConversationRepository
	hub      Notifier
}

func NewMessageService(msgRepo repository.MessageRepository, convRepo repository.ConversationRepository, hub Notifier) *MessageService {
	return &MessageService{msgRepo: msgRepo, convRepo: convRepo, hub: hub}
}

// activeConversation 读取会话并要求其处于活跃状态
func (s *MessageService) activeConversation(convID string) (*model.Conversation, error) {
	conv, err := s.convRepo.GetByID(convID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrConversationGone
		}
		return nil, err
	}
	if !conv.IsActive {
		return nil, util.ErrConversationGone
	}
	return conv, nil
}

func (s *MessageService) requireParticipant(convID string, userID uint) error {
	if _, err := s.convRepo.GetMember(convID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrNotParticipant
		}
		return err
	}
	return nil
}

func validateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", util.ErrEmptyContent
	}
	if len(content) > maxContentLength {
		return "", util.ErrContentTooLong
	}
	return content, nil
}

// Post 追加一条消息。校验顺序：会话活跃 → 参与关系 → 发言策略 →
// 内容 → 回复引用。全部通过后才分配ID和时间戳。
func (s *MessageService) Post(senderID uint, role model.UserRole, convID, msgType, content string, replyToID *string) (*model.Message, error) {
	conv, err := s.activeConversation(convID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParticipant(convID, senderID); err != nil {
		return nil, err
	}
	// 公告频道只读：普通成员可见不可写
	if conv.IsSingleton(model.SingletonAnnouncements) && !model.CanPostAnnouncements(role) {
		return nil, util.ErrAnnouncementsPost
	}

	content, err = validateContent(content)
	if err != nil {
		return nil, err
	}

	if msgType == "" {
		msgType = model.MessageTypeText
	}
	switch msgType {
	case model.MessageTypeText, model.MessageTypeImage, model.MessageTypeFile:
	default:
		return nil, util.ErrInvalidArgument
	}

	if replyToID != nil && *replyToID != "" {
		replied, err := s.msgRepo.GetByID(*replyToID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, util.ErrMessageNotFound
			}
			return nil, err
		}
		if replied.ConversationID != convID {
			return nil, util.ErrReplyCrossConv
		}
	} else {
		replyToID = nil
	}

	msg := &model.Message{
		ConversationID: convID,
		SenderID:       &senderID,
		Type:           msgType,
		Content:        content,
		ReplyToID:      replyToID,
	}
	if err := s.msgRepo.Create(msg); err != nil {
		return nil, err
	}

	s.afterAppend(conv, msg)
	return msg, nil
}

// PostAttachment 追加一条带附件的消息，消息类型由 MIME 推断，
// 内容为原始文件名。
func (s *MessageService) PostAttachment(senderID uint, role model.UserRole, convID string, att model.Attachment) (*model.Message, error) {
	conv, err := s.activeConversation(convID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParticipant(convID, senderID); err != nil {
		return nil, err
	}
	if conv.IsSingleton(model.SingletonAnnouncements) && !model.CanPostAnnouncements(role) {
		return nil, util.ErrAnnouncementsPost
	}

	msg := &model.Message{
		ConversationID: convID,
		SenderID:       &senderID,
		Type:           model.MessageTypeForMime(att.MimeType),
		Content:        att.OriginalName,
		Attachment:     att,
	}
	if err := s.msgRepo.Create(msg); err != nil {
		return nil, err
	}

	s.afterAppend(conv, msg)
	return msg, nil
}

// PostSystem 写入系统消息（sender 为空），目录侧的成员变动公告走这里
func (s *MessageService) PostSystem(convID, content string) (*model.Message, error) {
	conv, err := s.activeConversation(convID)
	if err != nil {
		return nil, err
	}
	msg := &model.Message{
		ConversationID: convID,
		Type:           model.MessageTypeSystem,
		Content:        content,
	}
	if err := s.msgRepo.Create(msg); err != nil {
		return nil, err
	}
	s.afterAppend(conv, msg)
	return msg, nil
}

// afterAppend 刷新会话预览并推送事件。任何一步失败都不影响已落库的消息。
func (s *MessageService) afterAppend(conv *model.Conversation, msg *model.Message) {
	if err := s.convRepo.UpdateLastMessage(conv.ID, msg.Content, msg.SenderID, msg.CreatedAt); err != nil {
		logger.Log.Error("Failed to update conversation preview",
			zap.Error(err), zap.String("conversationId", conv.ID))
	}

	if s.hub == nil {
		return
	}
	s.hub.BroadcastToRoom(conv.ID, WSMessage{Type: EventNewMessage, Data: msg})

	memberIDs, err := s.convRepo.MemberIDs(conv.ID)
	if err != nil {
		logger.Log.Error("Failed to load member ids for fan-out", zap.Error(err))
		return
	}
	s.hub.PushToUsers(memberIDs, WSMessage{
		Type: EventConversationUpdated,
		Data: map[string]interface{}{
			"conversationId":     conv.ID,
			"lastMessageContent": msg.Content,
			"lastMessageAt":      msg.CreatedAt,
		},
	})
}

// ownedMessage 取消息并校验操作权限：发送者本人，或平台管理员
func (s *MessageService) ownedMessage(actorID uint, role model.UserRole, msgID string) (*model.Message, error) {
	msg, err := s.msgRepo.GetByID(msgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrMessageNotFound
		}
		return nil, err
	}
	if msg.IsDeleted {
		return nil, util.ErrMessageNotFound
	}
	if msg.SenderID == nil || *msg.SenderID != actorID {
		if !model.CanModerate(role) {
			return nil, util.ErrNotMessageOwner
		}
	}
	return msg, nil
}

// Edit 修改消息内容。编辑窗口对所有人生效，包括管理员。
func (s *MessageService) Edit(actorID uint, role model.UserRole, msgID, content string) (*model.Message, error) {
	msg, err := s.ownedMessage(actorID, role, msgID)
	if err != nil {
		return nil, err
	}
	if time.Since(msg.CreatedAt) > editWindow {
		return nil, util.ErrEditWindowExpired
	}

	content, err = validateContent(content)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.msgRepo.SetContent(msgID, content, now); err != nil {
		return nil, err
	}
	msg.Content = content
	msg.IsEdited = true
	msg.EditedAt = &now

	if s.hub != nil {
		s.hub.BroadcastToRoom(msg.ConversationID, WSMessage{
			Type: EventMessageEdited,
			Data: map[string]interface{}{
				"messageId":      msg.ID,
				"conversationId": msg.ConversationID,
				"content":        content,
				"editedAt":       now,
			},
		})
	}
	return msg, nil
}

// SoftDelete 软删除，无时间窗口限制。记录保留在台账里供审计读取。
func (s *MessageService) SoftDelete(actorID uint, role model.UserRole, msgID string) error {
	msg, err := s.ownedMessage(actorID, role, msgID)
	if err != nil {
		return err
	}

	if err := s.msgRepo.SoftDelete(msgID, actorID, time.Now()); err != nil {
		return err
	}

	if s.hub != nil {
		s.hub.BroadcastToRoom(msg.ConversationID, WSMessage{
			Type: EventMessageDeleted,
			Data: map[string]interface{}{
				"messageId":      msg.ID,
				"conversationId": msg.ConversationID,
			},
		})
	}
	return nil
}

// React 设置回应。同一用户在同一消息上重复回应时替换旧的。
func (s *MessageService) React(actorID uint, msgID, emoji string) ([]model.MessageReaction, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, util.ErrInvalidArgument
	}
	if len(emoji) > maxEmojiLength {
		return nil, util.ErrEmojiTooLong
	}

	msg, err := s.msgRepo.GetByID(msgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrMessageNotFound
		}
		return nil, err
	}
	if msg.IsDeleted {
		return nil, util.ErrMessageNotFound
	}
	if err := s.requireParticipant(msg.ConversationID, actorID); err != nil {
		return nil, err
	}

	reactions, err := s.msgRepo.ReplaceReaction(msgID, actorID, emoji)
	if err != nil {
		return nil, err
	}

	if s.hub != nil {
		s.hub.BroadcastToRoom(msg.ConversationID, WSMessage{
			Type: EventMessageReaction,
			Data: map[string]interface{}{
				"messageId":      msg.ID,
				"conversationId": msg.ConversationID,
				"reactions":      reactions,
			},
		})
	}
	return reactions, nil
}

// Flag 标记消息待审核，只有平台管理员可操作
func (s *MessageService) Flag(actorID uint, role model.UserRole, msgID, reason string) error {
	if !model.CanModerate(role) {
		return util.ErrModeratorOnly
	}
	msg, err := s.msgRepo.GetByID(msgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrMessageNotFound
		}
		return err
	}
	if msg.IsDeleted {
		return util.ErrMessageNotFound
	}
	now := time.Now()
	return s.msgRepo.SetFlag(msgID, &actorID, &now, reason, true)
}

// Unflag 解除标记
func (s *MessageService) Unflag(actorID uint, role model.UserRole, msgID string) error {
	if !model.CanModerate(role) {
		return util.ErrModeratorOnly
	}
	if _, err := s.msgRepo.GetByID(msgID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrMessageNotFound
		}
		return err
	}
	return s.msgRepo.SetFlag(msgID, nil, nil, "", false)
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return page, limit
}

// ListPage 分页读取历史。第1页是最新消息；加载第1页同时推进已读位置。
func (s *MessageService) ListPage(callerID uint, convID string, page, limit int) ([]model.Message, int64, error) {
	if _, err := s.activeConversation(convID); err != nil {
		return nil, 0, err
	}
	if err := s.requireParticipant(convID, callerID); err != nil {
		return nil, 0, err
	}

	page, limit = normalizePage(page, limit)
	msgs, total, err := s.msgRepo.ListPage(convID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}

	// 打开会话（读第1页）视为读到最新
	if page == 1 {
		if err := s.MarkRead(callerID, convID); err != nil {
			logger.Log.Warn("Failed to advance read position",
				zap.Error(err), zap.Uint("userId", callerID), zap.String("conversationId", convID))
		}
	}
	return msgs, total, nil
}

// ListSince 增量拉取 since 之后的消息，不移动已读位置。断线重连后
// 客户端用它对账，读到哪里由客户端显式标记。
func (s *MessageService) ListSince(callerID uint, convID string, since time.Time) (*SinceResult, error) {
	if _, err := s.activeConversation(convID); err != nil {
		return nil, err
	}
	if err := s.requireParticipant(convID, callerID); err != nil {
		return nil, err
	}

	msgs, err := s.msgRepo.ListSince(convID, since)
	if err != nil {
		return nil, err
	}

	result := &SinceResult{
		Messages:        msgs,
		HasNew:          len(msgs) > 0,
		LatestTimestamp: since,
	}
	if len(msgs) > 0 {
		result.LatestTimestamp = msgs[len(msgs)-1].CreatedAt
	}
	return result, nil
}

// MarkRead 推进已读位置并补写回执，幂等
func (s *MessageService) MarkRead(userID uint, convID string) error {
	if _, err := s.convRepo.GetMember(convID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrNotParticipant
		}
		return err
	}
	now := time.Now()
	if err := s.convRepo.SetLastRead(convID, userID, now); err != nil {
		return err
	}
	return s.msgRepo.InsertReadReceipts(convID, userID, now)
}

// UnreadCount 非成员返回0，不报错：会话列表聚合时调用方不必先查成员关系
func (s *MessageService) UnreadCount(convID string, userID uint) (int64, error) {
	member, err := s.convRepo.GetMember(convID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return s.msgRepo.UnreadCount(convID, userID, member.LastReadAt)
}
