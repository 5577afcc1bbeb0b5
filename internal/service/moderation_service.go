package service

import (
	"errors"
	"fmt"
	"time"

	"converse_backend/internal/model"
	"converse_backend/internal/repository"
	"converse_backend/internal/util"
	"converse_backend/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ModerationService 审核面：跨所有会话的只读视角加少量管理动作。
// 角色校验在路由中间件完成，这里默认调用方已经是平台管理员。
type ModerationService struct {
	convRepo repository.ConversationRepository
	msgRepo  repository.MessageRepository
	msgSvc   *MessageService
	hub      Notifier
}

func NewModerationService(convRepo repository.ConversationRepository, msgRepo repository.MessageRepository, msgSvc *MessageService, hub Notifier) *ModerationService {
	return &ModerationService{convRepo: convRepo, msgRepo: msgRepo, msgSvc: msgSvc, hub: hub}
}

// ListAllConversations 全量会话清单，含已停用的，不受参与关系限制
func (s *ModerationService) ListAllConversations(page, limit int) ([]model.Conversation, int64, error) {
	page, limit = normalizePage(page, limit)
	return s.convRepo.ListAll(limit, (page-1)*limit)
}

// ListTranscript 审计视图读取完整消息流，软删除的消息照常返回。
// 已停用会话的消息流依然可读。
func (s *ModerationService) ListTranscript(convID string, page, limit int) ([]model.Message, int64, error) {
	if _, err := s.convRepo.GetByID(convID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, util.ErrConversationGone
		}
		return nil, 0, err
	}
	page, limit = normalizePage(page, limit)
	return s.msgRepo.ListTranscript(convID, limit, (page-1)*limit)
}

// GetMessage 按ID直接读取，不管消息所在会话是否已停用
func (s *ModerationService) GetMessage(msgID string) (*model.Message, error) {
	msg, err := s.msgRepo.GetByID(msgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

// ListFlagged 待审核队列
func (s *ModerationService) ListFlagged(page, limit int) ([]model.Message, error) {
	page, limit = normalizePage(page, limit)
	return s.msgRepo.ListFlagged(limit, (page-1)*limit)
}

// AddMember 管理员把用户加进任意会话，附带系统消息公告
func (s *ModerationService) AddMember(actorID uint, convID string, targetID uint) error {
	conv, err := s.convRepo.GetByID(convID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrConversationGone
		}
		return err
	}
	if !conv.IsActive {
		return util.ErrConversationGone
	}

	if _, err := s.convRepo.GetMember(convID, targetID); err == nil {
		return nil // 已是成员，无操作
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if err := s.convRepo.AddMember(&model.ConversationMember{
		ConversationID: convID,
		UserID:         targetID,
		Role:           model.MemberRoleMember,
	}); err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}

	if _, err := s.msgSvc.PostSystem(convID, fmt.Sprintf("user %d was added by a moderator", targetID)); err != nil {
		logger.Log.Warn("Failed to post moderation notice", zap.Error(err))
	}
	return nil
}

// RemoveMember 管理员移除成员，创建者同样受保护
func (s *ModerationService) RemoveMember(actorID uint, convID string, targetID uint) error {
	conv, err := s.convRepo.GetByID(convID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrConversationGone
		}
		return err
	}
	if conv.CreatorID == targetID {
		return util.ErrCreatorRemoval
	}
	if _, err := s.convRepo.GetMember(convID, targetID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrMemberNotFound
		}
		return err
	}
	if err := s.convRepo.RemoveMember(convID, targetID); err != nil {
		return err
	}
	if _, err := s.msgSvc.PostSystem(convID, fmt.Sprintf("user %d was removed by a moderator", targetID)); err != nil {
		logger.Log.Warn("Failed to post moderation notice", zap.Error(err))
	}
	return nil
}

// DeactivateGroup 停用群聊：会话下线且全部消息软删除，记录保留供审计。
// General 频道受保护不可停用。
func (s *ModerationService) DeactivateGroup(actorID uint, convID string) error {
	conv, err := s.convRepo.GetByID(convID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrConversationGone
		}
		return err
	}
	if conv.Type != model.ConversationGroup {
		return util.ErrGroupsOnly
	}
	if conv.IsSingleton(model.SingletonGeneral) {
		return util.ErrProtectedChannel
	}
	if !conv.IsActive {
		return nil // 幂等
	}

	now := time.Now()
	if err := s.convRepo.Deactivate(convID); err != nil {
		return err
	}
	if err := s.msgRepo.SoftDeleteByConversation(convID, actorID, now); err != nil {
		return err
	}

	if s.hub != nil {
		if memberIDs, err := s.convRepo.MemberIDs(convID); err == nil {
			s.hub.PushToUsers(memberIDs, WSMessage{
				Type: EventConversationUpdated,
				Data: map[string]interface{}{
					"conversationId": convID,
					"isActive":       false,
				},
			})
		}
	}

	logger.Log.Info("Group deactivated",
		zap.String("conversationId", convID), zap.Uint("actorId", actorID))
	return nil
}
