package service

import (
	"errors"
	"fmt"
	"strings"

	"converse_backend/internal/model"
	"converse_backend/internal/repository"
	"converse_backend/internal/util"
	"converse_backend/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DirectoryService 会话目录：私聊、群组、系统频道的创建与成员关系。
// 幂等创建不依赖进程内协调，靠 unique_key 列在数据库层收敛并发。
type DirectoryService struct {
	convRepo repository.ConversationRepository
	userRepo repository.UserRepository
	msgSvc   *MessageService
	hub      Notifier
}

func NewDirectoryService(convRepo repository.ConversationRepository, userRepo repository.UserRepository, msgSvc *MessageService, hub Notifier) *DirectoryService {
	return &DirectoryService{convRepo: convRepo, userRepo: userRepo, msgSvc: msgSvc, hub: hub}
}

func (s *DirectoryService) displayName(userID uint) string {
	user, err := s.userRepo.GetByID(userID)
	if err != nil {
		return fmt.Sprintf("user %d", userID)
	}
	return user.Name
}

func (s *DirectoryService) notifyCreated(conv *model.Conversation, userIDs []uint) {
	if s.hub == nil {
		return
	}
	s.hub.PushToUsers(userIDs, WSMessage{Type: EventConversationCreated, Data: conv})
}

// GetOrCreatePrivateChat 获取或创建两人私聊。并发的首次发起会在
// unique_key 上撞唯一约束，撞上的一方回读已有会话，双方拿到同一个ID。
func (s *DirectoryService) GetOrCreatePrivateChat(userID, targetID uint) (*model.Conversation, error) {
	if userID == targetID {
		return nil, util.ErrSelfConversation
	}
	if _, err := s.userRepo.GetByID(targetID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrNotFound
		}
		return nil, err
	}

	key := model.PrivatePairKey(userID, targetID)
	if conv, err := s.convRepo.GetByUniqueKey(key); err == nil {
		return conv, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	conv := &model.Conversation{
		Type:      model.ConversationPrivate,
		CreatorID: userID,
		IsActive:  true,
		UniqueKey: &key,
	}
	if err := s.convRepo.Create(conv); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// 输掉竞争的一方直接用赢家的会话
			return s.convRepo.GetByUniqueKey(key)
		}
		return nil, err
	}

	for _, id := range []uint{userID, targetID} {
		if err := s.convRepo.AddMember(&model.ConversationMember{
			ConversationID: conv.ID,
			UserID:         id,
			Role:           model.MemberRoleMember,
		}); err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
	}

	created, err := s.convRepo.GetByID(conv.ID)
	if err != nil {
		return nil, err
	}
	s.notifyCreated(created, []uint{userID, targetID})
	return created, nil
}

// GetOrCreateSingletonGroup 惰性物化保留频道。首个触达者创建，
// 其余所有调用收敛到同一行。
func (s *DirectoryService) GetOrCreateSingletonGroup(slug string) (*model.Conversation, error) {
	name, ok := model.SingletonNames[slug]
	if !ok {
		return nil, fmt.Errorf("%w: unknown channel %q", util.ErrInvalidArgument, slug)
	}

	key := model.SingletonKey(slug)
	if conv, err := s.convRepo.GetByUniqueKey(key); err == nil {
		return conv, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	conv := &model.Conversation{
		Type:        model.ConversationGroup,
		Name:        name,
		Description: "System channel",
		IsActive:    true,
		UniqueKey:   &key,
	}
	if err := s.convRepo.Create(conv); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.convRepo.GetByUniqueKey(key)
		}
		return nil, err
	}
	logger.Log.Info("Materialized system channel", zap.String("slug", slug), zap.String("conversationId", conv.ID))
	return conv, nil
}

// JoinSingleton 加入保留频道，重复加入是无操作
func (s *DirectoryService) JoinSingleton(slug string, userID uint) (*model.Conversation, error) {
	conv, err := s.GetOrCreateSingletonGroup(slug)
	if err != nil {
		return nil, err
	}
	if _, err := s.convRepo.GetMember(conv.ID, userID); err == nil {
		return conv, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := s.convRepo.AddMember(&model.ConversationMember{
		ConversationID: conv.ID,
		UserID:         userID,
		Role:           model.MemberRoleMember,
	}); err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, err
	}
	return s.convRepo.GetByID(conv.ID)
}

// CreateGroup 创建群聊。群名在活跃群里唯一；创建者自动成为群管理员。
func (s *DirectoryService) CreateGroup(creatorID uint, name, description string, memberIDs []uint) (*model.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name is required", util.ErrInvalidArgument)
	}

	if _, err := s.convRepo.FindActiveGroupByName(name); err == nil {
		return nil, util.ErrGroupNameTaken
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	conv := &model.Conversation{
		Type:        model.ConversationGroup,
		Name:        name,
		Description: description,
		CreatorID:   creatorID,
		IsActive:    true,
	}
	if err := s.convRepo.Create(conv); err != nil {
		return nil, err
	}

	if err := s.convRepo.AddMember(&model.ConversationMember{
		ConversationID: conv.ID,
		UserID:         creatorID,
		Role:           model.MemberRoleAdmin,
	}); err != nil {
		return nil, err
	}

	seen := map[uint]bool{creatorID: true}
	notified := []uint{creatorID}
	for _, id := range memberIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := s.convRepo.AddMember(&model.ConversationMember{
			ConversationID: conv.ID,
			UserID:         id,
			Role:           model.MemberRoleMember,
		}); err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		notified = append(notified, id)
	}

	if _, err := s.msgSvc.PostSystem(conv.ID, fmt.Sprintf("%s created the group", s.displayName(creatorID))); err != nil {
		logger.Log.Warn("Failed to post group creation notice", zap.Error(err))
	}

	created, err := s.convRepo.GetByID(conv.ID)
	if err != nil {
		return nil, err
	}
	s.notifyCreated(created, notified)
	return created, nil
}

// ListConversations 用户的活跃会话，按最近活动排序，附带成员ID列表
func (s *DirectoryService) ListConversations(userID uint, page, limit int) ([]model.Conversation, int64, error) {
	page, limit = normalizePage(page, limit)
	convs, total, err := s.convRepo.ListForUser(userID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	for i := range convs {
		for _, m := range convs[i].Members {
			convs[i].MemberIDs = append(convs[i].MemberIDs, m.UserID)
		}
	}
	return convs, total, nil
}

func (s *DirectoryService) GetConversation(convID string) (*model.Conversation, error) {
	conv, err := s.convRepo.GetByID(convID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrConversationGone
		}
		return nil, err
	}
	return conv, nil
}

func (s *DirectoryService) IsParticipant(convID string, userID uint) bool {
	_, err := s.convRepo.GetMember(convID, userID)
	return err == nil
}

// AddParticipant 把用户加入会话，已是成员时无操作
func (s *DirectoryService) AddParticipant(convID string, userID uint, role string) error {
	if _, err := s.convRepo.GetMember(convID, userID); err == nil {
		return nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if role == "" {
		role = model.MemberRoleMember
	}
	err := s.convRepo.AddMember(&model.ConversationMember{
		ConversationID: convID,
		UserID:         userID,
		Role:           role,
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// RemoveParticipant 移除成员。群创建者不可被移除，先转移所有权。
func (s *DirectoryService) RemoveParticipant(convID string, userID uint) error {
	conv, err := s.GetConversation(convID)
	if err != nil {
		return err
	}
	if conv.CreatorID == userID {
		return util.ErrCreatorRemoval
	}
	if _, err := s.convRepo.GetMember(convID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrMemberNotFound
		}
		return err
	}
	return s.convRepo.RemoveMember(convID, userID)
}

func (s *DirectoryService) GetMembers(convID string, page, limit int) ([]model.ConversationMember, int64, error) {
	page, limit = normalizePage(page, limit)
	return s.convRepo.ListMembers(convID, limit, (page-1)*limit)
}

// requireGroupAdmin 群聊里的管理操作入口：本群 admin 或平台管理员
func (s *DirectoryService) requireGroupAdmin(conv *model.Conversation, actorID uint, role model.UserRole) error {
	if conv.Type != model.ConversationGroup {
		return util.ErrGroupsOnly
	}
	if model.CanModerate(role) {
		return nil
	}
	member, err := s.convRepo.GetMember(conv.ID, actorID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrNotParticipant
		}
		return err
	}
	if member.Role != model.MemberRoleAdmin {
		return util.ErrGroupAdminOnly
	}
	return nil
}

// UpdateGroupInfo 修改群名称/描述/头像。改名时同样检查活跃群名唯一。
func (s *DirectoryService) UpdateGroupInfo(actorID uint, role model.UserRole, convID, name, description, avatar string) (*model.Conversation, error) {
	conv, err := s.GetConversation(convID)
	if err != nil {
		return nil, err
	}
	if err := s.requireGroupAdmin(conv, actorID, role); err != nil {
		return nil, err
	}
	if conv.UniqueKey != nil {
		return nil, util.ErrProtectedChannel
	}

	updates := map[string]interface{}{}
	name = strings.TrimSpace(name)
	if name != "" && name != conv.Name {
		if existing, err := s.convRepo.FindActiveGroupByName(name); err == nil && existing.ID != convID {
			return nil, util.ErrGroupNameTaken
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		updates["name"] = name
	}
	if description != "" {
		updates["description"] = description
	}
	if avatar != "" {
		updates["avatar"] = avatar
	}
	if len(updates) == 0 {
		return conv, nil
	}

	if err := s.convRepo.UpdateInfo(convID, updates); err != nil {
		return nil, err
	}

	if newName, ok := updates["name"]; ok {
		if _, err := s.msgSvc.PostSystem(convID, fmt.Sprintf("%s renamed the group to %s", s.displayName(actorID), newName)); err != nil {
			logger.Log.Warn("Failed to post rename notice", zap.Error(err))
		}
	}
	return s.convRepo.GetByID(convID)
}

// InviteMember 群管理员拉人进群
func (s *DirectoryService) InviteMember(actorID uint, role model.UserRole, convID string, targetID uint) error {
	conv, err := s.GetConversation(convID)
	if err != nil {
		return err
	}
	if err := s.requireGroupAdmin(conv, actorID, role); err != nil {
		return err
	}
	if _, err := s.userRepo.GetByID(targetID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrNotFound
		}
		return err
	}
	if _, err := s.convRepo.GetMember(convID, targetID); err == nil {
		return util.ErrAlreadyMember
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if err := s.AddParticipant(convID, targetID, model.MemberRoleMember); err != nil {
		return err
	}

	if _, err := s.msgSvc.PostSystem(convID, fmt.Sprintf("%s joined the group", s.displayName(targetID))); err != nil {
		logger.Log.Warn("Failed to post join notice", zap.Error(err))
	}
	s.notifyCreated(conv, []uint{targetID})
	return nil
}

// KickMember 群管理员移除成员
func (s *DirectoryService) KickMember(actorID uint, role model.UserRole, convID string, targetID uint) error {
	conv, err := s.GetConversation(convID)
	if err != nil {
		return err
	}
	if err := s.requireGroupAdmin(conv, actorID, role); err != nil {
		return err
	}
	if err := s.RemoveParticipant(convID, targetID); err != nil {
		return err
	}
	if _, err := s.msgSvc.PostSystem(convID, fmt.Sprintf("%s was removed from the group", s.displayName(targetID))); err != nil {
		logger.Log.Warn("Failed to post removal notice", zap.Error(err))
	}
	return nil
}

// LeaveGroup 主动退群。创建者必须先转移所有权。
func (s *DirectoryService) LeaveGroup(userID uint, convID string) error {
	conv, err := s.GetConversation(convID)
	if err != nil {
		return err
	}
	if conv.Type != model.ConversationGroup {
		return util.ErrGroupsOnly
	}
	if conv.CreatorID == userID {
		return util.ErrCreatorRemoval
	}
	if _, err := s.convRepo.GetMember(convID, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrNotParticipant
		}
		return err
	}
	if err := s.convRepo.RemoveMember(convID, userID); err != nil {
		return err
	}
	if _, err := s.msgSvc.PostSystem(convID, fmt.Sprintf("%s left the group", s.displayName(userID))); err != nil {
		logger.Log.Warn("Failed to post leave notice", zap.Error(err))
	}
	return nil
}

// TransferOwnership 仅现任创建者可转移；新主人必须已在群里
func (s *DirectoryService) TransferOwnership(actorID uint, convID string, newOwnerID uint) error {
	conv, err := s.GetConversation(convID)
	if err != nil {
		return err
	}
	if conv.Type != model.ConversationGroup {
		return util.ErrGroupsOnly
	}
	if conv.CreatorID != actorID {
		return util.ErrCreatorOnly
	}
	if _, err := s.convRepo.GetMember(convID, newOwnerID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.ErrMemberNotFound
		}
		return err
	}

	if err := s.convRepo.TransferOwnership(convID, actorID, newOwnerID); err != nil {
		return err
	}

	if _, err := s.msgSvc.PostSystem(convID, fmt.Sprintf("%s is now the group owner", s.displayName(newOwnerID))); err != nil {
		logger.Log.Warn("Failed to post ownership notice", zap.Error(err))
	}
	return nil
}
