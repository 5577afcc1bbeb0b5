package repository

import (
	"time"

	"converse_backend/internal/model"

	"gorm.io/gorm"
)

// ConversationRepository owns conversation and membership records. Services
// depend on the interface so tests can substitute in-memory fakes.
type ConversationRepository interface {
	Create(conv *model.Conversation) error
	GetByID(id string) (*model.Conversation, error)
	GetByUniqueKey(key string) (*model.Conversation, error)
	FindActiveGroupByName(name string) (*model.Conversation, error)
	ListForUser(userID uint, limit, offset int) ([]model.Conversation, int64, error)
	ListAll(limit, offset int) ([]model.Conversation, int64, error)
	UpdateInfo(convID string, updates map[string]interface{}) error
	Deactivate(convID string) error
	SetCreator(convID string, userID uint) error

	AddMember(m *model.ConversationMember) error
	RemoveMember(convID string, userID uint) error
	GetMember(convID string, userID uint) (*model.ConversationMember, error)
	ListMembers(convID string, limit, offset int) ([]model.ConversationMember, int64, error)
	MemberIDs(convID string) ([]uint, error)
	UpdateMemberRole(convID string, userID uint, role string) error
	SetLastRead(convID string, userID uint, t time.Time) error
	TransferOwnership(convID string, fromID, toID uint) error

	UpdateLastMessage(convID string, content string, senderID *uint, at time.Time) error
	RelatedUserIDs(userID uint) ([]uint, error)
}

type conversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) Create(conv *model.Conversation) error {
	return r.db.Create(conv).Error
}

func (r *conversationRepository) GetByID(id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.Preload("Members.User").First(&conv, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) GetByUniqueKey(key string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.Preload("Members.User").First(&conv, "unique_key = ?", key).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) FindActiveGroupByName(name string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.First(&conv, "type = ? AND name = ? AND is_active = ?", model.ConversationGroup, name, true).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepository) ListForUser(userID uint, limit, offset int) ([]model.Conversation, int64, error) {
	var convs []model.Conversation
	var total int64

	db := r.db.Model(&model.Conversation{}).
		Joins("JOIN conversation_members ON conversation_members.conversation_id = conversations.id").
		Where("conversation_members.user_id = ?", userID).
		Where("conversations.is_active = ?", true)

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := db.Preload("Members.User").
		Order("conversations.updated_at DESC").
		Limit(limit).Offset(offset).
		Find(&convs).Error

	return convs, total, err
}

// ListAll 审计视角：包含已停用会话，不受参与关系限制
func (r *conversationRepository) ListAll(limit, offset int) ([]model.Conversation, int64, error) {
	var convs []model.Conversation
	var total int64

	db := r.db.Model(&model.Conversation{})
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := db.Preload("Members.User").
		Order("updated_at DESC").
		Limit(limit).Offset(offset).
		Find(&convs).Error

	return convs, total, err
}

func (r *conversationRepository) UpdateInfo(convID string, updates map[string]interface{}) error {
	return r.db.Model(&model.Conversation{}).Where("id = ?", convID).Updates(updates).Error
}

func (r *conversationRepository) Deactivate(convID string) error {
	return r.db.Model(&model.Conversation{}).Where("id = ?", convID).Update("is_active", false).Error
}

func (r *conversationRepository) SetCreator(convID string, userID uint) error {
	return r.db.Model(&model.Conversation{}).Where("id = ?", convID).Update("creator_id", userID).Error
}

func (r *conversationRepository) AddMember(m *model.ConversationMember) error {
	return r.db.Create(m).Error
}

func (r *conversationRepository) RemoveMember(convID string, userID uint) error {
	return r.db.Delete(&model.ConversationMember{}, "conversation_id = ? AND user_id = ?", convID, userID).Error
}

func (r *conversationRepository) GetMember(convID string, userID uint) (*model.ConversationMember, error) {
	var member model.ConversationMember
	err := r.db.Where("conversation_id = ? AND user_id = ?", convID, userID).First(&member).Error
	if err != nil {
		return nil, err
	}
	return &member, nil
}

func (r *conversationRepository) ListMembers(convID string, limit, offset int) ([]model.ConversationMember, int64, error) {
	var members []model.ConversationMember
	var total int64

	db := r.db.Model(&model.ConversationMember{}).Where("conversation_id = ?", convID)
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := db.Preload("User").
		Order("role ASC, joined_at ASC").
		Limit(limit).Offset(offset).
		Find(&members).Error

	return members, total, err
}

func (r *conversationRepository) MemberIDs(convID string) ([]uint, error) {
	var ids []uint
	err := r.db.Table("conversation_members").Where("conversation_id = ?", convID).Pluck("user_id", &ids).Error
	return ids, err
}

func (r *conversationRepository) UpdateMemberRole(convID string, userID uint, role string) error {
	return r.db.Model(&model.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Update("role", role).Error
}

func (r *conversationRepository) SetLastRead(convID string, userID uint, t time.Time) error {
	return r.db.Model(&model.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Update("last_read_at", t).Error
}

// TransferOwnership 在一个事务里完成创建者变更和双方角色调整
func (r *conversationRepository) TransferOwnership(convID string, fromID, toID uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Conversation{}).Where("id = ?", convID).
			Update("creator_id", toID).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.ConversationMember{}).
			Where("conversation_id = ? AND user_id = ?", convID, toID).
			Update("role", model.MemberRoleAdmin).Error; err != nil {
			return err
		}
		return tx.Model(&model.ConversationMember{}).
			Where("conversation_id = ? AND user_id = ?", convID, fromID).
			Update("role", model.MemberRoleMember).Error
	})
}

// UpdateLastMessage 刷新会话的预览缓存。最后写入者获胜：并发发消息时
// 预览可能短暂落后，消息表才是排序的唯一依据。
func (r *conversationRepository) UpdateLastMessage(convID string, content string, senderID *uint, at time.Time) error {
	if len(content) > 255 {
		content = content[:252] + "..."
	}
	return r.db.Model(&model.Conversation{}).Where("id = ?", convID).Updates(map[string]interface{}{
		"last_message_content":   content,
		"last_message_sender_id": senderID,
		"last_message_at":        at,
		"updated_at":             at,
	}).Error
}

// RelatedUserIDs 返回与该用户共享至少一个活跃会话的所有用户ID，
// 在线状态变更时用于定向推送
func (r *conversationRepository) RelatedUserIDs(userID uint) ([]uint, error) {
	var ids []uint
	err := r.db.Table("conversation_members AS cm1").
		Joins("JOIN conversation_members cm2 ON cm1.conversation_id = cm2.conversation_id").
		Joins("JOIN conversations ON conversations.id = cm1.conversation_id").
		Where("cm1.user_id = ? AND cm2.user_id <> ? AND conversations.is_active = ?", userID, userID, true).
		Distinct().
		Pluck("cm2.user_id", &ids).Error
	return ids, err
}
