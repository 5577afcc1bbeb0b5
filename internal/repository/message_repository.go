package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"converse_backend/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

const maxCacheMessages = 50 // 每个会话缓存最近50条消息

// MessageRepository owns message records and their reaction/read-receipt
// satellites. Ordering is always created_at, assigned at persistence time.
type MessageRepository interface {
	Create(msg *model.Message) error
	GetByID(id string) (*model.Message, error)
	ListPage(convID string, limit, offset int) ([]model.Message, int64, error)
	ListSince(convID string, since time.Time) ([]model.Message, error)
	ListTranscript(convID string, limit, offset int) ([]model.Message, int64, error)
	SetContent(id string, content string, editedAt time.Time) error
	SoftDelete(id string, byID uint, at time.Time) error
	SoftDeleteByConversation(convID string, byID uint, at time.Time) error
	ReplaceReaction(msgID string, userID uint, emoji string) ([]model.MessageReaction, error)
	InsertReadReceipts(convID string, userID uint, at time.Time) error
	UnreadCount(convID string, userID uint, since *time.Time) (int64, error)
	ListFlagged(limit, offset int) ([]model.Message, error)
	SetFlag(id string, byID *uint, at *time.Time, reason string, flagged bool) error
}

type messageRepository struct {
	db    *gorm.DB
	redis *redis.Client
	ctx   context.Context
}

func NewMessageRepository(db *gorm.DB, rdb *redis.Client) MessageRepository {
	return &messageRepository{db: db, redis: rdb, ctx: context.Background()}
}

func (r *messageRepository) cacheKey(convID string) string {
	return fmt.Sprintf("chat:cache:%s", convID)
}

func (r *messageRepository) cacheMessage(msg *model.Message) {
	if r.redis == nil {
		return
	}
	data, _ := json.Marshal(msg)
	pipe := r.redis.Pipeline()
	pipe.LPush(r.ctx, r.cacheKey(msg.ConversationID), data)
	pipe.LTrim(r.ctx, r.cacheKey(msg.ConversationID), 0, maxCacheMessages-1)
	pipe.Expire(r.ctx, r.cacheKey(msg.ConversationID), 24*time.Hour)
	pipe.Exec(r.ctx)
}

// invalidateCache 编辑/删除/回应后整键失效，下一次读取回源数据库
func (r *messageRepository) invalidateCache(convID string) {
	if r.redis == nil || convID == "" {
		return
	}
	r.redis.Del(r.ctx, r.cacheKey(convID))
}

func (r *messageRepository) Create(msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = model.GenerateUUID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if err := r.db.Create(msg).Error; err != nil {
		return err
	}

	// 预加载发送者信息后写入热点缓存
	if msg.SenderID != nil && msg.Sender.ID == 0 {
		r.db.Preload("Sender").First(msg, "id = ?", msg.ID)
	}
	go r.cacheMessage(msg)

	return nil
}

func (r *messageRepository) GetByID(id string) (*model.Message, error) {
	var msg model.Message
	err := r.db.Preload("Sender").Preload("Reactions").First(&msg, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListPage 返回一页消息，页内按 created_at 升序，第1页为最新消息。
// 软删除的消息不出现在参与者视图里。
func (r *messageRepository) ListPage(convID string, limit, offset int) ([]model.Message, int64, error) {
	var total int64
	base := r.db.Model(&model.Message{}).
		Where("conversation_id = ? AND is_deleted = ?", convID, false)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// 第一页无偏移时先走 Redis 热点缓存
	if offset == 0 && r.redis != nil {
		cached, err := r.redis.LRange(r.ctx, r.cacheKey(convID), 0, int64(limit-1)).Result()
		if err == nil && len(cached) >= limit {
			msgs := make([]model.Message, 0, len(cached))
			for i := len(cached) - 1; i >= 0; i-- { // 缓存是新→旧，翻转为升序
				var m model.Message
				if err := json.Unmarshal([]byte(cached[i]), &m); err == nil && !m.IsDeleted {
					msgs = append(msgs, m)
				}
			}
			if len(msgs) == limit {
				return msgs, total, nil
			}
		}
	}

	var msgs []model.Message
	err := r.db.Preload("Sender").Preload("Reactions").
		Where("conversation_id = ? AND is_deleted = ?", convID, false).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&msgs).Error
	if err != nil {
		return nil, 0, err
	}

	// 查询按倒序取最新一页，响应翻转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return msgs, total, nil
}

// ListSince 增量拉取：严格大于 since，升序。断线重连的对账路径，
// 边界语义不允许缓存近似，始终回源数据库。
func (r *messageRepository) ListSince(convID string, since time.Time) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.Preload("Sender").Preload("Reactions").
		Where("conversation_id = ? AND is_deleted = ? AND created_at > ?", convID, false, since).
		Order("created_at ASC").
		Find(&msgs).Error
	return msgs, err
}

// ListTranscript 审计视图：包含软删除的消息
func (r *messageRepository) ListTranscript(convID string, limit, offset int) ([]model.Message, int64, error) {
	var total int64
	if err := r.db.Model(&model.Message{}).Where("conversation_id = ?", convID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var msgs []model.Message
	err := r.db.Preload("Sender").Preload("Reactions").
		Where("conversation_id = ?", convID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&msgs).Error
	if err != nil {
		return nil, 0, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return msgs, total, nil
}

func (r *messageRepository) SetContent(id string, content string, editedAt time.Time) error {
	var msg model.Message
	if err := r.db.Select("conversation_id").First(&msg, "id = ?", id).Error; err != nil {
		return err
	}
	err := r.db.Model(&model.Message{}).Where("id = ?", id).Updates(map[string]interface{}{
		"content":   content,
		"is_edited": true,
		"edited_at": editedAt,
	}).Error
	if err == nil {
		r.invalidateCache(msg.ConversationID)
	}
	return err
}

func (r *messageRepository) SoftDelete(id string, byID uint, at time.Time) error {
	var msg model.Message
	if err := r.db.Select("conversation_id").First(&msg, "id = ?", id).Error; err != nil {
		return err
	}
	err := r.db.Model(&model.Message{}).Where("id = ?", id).Updates(map[string]interface{}{
		"is_deleted":    true,
		"deleted_at":    at,
		"deleted_by_id": byID,
	}).Error
	if err == nil {
		r.invalidateCache(msg.ConversationID)
	}
	return err
}

func (r *messageRepository) SoftDeleteByConversation(convID string, byID uint, at time.Time) error {
	err := r.db.Model(&model.Message{}).
		Where("conversation_id = ? AND is_deleted = ?", convID, false).
		Updates(map[string]interface{}{
			"is_deleted":    true,
			"deleted_at":    at,
			"deleted_by_id": byID,
		}).Error
	if err == nil {
		r.invalidateCache(convID)
	}
	return err
}

// ReplaceReaction 同一用户在同一条消息上最多一个回应：先删旧的再插新的，
// 事务保证中间态不可见。返回该消息当前的完整回应列表。
func (r *messageRepository) ReplaceReaction(msgID string, userID uint, emoji string) ([]model.MessageReaction, error) {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ? AND user_id = ?", msgID, userID).
			Delete(&model.MessageReaction{}).Error; err != nil {
			return err
		}
		return tx.Create(&model.MessageReaction{
			MessageID: msgID,
			UserID:    userID,
			Emoji:     emoji,
			CreatedAt: time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}

	var msg model.Message
	if err := r.db.Select("conversation_id").First(&msg, "id = ?", msgID).Error; err == nil {
		r.invalidateCache(msg.ConversationID)
	}

	var reactions []model.MessageReaction
	err = r.db.Where("message_id = ?", msgID).Order("created_at ASC").Find(&reactions).Error
	return reactions, err
}

// InsertReadReceipts 为会话内所有他人发送的未回执消息补写已读回执。
// INSERT IGNORE 保证重复标记幂等。
func (r *messageRepository) InsertReadReceipts(convID string, userID uint, at time.Time) error {
	return r.db.Exec(`
		INSERT IGNORE INTO message_reads (message_id, user_id, read_at)
		SELECT id, ?, ? FROM messages
		WHERE conversation_id = ?
		  AND (sender_id IS NULL OR sender_id <> ?)
		  AND is_deleted = 0`,
		userID, at, convID, userID,
	).Error
}

// UnreadCount 他人发出、晚于 since、未删除的消息数。since 为 nil 表示从未读过。
func (r *messageRepository) UnreadCount(convID string, userID uint, since *time.Time) (int64, error) {
	var count int64
	db := r.db.Model(&model.Message{}).
		Where("conversation_id = ? AND is_deleted = ?", convID, false).
		Where("sender_id IS NULL OR sender_id <> ?", userID)
	if since != nil {
		db = db.Where("created_at > ?", *since)
	}
	err := db.Count(&count).Error
	return count, err
}

// ListFlagged 当前被举报且未删除的消息，最近举报的在前
func (r *messageRepository) ListFlagged(limit, offset int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.Preload("Sender").
		Where("is_flagged = ? AND is_deleted = ?", true, false).
		Order("flagged_at DESC").
		Limit(limit).Offset(offset).
		Find(&msgs).Error
	return msgs, err
}

func (r *messageRepository) SetFlag(id string, byID *uint, at *time.Time, reason string, flagged bool) error {
	return r.db.Model(&model.Message{}).Where("id = ?", id).Updates(map[string]interface{}{
		"is_flagged":    flagged,
		"flagged_by_id": byID,
		"flagged_at":    at,
		"flag_reason":   reason,
	}).Error
}
