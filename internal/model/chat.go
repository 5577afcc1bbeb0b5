package model

import (
	"fmt"
	"strings"
	"time"
)

const (
	ConversationPrivate = "private"
	ConversationGroup   = "group"

	MemberRoleAdmin  = "admin"
	MemberRoleMember = "member"

	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeFile   = "file"
	MessageTypeSystem = "system"
)

// Reserved singleton rooms. They are materialized lazily on first use and are
// identified by their unique key, never by display name.
const (
	SingletonGeneral       = "general"
	SingletonAnnouncements = "announcements"
)

// SingletonNames maps reserved slugs to display names.
var SingletonNames = map[string]string{
	SingletonGeneral:       "General Discussion",
	SingletonAnnouncements: "Announcements",
}

// PrivatePairKey builds the unique key for a private conversation. The key is
// order-independent so two concurrent first-contacts collide on the same row.
func PrivatePairKey(userID1, userID2 uint) string {
	if userID2 < userID1 {
		userID1, userID2 = userID2, userID1
	}
	return fmt.Sprintf("private:%d:%d", userID1, userID2)
}

// SingletonKey builds the unique key for a reserved well-known room.
func SingletonKey(slug string) string {
	return "singleton:" + slug
}

// MessageTypeForMime infers the message type of an attachment upload.
func MessageTypeForMime(mimeType string) string {
	if strings.HasPrefix(mimeType, "image/") {
		return MessageTypeImage
	}
	return MessageTypeFile
}

// Conversation 会话（私聊、群聊、系统频道）
type Conversation struct {
	UUIDBase
	Type        string `gorm:"type:enum('private','group');default:'group'" json:"type"`
	Name        string `gorm:"size:100" json:"name"`
	Description string `gorm:"size:255" json:"description"`
	Avatar      string `gorm:"size:255" json:"avatar"`
	CreatorID   uint   `gorm:"index" json:"creatorId"`
	IsActive    bool   `gorm:"default:true;index" json:"isActive"`

	// UniqueKey carries the idempotency key for private pairs
	// ("private:<minID>:<maxID>") and reserved singletons
	// ("singleton:<slug>"). NULL for ordinary groups.
	UniqueKey *string `gorm:"uniqueIndex;size:120" json:"-"`

	// Denormalized preview of the most recent message. Last-write-wins and
	// never authoritative: ordering and unread counts always come from the
	// messages table.
	LastMessageContent  string     `gorm:"size:255" json:"lastMessageContent"`
	LastMessageSenderID *uint      `json:"lastMessageSenderId"`
	LastMessageAt       *time.Time `json:"lastMessageAt"`

	Members   []ConversationMember `gorm:"foreignKey:ConversationID" json:"members"`
	MemberIDs []uint               `gorm:"-" json:"memberIds"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// IsSingleton reports whether the conversation is one of the reserved rooms.
func (c *Conversation) IsSingleton(slug string) bool {
	return c.UniqueKey != nil && *c.UniqueKey == SingletonKey(slug)
}

// ConversationMember 成员关系、角色与已读位置
type ConversationMember struct {
	ConversationID string     `gorm:"primaryKey;type:varchar(36)" json:"conversationId"`
	UserID         uint       `gorm:"primaryKey;index" json:"userId"`
	User           User       `gorm:"foreignKey:UserID" json:"user"`
	Role           string     `gorm:"type:enum('admin','member');default:'member'" json:"role"`
	JoinedAt       time.Time  `gorm:"autoCreateTime" json:"joinedAt"`
	LastReadAt     *time.Time `json:"lastReadAt"`
}

func (ConversationMember) TableName() string {
	return "conversation_members"
}

// Attachment is embedded into Message for file and image messages. Only the
// descriptor returned by the storage provider is persisted; bytes live in
// object storage.
type Attachment struct {
	FileName     string `gorm:"size:255" json:"fileName,omitempty"`
	OriginalName string `gorm:"size:255" json:"originalName,omitempty"`
	MimeType     string `gorm:"size:100" json:"mimeType,omitempty"`
	Size         int64  `json:"size,omitempty"`
	URL          string `gorm:"size:255" json:"url,omitempty"`
	Duration     int    `json:"duration,omitempty"` // 媒体时长（秒），ffmpeg 探测
}

// Message 消息记录。软删除与举报都只翻标志位，内容永远保留用于审计。
type Message struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ConversationID string    `gorm:"index;index:idx_conv_created;type:varchar(36);not null" json:"conversationId"`
	CreatedAt      time.Time `gorm:"index:idx_conv_created" json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	SenderID       *uint     `gorm:"index" json:"senderId"` // nil ⇒ system message
	Sender         User      `gorm:"foreignKey:SenderID" json:"sender"`
	Type           string    `gorm:"type:enum('text','image','file','system');default:'text'" json:"type"`
	Content        string    `gorm:"type:text" json:"content"`
	ReplyToID      *string   `gorm:"type:varchar(36);index" json:"replyToId,omitempty"`

	Attachment Attachment `gorm:"embedded;embeddedPrefix:attachment_" json:"attachment"`

	IsEdited bool       `gorm:"default:false" json:"isEdited"`
	EditedAt *time.Time `json:"editedAt,omitempty"`

	IsDeleted   bool       `gorm:"default:false;index" json:"isDeleted"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
	DeletedByID *uint      `json:"deletedById,omitempty"`

	IsFlagged   bool       `gorm:"default:false;index" json:"isFlagged"`
	FlaggedByID *uint      `json:"flaggedById,omitempty"`
	FlaggedAt   *time.Time `json:"flaggedAt,omitempty"`
	FlagReason  string     `gorm:"size:255" json:"flagReason,omitempty"`

	Reactions []MessageReaction `gorm:"foreignKey:MessageID" json:"reactions"`
	Reads     []MessageRead     `gorm:"foreignKey:MessageID" json:"reads,omitempty"`
}

func (Message) TableName() string {
	return "messages"
}

// MessageReaction 表情回应，(message, user) 唯一：新回应替换旧回应
type MessageReaction struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_msg_user_reaction" json:"messageId"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_msg_user_reaction" json:"userId"`
	Emoji     string    `gorm:"size:32;not null" json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

func (MessageReaction) TableName() string {
	return "message_reactions"
}

// MessageRead 已读回执，append-only，重复标记幂等
type MessageRead struct {
	MessageID string    `gorm:"primaryKey;type:varchar(36)" json:"messageId"`
	UserID    uint      `gorm:"primaryKey" json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

func (MessageRead) TableName() string {
	return "message_reads"
}
