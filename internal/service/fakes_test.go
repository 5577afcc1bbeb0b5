package service

import (
	"sort"
	"sync"
	"time"

	"converse_backend/internal/model"
	"converse_backend/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	logger.Log = zap.NewNop()
}

// fakeConvRepo 内存版会话仓库，行为对齐 gorm 实现：
// 未命中返回 gorm.ErrRecordNotFound，唯一键冲突返回 gorm.ErrDuplicatedKey。
type fakeConvRepo struct {
	mu      sync.Mutex
	convs   map[string]*model.Conversation
	byKey   map[string]string
	members map[string]map[uint]*model.ConversationMember

	lastMsgContent map[string]string
}

func newFakeConvRepo() *fakeConvRepo {
	return &fakeConvRepo{
		convs:          make(map[string]*model.Conversation),
		byKey:          make(map[string]string),
		members:        make(map[string]map[uint]*model.ConversationMember),
		lastMsgContent: make(map[string]string),
	}
}

func (r *fakeConvRepo) Create(conv *model.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv.UniqueKey != nil {
		if _, exists := r.byKey[*conv.UniqueKey]; exists {
			return gorm.ErrDuplicatedKey
		}
	}
	if conv.ID == "" {
		conv.ID = model.GenerateUUID()
	}
	cp := *conv
	r.convs[conv.ID] = &cp
	if conv.UniqueKey != nil {
		r.byKey[*conv.UniqueKey] = conv.ID
	}
	r.members[conv.ID] = make(map[uint]*model.ConversationMember)
	return nil
}

func (r *fakeConvRepo) get(id string) (*model.Conversation, error) {
	conv, ok := r.convs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *conv
	cp.Members = nil
	for _, m := range r.members[id] {
		cp.Members = append(cp.Members, *m)
	}
	sort.Slice(cp.Members, func(i, j int) bool { return cp.Members[i].UserID < cp.Members[j].UserID })
	return &cp, nil
}

func (r *fakeConvRepo) GetByID(id string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(id)
}

func (r *fakeConvRepo) GetByUniqueKey(key string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[key]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return r.get(id)
}

func (r *fakeConvRepo) FindActiveGroupByName(name string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, conv := range r.convs {
		if conv.Type == model.ConversationGroup && conv.Name == name && conv.IsActive {
			return r.get(id)
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeConvRepo) ListForUser(userID uint, limit, offset int) ([]model.Conversation, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Conversation
	for id, conv := range r.convs {
		if !conv.IsActive {
			continue
		}
		if _, ok := r.members[id][userID]; ok {
			cp, _ := r.get(id)
			out = append(out, *cp)
		}
	}
	total := int64(len(out))
	if offset >= len(out) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], total, nil
}

func (r *fakeConvRepo) ListAll(limit, offset int) ([]model.Conversation, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Conversation
	for id := range r.convs {
		cp, _ := r.get(id)
		out = append(out, *cp)
	}
	total := int64(len(out))
	if offset >= len(out) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], total, nil
}

func (r *fakeConvRepo) UpdateInfo(convID string, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[convID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if v, ok := updates["name"]; ok {
		conv.Name = v.(string)
	}
	if v, ok := updates["description"]; ok {
		conv.Description = v.(string)
	}
	if v, ok := updates["avatar"]; ok {
		conv.Avatar = v.(string)
	}
	return nil
}

func (r *fakeConvRepo) Deactivate(convID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[convID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	conv.IsActive = false
	return nil
}

func (r *fakeConvRepo) SetCreator(convID string, userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[convID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	conv.CreatorID = userID
	return nil
}

func (r *fakeConvRepo) AddMember(m *model.ConversationMember) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.members[m.ConversationID]
	if !ok {
		ms = make(map[uint]*model.ConversationMember)
		r.members[m.ConversationID] = ms
	}
	if _, exists := ms[m.UserID]; exists {
		return gorm.ErrDuplicatedKey
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now()
	}
	cp := *m
	ms[m.UserID] = &cp
	return nil
}

func (r *fakeConvRepo) RemoveMember(convID string, userID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[convID], userID)
	return nil
}

func (r *fakeConvRepo) GetMember(convID string, userID uint) (*model.ConversationMember, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[convID][userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *fakeConvRepo) ListMembers(convID string, limit, offset int) ([]model.ConversationMember, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ConversationMember
	for _, m := range r.members[convID] {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	total := int64(len(out))
	if offset >= len(out) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], total, nil
}

func (r *fakeConvRepo) MemberIDs(convID string) ([]uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uint
	for id := range r.members[convID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *fakeConvRepo) UpdateMemberRole(convID string, userID uint, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[convID][userID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	m.Role = role
	return nil
}

func (r *fakeConvRepo) SetLastRead(convID string, userID uint, t time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[convID][userID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	m.LastReadAt = &t
	return nil
}

func (r *fakeConvRepo) TransferOwnership(convID string, fromID, toID uint) error {
	if err := r.SetCreator(convID, toID); err != nil {
		return err
	}
	if err := r.UpdateMemberRole(convID, toID, model.MemberRoleAdmin); err != nil {
		return err
	}
	return r.UpdateMemberRole(convID, fromID, model.MemberRoleMember)
}

func (r *fakeConvRepo) UpdateLastMessage(convID string, content string, senderID *uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[convID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	conv.LastMessageContent = content
	conv.LastMessageSenderID = senderID
	conv.LastMessageAt = &at
	r.lastMsgContent[convID] = content
	return nil
}

func (r *fakeConvRepo) RelatedUserIDs(userID uint) ([]uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[uint]bool{}
	for convID, ms := range r.members {
		conv, ok := r.convs[convID]
		if !ok || !conv.IsActive {
			continue
		}
		if _, in := ms[userID]; !in {
			continue
		}
		for id := range ms {
			if id != userID {
				seen[id] = true
			}
		}
	}
	var ids []uint
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// fakeMsgRepo 内存版消息仓库。CreatedAt 用单调递增的时钟，保证排序确定。
type fakeMsgRepo struct {
	mu        sync.Mutex
	msgs      []*model.Message
	byID      map[string]*model.Message
	reactions map[string]map[uint]model.MessageReaction
	receipts  map[string]map[uint]bool // messageID → 已回执用户
	clock     time.Time
}

func newFakeMsgRepo() *fakeMsgRepo {
	return &fakeMsgRepo{
		byID:      make(map[string]*model.Message),
		reactions: make(map[string]map[uint]model.MessageReaction),
		receipts:  make(map[string]map[uint]bool),
		clock:     time.Now().Add(-time.Minute),
	}
}

func (r *fakeMsgRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Millisecond)
	return r.clock
}

func (r *fakeMsgRepo) Create(msg *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.ID == "" {
		msg.ID = model.GenerateUUID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.tick()
	}
	cp := *msg
	r.msgs = append(r.msgs, &cp)
	r.byID[msg.ID] = &cp
	return nil
}

func (r *fakeMsgRepo) GetByID(id string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *msg
	for _, re := range r.reactions[id] {
		cp.Reactions = append(cp.Reactions, re)
	}
	return &cp, nil
}

func (r *fakeMsgRepo) visible(convID string) []*model.Message {
	var out []*model.Message
	for _, m := range r.msgs {
		if m.ConversationID == convID && !m.IsDeleted {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *fakeMsgRepo) ListPage(convID string, limit, offset int) ([]model.Message, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.visible(convID)
	total := int64(len(all))

	// 第1页为最新：从尾部往前取一页，页内保持升序
	end := len(all) - offset
	if end <= 0 {
		return nil, total, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	var out []model.Message
	for _, m := range all[start:end] {
		out = append(out, *m)
	}
	return out, total, nil
}

func (r *fakeMsgRepo) ListSince(convID string, since time.Time) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Message
	for _, m := range r.visible(convID) {
		if m.CreatedAt.After(since) {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r *fakeMsgRepo) ListTranscript(convID string, limit, offset int) ([]model.Message, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*model.Message
	for _, m := range r.msgs {
		if m.ConversationID == convID {
			all = append(all, m)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	total := int64(len(all))
	end := len(all) - offset
	if end <= 0 {
		return nil, total, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	var out []model.Message
	for _, m := range all[start:end] {
		out = append(out, *m)
	}
	return out, total, nil
}

func (r *fakeMsgRepo) SetContent(id string, content string, editedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.byID[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	msg.Content = content
	msg.IsEdited = true
	msg.EditedAt = &editedAt
	return nil
}

func (r *fakeMsgRepo) SoftDelete(id string, byID uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.byID[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	msg.IsDeleted = true
	msg.DeletedAt = &at
	msg.DeletedByID = &byID
	return nil
}

func (r *fakeMsgRepo) SoftDeleteByConversation(convID string, byID uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.ConversationID == convID && !m.IsDeleted {
			m.IsDeleted = true
			m.DeletedAt = &at
			m.DeletedByID = &byID
		}
	}
	return nil
}

func (r *fakeMsgRepo) ReplaceReaction(msgID string, userID uint, emoji string) ([]model.MessageReaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[msgID]; !ok {
		return nil, gorm.ErrRecordNotFound
	}
	rs, ok := r.reactions[msgID]
	if !ok {
		rs = make(map[uint]model.MessageReaction)
		r.reactions[msgID] = rs
	}
	rs[userID] = model.MessageReaction{MessageID: msgID, UserID: userID, Emoji: emoji, CreatedAt: r.tick()}

	var out []model.MessageReaction
	for _, re := range rs {
		out = append(out, re)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *fakeMsgRepo) InsertReadReceipts(convID string, userID uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.ConversationID != convID || m.IsDeleted {
			continue
		}
		if m.SenderID != nil && *m.SenderID == userID {
			continue
		}
		set, ok := r.receipts[m.ID]
		if !ok {
			set = make(map[uint]bool)
			r.receipts[m.ID] = set
		}
		set[userID] = true
	}
	return nil
}

func (r *fakeMsgRepo) UnreadCount(convID string, userID uint, since *time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, m := range r.visible(convID) {
		if m.SenderID != nil && *m.SenderID == userID {
			continue
		}
		if since != nil && !m.CreatedAt.After(*since) {
			continue
		}
		count++
	}
	return count, nil
}

func (r *fakeMsgRepo) ListFlagged(limit, offset int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Message
	for _, m := range r.msgs {
		if m.IsFlagged && !m.IsDeleted {
			out = append(out, *m)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (r *fakeMsgRepo) SetFlag(id string, byID *uint, at *time.Time, reason string, flagged bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.byID[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	msg.IsFlagged = flagged
	msg.FlaggedByID = byID
	msg.FlaggedAt = at
	msg.FlagReason = reason
	return nil
}

// fakeUserRepo 内存版用户投影
type fakeUserRepo struct {
	users map[uint]*model.User
}

func newFakeUserRepo(ids ...uint) *fakeUserRepo {
	r := &fakeUserRepo{users: make(map[uint]*model.User)}
	for _, id := range ids {
		u := &model.User{Name: "user", Role: model.Member}
		u.ID = id
		r.users[id] = u
	}
	return r
}

func (r *fakeUserRepo) GetByID(id uint) (*model.User, error) {
	u, ok := r.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepo) GetByIDs(ids []uint) ([]model.User, error) {
	var out []model.User
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (r *fakeUserRepo) UpdateLastSeen(userID uint) error { return nil }

// recordingHub 记录推送的事件，替代真实 Hub
type recordingHub struct {
	mu     sync.Mutex
	rooms  []WSMessage
	direct []WSMessage
}

func (h *recordingHub) BroadcastToRoom(conversationID string, msg WSMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms = append(h.rooms, msg)
}

func (h *recordingHub) PushToUsers(userIDs []uint, msg WSMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.direct = append(h.direct, msg)
}

func (h *recordingHub) roomEvents(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.rooms {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
