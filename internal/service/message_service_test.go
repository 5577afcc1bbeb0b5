package service

import (
	"errors"
	"strings"
	"testing"
	"time"

	"converse_backend/internal/model"
	"converse_backend/internal/util"
)

func seedGroup(t *testing.T, f *directoryFixture, creator uint, members ...uint) *model.Conversation {
	t.Helper()
	conv, err := f.dir.CreateGroup(creator, "Room-"+t.Name(), "", members)
	if err != nil {
		t.Fatalf("seed group: %v", err)
	}
	return conv
}

func TestPostAndFanout(t *testing.T) {
	f := newDirectoryFixture(1, 2)
	conv := seedGroup(t, f, 1, 2)
	before := f.hub.roomEvents(EventNewMessage)

	msg, err := f.msgs.Post(1, model.Member, conv.ID, "", "hello there", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Fatal("message must get id and timestamp at persistence")
	}
	if msg.Type != model.MessageTypeText {
		t.Fatalf("type = %s, want text", msg.Type)
	}

	// 落库后推送 NEW_MESSAGE，会话预览同步刷新
	if got := f.hub.roomEvents(EventNewMessage); got != before+1 {
		t.Fatalf("NEW_MESSAGE events = %d, want %d", got, before+1)
	}
	updated, _ := f.convRepo.GetByID(conv.ID)
	if updated.LastMessageContent != "hello there" {
		t.Fatalf("preview = %q", updated.LastMessageContent)
	}
}

func TestPostValidation(t *testing.T) {
	f := newDirectoryFixture(1, 2, 3)
	conv := seedGroup(t, f, 1, 2)

	if _, err := f.msgs.Post(1, model.Member, conv.ID, "", "   ", nil); !errors.Is(err, util.ErrInvalidArgument) {
		t.Fatalf("blank content: %v", err)
	}
	long := strings.Repeat("a", maxContentLength+1)
	if _, err := f.msgs.Post(1, model.Member, conv.ID, "", long, nil); !errors.Is(err, util.ErrInvalidArgument) {
		t.Fatalf("oversized content: %v", err)
	}
	// 非成员不能发言
	if _, err := f.msgs.Post(3, model.Member, conv.ID, "", "hi", nil); !errors.Is(err, util.ErrPermissionDenied) {
		t.Fatalf("non-participant: %v", err)
	}
	// 会话不存在
	if _, err := f.msgs.Post(1, model.Member, "missing", "", "hi", nil); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("missing conversation: %v", err)
	}
}

func TestPostTrimsWhitespace(t *testing.T) {
	f := newDirectoryFixture(1)
	conv := seedGroup(t, f, 1)

	msg, err := f.msgs.Post(1, model.Member, conv.ID, "", "  hi  ", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if msg.Content != "hi" {
		t.Fatalf("content = %q, want trimmed", msg.Content)
	}
}

func TestAnnouncementsWriteRestricted(t *testing.T) {
	f := newDirectoryFixture(1, 2)
	conv, err := f.dir.JoinSingleton(model.SingletonAnnouncements, 1)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := f.msgs.Post(1, model.Member, conv.ID, "", "hi", nil); !errors.Is(err, util.ErrPermissionDenied) {
		t.Fatalf("member posting to announcements: %v", err)
	}
	if _, err := f.msgs.Post(1, model.Moderator, conv.ID, "", "release notes", nil); err != nil {
		t.Fatalf("moderator posting to announcements: %v", err)
	}
}

func TestReplyMustStayInConversation(t *testing.T) {
	f := newDirectoryFixture(1, 2)
	convA := seedGroup(t, f, 1, 2)
	convB, _ := f.dir.CreateGroup(1, "Other-"+t.Name(), "", []uint{2})

	origin, _ := f.msgs.Post(1, model.Member, convA.ID, "", "origin", nil)

	if _, err := f.msgs.Post(2, model.Member, convB.ID, "", "reply", &origin.ID); !errors.Is(err, util.ErrInvalidArgument) {
		t.Fatalf("cross-conversation reply: %v", err)
	}
	if _, err := f.msgs.Post(2, model.Member, convA.ID, "", "reply", &origin.ID); err != nil {
		t.Fatalf("same-conversation reply: %v", err)
	}
}

func TestEditWindow(t *testing.T) {
	f := newDirectoryFixture(1, 2)
	conv := seedGroup(t, f, 1, 2)

	fresh, _ := f.msgs.Post(1, model.Member, conv.ID, "", "typo", nil)
	edited, err := f.msgs.Edit(1, model.Member, fresh.ID, "fixed")
	if err != nil {
		t.Fatalf("edit within window: %v", err)
	}
	if !edited.IsEdited || edited.Content != "fixed" {
		t.Fatalf("edit not applied: %+v", edited)
	}

	// 过窗口的消息谁都不能改，管理员也一样
	stale := &model.Message{ConversationID: conv.ID, SenderID: uintPtr(1), Type: model.MessageTypeText,
		Content: "old", CreatedAt: time.Now().Add(-editWindow - time.Minute)}
	if err := f.msgRepo.Create(stale); err != nil {
		t.Fatalf("seed stale: %v", err)
	}
	if _, err := f.msgs.Edit(1, model.Member, stale.ID, "late"); !errors.Is(err, util.ErrFailedPrecondition) {
		t.Fatalf("sender edit after window: %v", err)
	}
	if _, err := f.msgs.Edit(2, model.Admin, stale.ID, "late"); !errors.Is(err, util.ErrFailedPrecondition) {
		t.Fatalf("admin edit after window: %v", err)
	}
}

func TestEditPermission(t *testing.T) {
	f := newDirectoryFixture(1, 2)
	conv := seedGroup(t, f, 1, 2)
	msg, _ := f.msgs.Post(1, model.Member, conv.ID, "", "mine", nil)

	if _, err := f.msgs.Edit(2, model.Member, msg.ID, "not yours"); !errors.Is(err, util.ErrPermissionDenied) {
		t.Fatalf("other member edit: %v", err)
	}
	if _, err := f.msgs.Edit(2, model.Moderator, msg.ID, "moderated"); err != nil {
		t.Fatalf("moderator edit within window: %v", err)
	}
}

func TestSoftDelete(t *testing.T) {
	f := newDirectoryFixture(1, 2)
	conv := seedGroup(t, f, 1, 2)
	msg, _ := f.msgs.Post(1, model.Member, conv.ID, "", "remove me", nil)

	if err := f.msgs.SoftDelete(2, model.Member, msg.ID); !errors.Is(err, util.ErrPermissionDenied) {
		t.Fatalf("other member delete: %v", err)
	}
	if err := f.msgs.SoftDelete(1, model.Member, msg.ID); err != nil {
		t.Fatalf("own delete: %v", err)
	}

	// 参与者视图不再可见
	msgs, _, err := f.msgs.ListPage(2, conv.ID, 1, 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, m := range msgs {
		if m.ID == msg.ID {
			t.Fatal("deleted message leaked into participant view")
		}
	}

	// 审计视图仍然保留记录
	transcript, _, _ := f.msgRepo.ListTranscript(conv.ID, 50, 0)
	found := false
	for _, m := range transcript {
		if m.ID == msg.ID && m.IsDeleted {
			found = true
		}
	}
	if !found {
		t.Fatal("deleted message missing from transcript")
	}

	// 已删除消息不能再操作
	if _, err := f.msgs.Edit(1, model.Member, msg.ID, "zombie"); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("edit deleted: %v", err)
	}
	if _, err := f.msgs.React(2, msg.ID, "👍"); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("react to deleted: %v", err)
	}
}

func TestReactionReplacement(t *testing.T) {
	f := newDirectoryFixture(1, 2, 3)
	conv := seedGroup(t, f, 1, 2)
	msg, _ := f.msgs.Post(1, model.Member, conv.ID, "", "react to me", nil)

	if _, err := f.msgs.React(3, msg.ID, "👍"); !errors.Is(err, util.ErrPermissionDenied) {
		t.Fatalf("non-participant react: %v", err)
	}
	if _, err := f.msgs.React(2, msg.ID, strings.Repeat("x", maxEmojiLength+1)); !errors.Is(err, util.ErrInvalidArgument) {
		t.Fatalf("oversized emoji: %v", err)
	}

	if _, err := f.msgs.React(2, msg.ID, "👍"); err != nil {
		t.Fatalf("first react: %v", err)
	}
	reactions, err := f.msgs.React(2, msg.ID, "🎉")
	if err != nil {
		t.Fatalf("second react: %v", err)
	}
	if len(reactions) != 1 {
		t.Fatalf("reactions = %d, want replacement to keep one per user", len(reactions))
	}
	if reactions[0].Emoji != "🎉" {
		t.Fatalf("emoji = %s, want latest", reactions[0].Emoji)
	}
}

func TestListSince(t *testing.T) {
	f := newDirectoryFixture(1, 2)
	conv := seedGroup(t, f, 1, 2)

	first, _ := f.msgs.Post(1, model.Member, conv.ID, "", "one", nil)
	second, _ := f.msgs.Post(2, model.Member, conv.ID, "", "two", nil)
	third, _ := f.msgs.Post(1, model.Member, conv.ID, "", "three", nil)

	// 严格大于边界：以 first 的时间拉取，first 本身不返回
	result, err := f.msgs.ListSince(2, conv.ID, first.CreatedAt)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if !result.HasNew || len(result.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(result.Messages))
	}
	if result.Messages[0].ID != second.ID || result.Messages[1].ID != third.ID {
		t.Fatal("incremental pull out of order")
	}
	if !result.LatestTimestamp.Equal(third.CreatedAt) {
		t.Fatalf("latest = %v, want %v", result.LatestTimestamp, third.CreatedAt)
	}

	// 已是最新时返回空且时间戳原样回传
	empty, err := f.msgs.ListSince(2, conv.ID, third.CreatedAt)
	if err != nil {
		t.Fatalf("empty pull: %v", err)
	}
	if empty.HasNew || len(empty.Messages) != 0 {
		t.Fatalf("expected no new messages, got %d", len(empty.Messages))
	}
	if !empty.LatestTimestamp.Equal(third.CreatedAt) {
		t.Fatal("timestamp must echo back when nothing is new")
	}
}

func TestListSinceDoesNotMoveReadPosition(t *testing.T) {
	f := newDirectoryFixture(1, 2)
	conv := seedGroup(t, f, 1, 2)

	f.msgs.Post(1, model.Member, conv.ID, "", "unseen", nil)

	if _, err := f.msgs.ListSince(2, conv.ID, time.Time{}); err != nil {
		t.Fatalf("list since: %v", err)
	}
	unread, _ := f.msgs.UnreadCount(conv.ID, 2)
	if unread == 0 {
		t.Fatal("incremental pull must not mark messages read")
	}
}

func TestFirstPageMarksRead(t *testing.T) {
	f := newDirectoryFixture(1, 2)
	conv := seedGroup(t, f, 1, 2)

	f.msgs.Post(1, model.Member, conv.ID, "", "one", nil)
	f.msgs.Post(1, model.Member, conv.ID, "", "two", nil)

	unread, _ := f.msgs.UnreadCount(conv.ID, 2)
	if unread != 2 {
		t.Fatalf("unread before read = %d, want 2", unread)
	}

	if _, _, err := f.msgs.ListPage(2, conv.ID, 1, 50); err != nil {
		t.Fatalf("first page: %v", err)
	}
	unread, _ = f.msgs.UnreadCount(conv.ID, 2)
	if unread != 0 {
		t.Fatalf("unread after first page = %d, want 0", unread)
	}
}

func TestUnreadCount(t *testing.T) {
	f := newDirectoryFixture(1, 2, 3)
	conv := seedGroup(t, f, 1, 2)

	f.msgs.Post(1, model.Member, conv.ID, "", "from one", nil)
	f.msgs.Post(2, model.Member, conv.ID, "", "from two", nil)

	// 自己发的不计入
	unread, err := f.msgs.UnreadCount(conv.ID, 1)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if unread != 1 {
		t.Fatalf("unread = %d, want 1", unread)
	}

	// 非成员拿到0，不报错
	unread, err = f.msgs.UnreadCount(conv.ID, 3)
	if err != nil || unread != 0 {
		t.Fatalf("non-member unread = %d, err = %v", unread, err)
	}
}

func TestNilNotifierIsSafe(t *testing.T) {
	convRepo := newFakeConvRepo()
	msgRepo := newFakeMsgRepo()
	userRepo := newFakeUserRepo(1, 2)
	msgs := NewMessageService(msgRepo, convRepo, nil)
	dir := NewDirectoryService(convRepo, userRepo, msgs, nil)

	conv, err := dir.CreateGroup(1, "Quiet", "", []uint{2})
	if err != nil {
		t.Fatalf("create group without hub: %v", err)
	}
	msg, err := msgs.Post(1, model.Member, conv.ID, "", "still works", nil)
	if err != nil {
		t.Fatalf("post without hub: %v", err)
	}
	if _, err := msgs.Edit(1, model.Member, msg.ID, "edited"); err != nil {
		t.Fatalf("edit without hub: %v", err)
	}
	if err := msgs.SoftDelete(1, model.Member, msg.ID); err != nil {
		t.Fatalf("delete without hub: %v", err)
	}
}

func TestDeactivatedConversationRejectsWrites(t *testing.T) {
	f := newDirectoryFixture(1, 2)
	conv := seedGroup(t, f, 1, 2)
	msg, _ := f.msgs.Post(1, model.Member, conv.ID, "", "last words", nil)

	mod := NewModerationService(f.convRepo, f.msgRepo, f.msgs, f.hub)
	if err := mod.DeactivateGroup(9, conv.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if _, err := f.msgs.Post(1, model.Member, conv.ID, "", "too late", nil); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("post to deactivated: %v", err)
	}
	if _, _, err := f.msgs.ListPage(1, conv.ID, 1, 50); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("read deactivated as participant: %v", err)
	}

	// 审计路径照常可读：按ID直查和完整消息流都包括已删除内容
	got, err := mod.GetMessage(msg.ID)
	if err != nil {
		t.Fatalf("moderator direct lookup: %v", err)
	}
	if !got.IsDeleted {
		t.Fatal("deactivation must soft-delete the backlog")
	}
	transcript, total, err := mod.ListTranscript(conv.ID, 1, 50)
	if err != nil {
		t.Fatalf("transcript of deactivated: %v", err)
	}
	if total == 0 || len(transcript) == 0 {
		t.Fatal("transcript must keep records after deactivation")
	}
}

func TestFlagModeratorOnly(t *testing.T) {
	f := newDirectoryFixture(1, 2)
	conv := seedGroup(t, f, 1, 2)
	msg, _ := f.msgs.Post(1, model.Member, conv.ID, "", "sus", nil)

	if err := f.msgs.Flag(2, model.Member, msg.ID, "spam"); !errors.Is(err, util.ErrPermissionDenied) {
		t.Fatalf("member flag: %v", err)
	}
	if err := f.msgs.Flag(2, model.Moderator, msg.ID, "spam"); err != nil {
		t.Fatalf("moderator flag: %v", err)
	}

	mod := NewModerationService(f.convRepo, f.msgRepo, f.msgs, f.hub)
	flagged, err := mod.ListFlagged(1, 50)
	if err != nil {
		t.Fatalf("list flagged: %v", err)
	}
	if len(flagged) != 1 || flagged[0].ID != msg.ID {
		t.Fatalf("flag queue = %+v", flagged)
	}

	if err := f.msgs.Unflag(2, model.Moderator, msg.ID); err != nil {
		t.Fatalf("unflag: %v", err)
	}
	flagged, _ = mod.ListFlagged(1, 50)
	if len(flagged) != 0 {
		t.Fatal("queue should be empty after unflag")
	}
}

func TestDeactivateProtectedChannel(t *testing.T) {
	f := newDirectoryFixture(1)
	general, err := f.dir.JoinSingleton(model.SingletonGeneral, 1)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	mod := NewModerationService(f.convRepo, f.msgRepo, f.msgs, f.hub)
	if err := mod.DeactivateGroup(9, general.ID); !errors.Is(err, util.ErrPermissionDenied) {
		t.Fatalf("deactivating general should be denied, got %v", err)
	}
}

func uintPtr(v uint) *uint { return &v }
