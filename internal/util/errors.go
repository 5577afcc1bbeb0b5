package util

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error taxonomy. Every domain error wraps exactly one of these so the
// HTTP mapping stays in a single place and services never reason about status
// codes.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrUnavailable        = errors.New("unavailable")
)

var (
	ErrSelfConversation    = fmt.Errorf("%w: cannot open a private chat with yourself", ErrInvalidArgument)
	ErrEmptyContent        = fmt.Errorf("%w: message content is empty", ErrInvalidArgument)
	ErrContentTooLong      = fmt.Errorf("%w: message content exceeds the length limit", ErrInvalidArgument)
	ErrEmojiTooLong        = fmt.Errorf("%w: reaction emoji exceeds the length limit", ErrInvalidArgument)
	ErrReplyCrossConv      = fmt.Errorf("%w: replied message belongs to another conversation", ErrInvalidArgument)
	ErrNotParticipant      = fmt.Errorf("%w: not a conversation participant", ErrPermissionDenied)
	ErrNotMessageOwner     = fmt.Errorf("%w: only the sender or a moderator may do this", ErrPermissionDenied)
	ErrAnnouncementsPost   = fmt.Errorf("%w: only moderators may post announcements", ErrPermissionDenied)
	ErrCreatorRemoval      = fmt.Errorf("%w: the group creator cannot be removed", ErrPermissionDenied)
	ErrCreatorOnly         = fmt.Errorf("%w: only the group creator may do this", ErrPermissionDenied)
	ErrGroupAdminOnly      = fmt.Errorf("%w: only a group admin may do this", ErrPermissionDenied)
	ErrModeratorOnly       = fmt.Errorf("%w: moderator role required", ErrPermissionDenied)
	ErrProtectedChannel    = fmt.Errorf("%w: this channel cannot be deactivated or renamed", ErrPermissionDenied)
	ErrConversationGone    = fmt.Errorf("%w: conversation does not exist or is inactive", ErrNotFound)
	ErrMessageNotFound     = fmt.Errorf("%w: message does not exist", ErrNotFound)
	ErrMemberNotFound      = fmt.Errorf("%w: user is not a member of this conversation", ErrNotFound)
	ErrGroupNameTaken      = fmt.Errorf("%w: an active group with this name already exists", ErrConflict)
	ErrAlreadyMember       = fmt.Errorf("%w: user is already a member", ErrConflict)
	ErrEditWindowExpired   = fmt.Errorf("%w: edit window expired", ErrFailedPrecondition)
	ErrGroupsOnly          = fmt.Errorf("%w: operation applies to group conversations only", ErrFailedPrecondition)
	ErrRealtimeUnreachable = fmt.Errorf("%w: realtime channel unreachable", ErrUnavailable)
)

// HTTPStatus maps a taxonomy error to its transport status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrFailedPrecondition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
