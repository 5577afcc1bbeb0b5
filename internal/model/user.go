package model

import (
	"time"
)

type UserRole string

const (
	Member    UserRole = "member"
	Moderator UserRole = "moderator"
	Admin     UserRole = "admin"
)

// CanModerate reports whether the role may act on messages it did not author:
// delete-any, flag/unflag, and cross-conversation visibility.
func CanModerate(role UserRole) bool {
	return role == Moderator || role == Admin
}

// CanPostAnnouncements reports whether the role may post into the
// write-restricted announcements channel. Everyone may read it.
func CanPostAnnouncements(role UserRole) bool {
	return CanModerate(role)
}

// User is the local projection of an identity issued by the external auth
// gateway. The server never validates credentials itself; it trusts the
// (userID, role) pair carried by the JWT.
//
// swagger:model User
type User struct {
	BaseModel
	Name     string    `gorm:"size:100;not null" json:"name"`
	Email    string    `gorm:"size:100;unique;not null" json:"email"`
	Role     UserRole  `gorm:"type:enum('member','moderator','admin');default:'member'" json:"role"`
	Avatar   string    `gorm:"size:255" json:"avatar"`
	Disabled bool      `gorm:"default:false" json:"disabled"`
	LastSeen time.Time `gorm:"default:CURRENT_TIMESTAMP(3)" json:"lastSeen"`
}

func (User) TableName() string {
	return "users"
}
