package models

import (
	"time"

	"github.com/pitabwire/frame/data"
)

// UserAccount is an account owned by the account management layer.
// The session core only reads it: display names for announcements and the
// numeric id as the broadcast addressing key.
type UserAccount struct {
	ID                  int64  `gorm:"primaryKey"       json:"id"`
	DisplayName         string `gorm:"not null"         json:"displayName"`
	SpotifyID           string `gorm:"index"            json:"-"`
	SpotifyAccessToken  string `json:"-"`
	SpotifyRefreshToken string `json:"-"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// UserGroup is a listening group. Sessions associate with a group by id for
// broadcast addressing; the group itself is never mutated here.
type UserGroup struct {
	ID         int64  `gorm:"primaryKey"              json:"id"`
	OwnerID    int64  `gorm:"index"                   json:"ownerId"`
	Name       string `gorm:"uniqueIndex"             json:"name"`
	Code       string `gorm:"uniqueIndex;type:varchar(50)" json:"code"`
	Properties data.JSONMap
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AuthToken links a bearer credential to an account.
type AuthToken struct {
	ID        int64        `gorm:"primaryKey"`
	AccountID int64        `gorm:"index"`
	Account   *UserAccount `gorm:"foreignKey:AccountID"`
	Token     string       `gorm:"uniqueIndex;type:varchar(64)"`
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the token has passed its expiry.
// Tokens without an expiry never expire.
func (t *AuthToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}
