package users

import (
	"strings"
	"time"
)

// User is a canonical account. Provider and Subject record the login that first produced it.
type User struct {
	ID         string    `gorm:"column:id;primaryKey;size:36"`
	Username   string    `gorm:"column:username;size:190;not null;uniqueIndex"`
	Email      string    `gorm:"column:email;size:320"`
	Provider   string    `gorm:"column:provider;size:32;not null;uniqueIndex:idx_user_login"`
	Subject    string    `gorm:"column:subject;size:190;not null;uniqueIndex:idx_user_login"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (User) TableName() string {
	return "users"
}

// Group is a named set of users that can own resources collectively.
type Group struct {
	ID        string    `gorm:"column:id;primaryKey;size:36"`
	Name      string    `gorm:"column:name;size:190;not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Group) TableName() string {
	return "user_groups"
}

type Membership struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:36"`
	GroupID   string    `gorm:"column:group_id;primaryKey;size:36;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Membership) TableName() string {
	return "user_group_memberships"
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&User{}, &Group{}, &Membership{}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
