package models

import (
	"time"
)

type UserRole string

const (
	RoleReporter UserRole = "reporter"
	RoleSolver   UserRole = "solver"
	RoleAdmin    UserRole = "admin"
)

// ParseRole maps a raw role string to a known role.
func ParseRole(raw string) (UserRole, bool) {
	switch UserRole(raw) {
	case RoleReporter, RoleSolver, RoleAdmin:
		return UserRole(raw), true
	}
	return "", false
}

// User is the local mirror of an identity-service account.
// Rows are created on first XP credit if they don't exist yet.
type User struct {
	ID              string     `json:"id" bson:"_id" gorm:"primaryKey;type:uuid"`
	Name            string     `json:"name" bson:"name"`
	Role            UserRole   `json:"role" bson:"role" gorm:"type:varchar(16);not null;default:'solver'"`
	XP              int64      `json:"xp" bson:"xp" gorm:"not null;default:0;index"`
	SolvedCount     int64      `json:"solved_count" bson:"solved_count" gorm:"not null;default:0"`
	LastXPClaimedAt *time.Time `json:"last_xp_claimed_at,omitempty" bson:"last_xp_claimed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at" bson:"created_at" gorm:"autoCreateTime"`
}

// XPCredit is what a reward settlement adds to a user.
type XPCredit struct {
	UserID      string
	BugID       string
	XP          int64
	SolvedDelta int64
	At          time.Time
}
