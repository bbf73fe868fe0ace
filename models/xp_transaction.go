package models

import "time"

// XPTransaction is an append-only ledger row, one per settled reward.
type XPTransaction struct {
	ID        string    `json:"id" bson:"_id" gorm:"primaryKey;type:uuid"`
	UserID    string    `json:"user_id" bson:"user_id" gorm:"type:uuid;not null;index"`
	BugID     string    `json:"bug_id" bson:"bug_id" gorm:"type:uuid;index"`
	Change    int64     `json:"change" bson:"change" gorm:"not null"`
	Reason    string    `json:"reason" bson:"reason"` // e.g. "bug_reward"
	CreatedAt time.Time `json:"created_at" bson:"created_at" gorm:"autoCreateTime"`
}
