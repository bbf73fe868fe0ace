package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type AuditAction string

const (
	AuditBugCreated       AuditAction = "BUG_CREATED"
	AuditBugClaimed       AuditAction = "BUG_CLAIMED"
	AuditFixSubmitted     AuditAction = "FIX_SUBMITTED"
	AuditBugVerified      AuditAction = "BUG_VERIFIED"
	AuditSolutionRejected AuditAction = "SOLUTION_REJECTED"
	AuditBugReopened      AuditAction = "BUG_REOPENED"
	AuditRewardClaimed    AuditAction = "REWARD_CLAIMED"
	AuditBugClosed        AuditAction = "BUG_CLOSED"
)

// AuditLog records who did what to which entity.
type AuditLog struct {
	ID         string        `json:"id" bson:"_id" gorm:"primaryKey;type:uuid"`
	ActorID    string        `json:"actor_id" bson:"actor_id" gorm:"type:uuid;index"`
	Action     AuditAction   `json:"action" bson:"action" gorm:"type:varchar(32);not null;index:idx_audit_action_created,priority:1"`
	TargetType string        `json:"target_type" bson:"target_type" gorm:"not null"` // "Bug" | "User"
	TargetID   string        `json:"target_id" bson:"target_id" gorm:"not null;index"`
	Metadata   AuditMetadata `json:"metadata" bson:"metadata" gorm:"type:jsonb"`
	CreatedAt  time.Time     `json:"created_at" bson:"created_at" gorm:"autoCreateTime;index;index:idx_audit_action_created,priority:2"`
}

// AuditMetadata is stored as jsonb.
type AuditMetadata map[string]any

func (m AuditMetadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *AuditMetadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = AuditMetadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("audit metadata: unsupported scan type")
	}
	return json.Unmarshal(raw, m)
}
