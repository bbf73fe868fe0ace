// models/bug.go
package models

import (
	"time"
)

type BugStatus string

const (
	BugStatusOpen       BugStatus = "open"
	BugStatusClaimed    BugStatus = "claimed" // reserved, never set by a transition
	BugStatusInProgress BugStatus = "in_progress"
	BugStatusResolved   BugStatus = "resolved"
	BugStatusClosed     BugStatus = "closed"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type Decision string

const (
	DecisionPending  Decision = "pending"
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

// Bug is the aggregate mutated by the lifecycle operations.
// Version guards every write (optimistic concurrency).
type Bug struct {
	ID          string    `json:"id" bson:"_id" gorm:"primaryKey;type:uuid"`
	Slug        string    `json:"slug" bson:"slug" gorm:"index"`
	Title       string    `json:"title" bson:"title" gorm:"not null"`
	Description string    `json:"description" bson:"description" gorm:"type:text;not null"`
	Severity    Severity  `json:"severity" bson:"severity" gorm:"type:varchar(16);not null;default:'low'"`
	Status      BugStatus `json:"status" bson:"status" gorm:"type:varchar(16);not null;default:'open';index"`
	RewardXP    int64     `json:"reward_xp" bson:"reward_xp" gorm:"not null;default:0;check:reward_xp >= 0"`

	ReporterID string  `json:"reporter_id" bson:"reporter_id" gorm:"type:uuid;not null;index"`
	ClaimedBy  *string `json:"claimed_by,omitempty" bson:"claimed_by,omitempty" gorm:"type:uuid"` // legacy claim marker

	Submissions []Submission `json:"submissions" bson:"submissions" gorm:"foreignKey:BugID;constraint:OnDelete:CASCADE"`

	AcceptedSolverID *string    `json:"accepted_solver_id,omitempty" bson:"accepted_solver_id,omitempty" gorm:"type:uuid;index"`
	RewardClaimed    bool       `json:"reward_claimed" bson:"reward_claimed" gorm:"not null;default:false"`
	RewardClaimedAt  *time.Time `json:"reward_claimed_at,omitempty" bson:"reward_claimed_at,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`

	Version   int64     `json:"version" bson:"version" gorm:"not null;default:1"`
	CreatedAt time.Time `json:"created_at" bson:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at" gorm:"autoUpdateTime"`
}

// Submission is one solver's candidate fix. (BugID, SolverID) is unique.
type Submission struct {
	ID       string   `json:"id" bson:"id" gorm:"primaryKey;type:uuid"`
	BugID    string   `json:"bug_id" bson:"-" gorm:"type:uuid;not null;uniqueIndex:idx_submission_bug_solver"`
	SolverID string   `json:"solver_id" bson:"solver_id" gorm:"type:uuid;not null;uniqueIndex:idx_submission_bug_solver"`
	Snippet  string   `json:"snippet" bson:"snippet" gorm:"type:text"`
	PRLink   string   `json:"pr_link" bson:"pr_link"`
	Decision Decision `json:"decision" bson:"decision" gorm:"type:varchar(16);not null;default:'pending'"`
	Comment  string   `json:"comment" bson:"comment" gorm:"type:text"` // reviewer note, set on rejection
	Awarded  bool     `json:"awarded" bson:"awarded" gorm:"not null;default:false"`
	Position int      `json:"position" bson:"position" gorm:"not null;default:0"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Clone returns a deep copy so mutations never leak into a shared instance.
func (b *Bug) Clone() *Bug {
	out := *b
	out.Submissions = append([]Submission(nil), b.Submissions...)
	out.ClaimedBy = clonePtr(b.ClaimedBy)
	out.AcceptedSolverID = clonePtr(b.AcceptedSolverID)
	out.RewardClaimedAt = clonePtr(b.RewardClaimedAt)
	out.ResolvedAt = clonePtr(b.ResolvedAt)
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
