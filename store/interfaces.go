package store

import (
	"context"
	"errors"
	"time"

	"bugbank/models"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by SaveBug / SettleReward when the stored
// bug version no longer matches the one the caller loaded.
var ErrVersionConflict = errors.New("bug version conflict")

// BugFilter narrows ListBugs. Zero values mean "no filter".
type BugFilter struct {
	Statuses         []models.BugStatus
	Severity         models.Severity
	ReporterID       string
	AcceptedSolverID string
	RewardClaimed    *bool
	SortByResolved   bool // resolved_at DESC, created_at DESC
	Page             int
	Limit            int
}

// Offset returns the row offset for the (1-based) page.
func (f BugFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// BugStore defines the contract for bug data access.
type BugStore interface {
	CreateBug(ctx context.Context, bug *models.Bug) error
	GetBug(ctx context.Context, id string) (*models.Bug, error)
	// SaveBug persists the full aggregate iff the stored version equals
	// bug.Version, then bumps bug.Version.
	SaveBug(ctx context.Context, bug *models.Bug) error
	// SettleReward credits the user and saves the bug as one logical unit.
	SettleReward(ctx context.Context, bug *models.Bug, credit models.XPCredit) error
	ListBugs(ctx context.Context, filter BugFilter) ([]models.Bug, int64, error)
}

// UserStore defines the contract for user data access.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	IncrementUserXP(ctx context.Context, credit models.XPCredit) error
	// UpsertUserProfile writes name and role, leaving XP counters alone.
	UpsertUserProfile(ctx context.Context, user models.User) error
	TopUsers(ctx context.Context, limit int) ([]models.User, error)
	ListUsers(ctx context.Context, page, limit int) ([]models.User, int64, error)
}

// AuditStore defines the contract for the append-only audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *models.AuditLog) error
	ListAudits(ctx context.Context, page, limit int) ([]models.AuditLog, int64, error)
}

// LedgerStore reads the append-only XP ledger written by SettleReward.
type LedgerStore interface {
	ListXPTransactions(ctx context.Context, userID string, page, limit int) ([]models.XPTransaction, int64, error)
	// XPTransactionsAfter returns the user's rows created strictly after
	// the cursor, oldest first.
	XPTransactionsAfter(ctx context.Context, userID string, after time.Time) ([]models.XPTransaction, error)
}

// Store bundles every collaborator the services need.
type Store interface {
	BugStore
	UserStore
	AuditStore
	LedgerStore
	Close(ctx context.Context) error
}
