package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"bugbank/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MemoryStore keeps everything in process memory. It is used by tests and by
// STORE_DRIVER=memory for local runs. All reads return copies.
type MemoryStore struct {
	mu     sync.Mutex
	bugs   map[string]*models.Bug
	users  map[string]*models.User
	ledger []models.XPTransaction
	audits []models.AuditLog
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bugs:  make(map[string]*models.Bug),
		users: make(map[string]*models.User),
	}
}

func (s *MemoryStore) CreateBug(_ context.Context, bug *models.Bug) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if bug.Version == 0 {
		bug.Version = 1
	}
	if bug.CreatedAt.IsZero() {
		bug.CreatedAt = now
	}
	bug.UpdatedAt = now
	s.bugs[bug.ID] = bug.Clone()
	return nil
}

func (s *MemoryStore) GetBug(_ context.Context, id string) (*models.Bug, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bug, ok := s.bugs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return bug.Clone(), nil
}

func (s *MemoryStore) SaveBug(_ context.Context, bug *models.Bug) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(bug)
}

func (s *MemoryStore) saveLocked(bug *models.Bug) error {
	current, ok := s.bugs[bug.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != bug.Version {
		return ErrVersionConflict
	}
	bug.Version++
	bug.UpdatedAt = time.Now()
	s.bugs[bug.ID] = bug.Clone()
	return nil
}

func (s *MemoryStore) SettleReward(_ context.Context, bug *models.Bug, credit models.XPCredit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.bugs[bug.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != bug.Version {
		return ErrVersionConflict
	}
	s.incrementLocked(credit)
	s.ledger = append(s.ledger, ledgerEntry(credit))
	return s.saveLocked(bug)
}

func (s *MemoryStore) ListBugs(_ context.Context, filter BugFilter) ([]models.Bug, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.Bug
	for _, bug := range s.bugs {
		if matchesFilter(bug, filter) {
			matched = append(matched, *bug.Clone())
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if filter.SortByResolved {
			ri, rj := lo.FromPtr(matched[i].ResolvedAt), lo.FromPtr(matched[j].ResolvedAt)
			if !ri.Equal(rj) {
				return ri.After(rj)
			}
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return paginate(matched, filter.Offset(), filter.Limit), int64(len(matched)), nil
}

func matchesFilter(bug *models.Bug, f BugFilter) bool {
	if len(f.Statuses) > 0 && !lo.Contains(f.Statuses, bug.Status) {
		return false
	}
	if f.Severity != "" && bug.Severity != f.Severity {
		return false
	}
	if f.ReporterID != "" && bug.ReporterID != f.ReporterID {
		return false
	}
	if f.AcceptedSolverID != "" && lo.FromPtr(bug.AcceptedSolverID) != f.AcceptedSolverID {
		return false
	}
	if f.RewardClaimed != nil && bug.RewardClaimed != *f.RewardClaimed {
		return false
	}
	return true
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *user
	return &out, nil
}

// PutUser inserts or replaces a user row.
func (s *MemoryStore) PutUser(user models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = &user
}

func (s *MemoryStore) UpsertUserProfile(_ context.Context, profile models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[profile.ID]
	if !ok {
		user = &models.User{ID: profile.ID, CreatedAt: time.Now()}
		if !profile.CreatedAt.IsZero() {
			user.CreatedAt = profile.CreatedAt
		}
		s.users[profile.ID] = user
	}
	user.Name = profile.Name
	user.Role = profile.Role
	return nil
}

func (s *MemoryStore) IncrementUserXP(_ context.Context, credit models.XPCredit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrementLocked(credit)
	return nil
}

func (s *MemoryStore) incrementLocked(credit models.XPCredit) {
	user, ok := s.users[credit.UserID]
	if !ok {
		user = &models.User{ID: credit.UserID, Role: models.RoleSolver, CreatedAt: time.Now()}
		s.users[credit.UserID] = user
	}
	user.XP += credit.XP
	user.SolvedCount += credit.SolvedDelta
	at := credit.At
	user.LastXPClaimedAt = &at
}

func (s *MemoryStore) TopUsers(_ context.Context, limit int) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.sortedUsers(func(a, b *models.User) bool {
		if a.XP != b.XP {
			return a.XP > b.XP
		}
		return a.ID < b.ID
	})
	return paginate(users, 0, limit), nil
}

func (s *MemoryStore) ListUsers(_ context.Context, page, limit int) ([]models.User, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.sortedUsers(func(a, b *models.User) bool {
		return a.CreatedAt.After(b.CreatedAt)
	})
	return paginate(users, (max(page, 1)-1)*limit, limit), int64(len(users)), nil
}

func (s *MemoryStore) sortedUsers(less func(a, b *models.User) bool) []models.User {
	all := lo.Values(s.users)
	sort.SliceStable(all, func(i, j int) bool { return less(all[i], all[j]) })
	return lo.Map(all, func(u *models.User, _ int) models.User { return *u })
}

// Ledger returns a copy of the XP ledger.
func (s *MemoryStore) Ledger() []models.XPTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.XPTransaction(nil), s.ledger...)
}

func (s *MemoryStore) ListXPTransactions(_ context.Context, userID string, page, limit int) ([]models.XPTransaction, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mine := lo.Reverse(lo.Filter(s.ledger, func(tx models.XPTransaction, _ int) bool {
		return tx.UserID == userID
	}))
	return paginate(mine, (max(page, 1)-1)*limit, limit), int64(len(mine)), nil
}

func (s *MemoryStore) XPTransactionsAfter(_ context.Context, userID string, after time.Time) ([]models.XPTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lo.Filter(s.ledger, func(tx models.XPTransaction, _ int) bool {
		return tx.UserID == userID && tx.CreatedAt.After(after)
	}), nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.audits = append(s.audits, *entry)
	return nil
}

func (s *MemoryStore) ListAudits(_ context.Context, page, limit int) ([]models.AuditLog, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// newest first
	out := lo.Reverse(append([]models.AuditLog(nil), s.audits...))
	return paginate(out, (max(page, 1)-1)*limit, limit), int64(len(out)), nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }

func ledgerEntry(credit models.XPCredit) models.XPTransaction {
	return models.XPTransaction{
		ID:        uuid.NewString(),
		UserID:    credit.UserID,
		BugID:     credit.BugID,
		Change:    credit.XP,
		Reason:    "bug_reward",
		CreatedAt: credit.At,
	}
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
