package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bugbank/models"
	"bugbank/store"
)

// UserProfile is a user's counters plus the derived level and rank.
type UserProfile struct {
	models.User
	Progress
}

// ProfileService serves the caller's own XP view: counters, progress and
// the ledger of credited rewards.
type ProfileService struct {
	users  store.UserStore
	ledger store.LedgerStore
}

func NewProfileService(users store.UserStore, ledger store.LedgerStore) *ProfileService {
	return &ProfileService{users: users, ledger: ledger}
}

// Me returns the caller's profile. Users that never earned XP have no row
// yet and get a zeroed profile instead of NotFound.
func (s *ProfileService) Me(ctx context.Context, caller Caller) (UserProfile, error) {
	user, err := s.users.GetUser(ctx, caller.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		user = &models.User{ID: caller.ID, Role: caller.Role}
	case err != nil:
		return UserProfile{}, fmt.Errorf("get user: %w", err)
	}
	return UserProfile{User: *user, Progress: ProgressFor(user.XP)}, nil
}

// XPHistory pages the caller's ledger rows, newest first.
func (s *ProfileService) XPHistory(ctx context.Context, caller Caller, page, limit int) ([]models.XPTransaction, int64, error) {
	page, limit = NormalizePage(page, limit)
	rows, total, err := s.ledger.ListXPTransactions(ctx, caller.ID, page, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list xp transactions: %w", err)
	}
	return rows, total, nil
}

// CreditsAfter returns the user's ledger rows newer than the cursor, oldest
// first, for incremental feeds.
func (s *ProfileService) CreditsAfter(ctx context.Context, userID string, after time.Time) ([]models.XPTransaction, error) {
	rows, err := s.ledger.XPTransactionsAfter(ctx, userID, after)
	if err != nil {
		return nil, fmt.Errorf("xp transactions after %s: %w", after.Format(time.RFC3339), err)
	}
	return rows, nil
}

// LatestCredit returns the timestamp of the user's newest ledger row, or
// the zero time when there is none.
func (s *ProfileService) LatestCredit(ctx context.Context, userID string) (time.Time, error) {
	rows, _, err := s.ledger.ListXPTransactions(ctx, userID, 1, 1)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest xp transaction: %w", err)
	}
	if len(rows) == 0 {
		return time.Time{}, nil
	}
	return rows[0].CreatedAt, nil
}
