package store

import (
	"context"
	"errors"
	"fmt"

	"bugbank/models"

	log "github.com/sirupsen/logrus"
)

const DefaultUpdateAttempts = 5

// UpdateBug runs one read-modify-write cycle per attempt: load the bug, apply
// mutate to the fresh copy, save it under the version guard. Only version
// conflicts are retried; an error from mutate is returned as-is and nothing is
// written.
func UpdateBug(ctx context.Context, bugs BugStore, id string, attempts int, mutate func(bug *models.Bug) error) (*models.Bug, error) {
	var saved *models.Bug
	err := retryOnConflict(ctx, id, attempts, func() error {
		bug, err := bugs.GetBug(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(bug); err != nil {
			return err
		}
		if err := bugs.SaveBug(ctx, bug); err != nil {
			return err
		}
		saved = bug
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// SettleBugReward is UpdateBug for the reward claim: mutate returns the XP
// credit, which is applied together with the bug write. Every retry re-reads
// the bug, so a reward that was settled concurrently is seen as claimed.
func SettleBugReward(ctx context.Context, bugs BugStore, id string, attempts int, mutate func(bug *models.Bug) (models.XPCredit, error)) (*models.Bug, models.XPCredit, error) {
	var (
		saved  *models.Bug
		credit models.XPCredit
	)
	err := retryOnConflict(ctx, id, attempts, func() error {
		bug, err := bugs.GetBug(ctx, id)
		if err != nil {
			return err
		}
		c, err := mutate(bug)
		if err != nil {
			return err
		}
		if err := bugs.SettleReward(ctx, bug, c); err != nil {
			return err
		}
		saved, credit = bug, c
		return nil
	})
	if err != nil {
		return nil, models.XPCredit{}, err
	}
	return saved, credit, nil
}

func retryOnConflict(ctx context.Context, id string, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = DefaultUpdateAttempts
	}
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if attempt >= attempts {
			return fmt.Errorf("bug %s: giving up after %d attempts: %w", id, attempts, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.WithFields(log.Fields{"bug_id": id, "attempt": attempt}).Debug("[STORE] version conflict, retrying")
	}
}
