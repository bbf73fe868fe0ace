package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bugbank/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite checks the behaviour every Store backend must share. Ids are
// uuids so the same cases run against the uuid-typed postgres columns.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("version guard", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		bug := suiteBug()
		require.NoError(t, s.CreateBug(ctx, bug))

		first, err := s.GetBug(ctx, bug.ID)
		require.NoError(t, err)
		stale, err := s.GetBug(ctx, bug.ID)
		require.NoError(t, err)

		first.Status = models.BugStatusInProgress
		require.NoError(t, s.SaveBug(ctx, first))
		assert.Equal(t, bug.Version+1, first.Version)

		stale.Title = "lost update"
		assert.ErrorIs(t, s.SaveBug(ctx, stale), ErrVersionConflict)

		got, err := s.GetBug(ctx, bug.ID)
		require.NoError(t, err)
		assert.Equal(t, models.BugStatusInProgress, got.Status)
		assert.NotEqual(t, "lost update", got.Title)

		_, err = s.GetBug(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)

		missing := suiteBug()
		assert.ErrorIs(t, s.SaveBug(ctx, missing), ErrNotFound)
	})

	t.Run("submissions are appended and updated", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		bug := suiteBug()
		require.NoError(t, s.CreateBug(ctx, bug))

		solver := uuid.NewString()
		got, err := s.GetBug(ctx, bug.ID)
		require.NoError(t, err)
		got.Submissions = append(got.Submissions, models.Submission{
			ID:        uuid.NewString(),
			BugID:     bug.ID,
			SolverID:  solver,
			Snippet:   "return early",
			Decision:  models.DecisionPending,
			CreatedAt: time.Now(),
		})
		require.NoError(t, s.SaveBug(ctx, got))

		got, err = s.GetBug(ctx, bug.ID)
		require.NoError(t, err)
		require.Len(t, got.Submissions, 1)
		assert.Equal(t, solver, got.Submissions[0].SolverID)

		got.Submissions[0].Decision = models.DecisionRejected
		got.Submissions[0].Comment = "breaks the build"
		require.NoError(t, s.SaveBug(ctx, got))

		got, err = s.GetBug(ctx, bug.ID)
		require.NoError(t, err)
		require.Len(t, got.Submissions, 1)
		assert.Equal(t, models.DecisionRejected, got.Submissions[0].Decision)
		assert.Equal(t, "breaks the build", got.Submissions[0].Comment)
		assert.Equal(t, bug.ID, got.Submissions[0].BugID)
	})

	t.Run("settle reward credits once", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		bug := suiteBug()
		require.NoError(t, s.CreateBug(ctx, bug))
		solver := uuid.NewString()

		got, err := s.GetBug(ctx, bug.ID)
		require.NoError(t, err)
		stale := got.Clone()
		markPaid(got, solver)
		credit := models.XPCredit{UserID: solver, BugID: bug.ID, XP: 40, SolvedDelta: 1, At: time.Now().UTC()}
		require.NoError(t, s.SettleReward(ctx, got, credit))
		assert.Equal(t, bug.Version+1, got.Version)

		// a second settlement from a stale read must not pay again
		markPaid(stale, solver)
		assert.ErrorIs(t, s.SettleReward(ctx, stale, credit), ErrVersionConflict)

		user, err := s.GetUser(ctx, solver)
		require.NoError(t, err)
		assert.Equal(t, int64(40), user.XP)
		assert.Equal(t, int64(1), user.SolvedCount)

		rows, total, err := s.ListXPTransactions(ctx, solver, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, rows, 1)
		assert.Equal(t, bug.ID, rows[0].BugID)
		assert.Equal(t, int64(40), rows[0].Change)

		stored, err := s.GetBug(ctx, bug.ID)
		require.NoError(t, err)
		assert.True(t, stored.RewardClaimed)
		assert.Equal(t, models.BugStatusClosed, stored.Status)
	})

	t.Run("stale settlement leaves xp untouched", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		bug := suiteBug()
		require.NoError(t, s.CreateBug(ctx, bug))
		solver := uuid.NewString()

		stale, err := s.GetBug(ctx, bug.ID)
		require.NoError(t, err)
		bumped, err := s.GetBug(ctx, bug.ID)
		require.NoError(t, err)
		require.NoError(t, s.SaveBug(ctx, bumped))

		markPaid(stale, solver)
		err = s.SettleReward(ctx, stale, models.XPCredit{UserID: solver, BugID: bug.ID, XP: 40, SolvedDelta: 1, At: time.Now()})
		assert.ErrorIs(t, err, ErrVersionConflict)

		// rolled back (no row) or compensated (row at zero)
		user, err := s.GetUser(ctx, solver)
		if errors.Is(err, ErrNotFound) {
			return
		}
		require.NoError(t, err)
		assert.Zero(t, user.XP)
		assert.Zero(t, user.SolvedCount)

		_, total, err := s.ListXPTransactions(ctx, solver, 1, 10)
		require.NoError(t, err)
		assert.Zero(t, total)
	})

	t.Run("concurrent updates all land", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		bug := suiteBug()
		bug.RewardXP = 0
		require.NoError(t, s.CreateBug(ctx, bug))

		const workers = 6
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = UpdateBug(ctx, s, bug.ID, 50, func(b *models.Bug) error {
					b.RewardXP++
					return nil
				})
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		got, err := s.GetBug(ctx, bug.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(workers), got.RewardXP)
		assert.Equal(t, bug.Version+workers, got.Version)
	})
}

func suiteBug() *models.Bug {
	return &models.Bug{
		ID:          uuid.NewString(),
		Title:       "Crash on login",
		Description: "App crashes when the password is empty",
		Severity:    models.SeverityMedium,
		Status:      models.BugStatusOpen,
		RewardXP:    40,
		ReporterID:  uuid.NewString(),
		Submissions: []models.Submission{},
		Version:     1,
	}
}

func markPaid(bug *models.Bug, solver string) {
	now := time.Now().UTC()
	bug.Status = models.BugStatusClosed
	bug.AcceptedSolverID = lo.ToPtr(solver)
	bug.ResolvedAt = lo.ToPtr(now)
	bug.RewardClaimed = true
	bug.RewardClaimedAt = lo.ToPtr(now)
}
