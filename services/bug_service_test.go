package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bugbank/models"
	"bugbank/store"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx      context.Context
	store    *store.MemoryStore
	svc      *BugService
	reporter Caller
	solverA  Caller
	solverB  Caller
	admin    Caller
}

func newFixture(t *testing.T, opts ...BugServiceOption) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	opts = append([]BugServiceOption{WithClock(func() time.Time { return fixedNow })}, opts...)
	return &fixture{
		ctx:      context.Background(),
		store:    st,
		svc:      NewBugService(st, opts...),
		reporter: Caller{ID: uuid.NewString(), Role: models.RoleReporter},
		solverA:  Caller{ID: uuid.NewString(), Role: models.RoleSolver},
		solverB:  Caller{ID: uuid.NewString(), Role: models.RoleSolver},
		admin:    Caller{ID: uuid.NewString(), Role: models.RoleAdmin},
	}
}

func (f *fixture) createBug(t *testing.T, rewardXP int64) *models.Bug {
	t.Helper()
	bug, err := f.svc.Create(f.ctx, f.reporter, CreateBugInput{
		Title:       "Crash on login",
		Description: "App crashes when the password is empty",
		Severity:    models.SeverityHigh,
		RewardXP:    rewardXP,
	})
	require.NoError(t, err)
	return bug
}

func (f *fixture) bug(t *testing.T, id string) *models.Bug {
	t.Helper()
	bug, err := f.store.GetBug(f.ctx, id)
	require.NoError(t, err)
	return bug
}

func (f *fixture) submissionOf(t *testing.T, bugID, solverID string) models.Submission {
	t.Helper()
	sub, ok := lo.Find(f.bug(t, bugID).Submissions, func(s models.Submission) bool { return s.SolverID == solverID })
	require.True(t, ok, "no submission by %s", solverID)
	return sub
}

func assertKind(t *testing.T, err error, kind error, reason string) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, kind)
	assert.Equal(t, reason, err.Error())
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	bug := f.createBug(t, 30)

	assert.Equal(t, models.BugStatusOpen, bug.Status)
	assert.Equal(t, "crash-on-login", bug.Slug)
	assert.Equal(t, f.reporter.ID, bug.ReporterID)
	assert.Empty(t, bug.Submissions)

	t.Run("severity defaults to low", func(t *testing.T) {
		b, err := f.svc.Create(f.ctx, f.reporter, CreateBugInput{Title: "Typo", Description: "Typo in the footer text"})
		require.NoError(t, err)
		assert.Equal(t, models.SeverityLow, b.Severity)
	})

	tests := []struct {
		name   string
		in     CreateBugInput
		reason string
	}{
		{"short title", CreateBugInput{Title: "ab", Description: "long enough text"}, "Title must be at least 3 characters"},
		{"short description", CreateBugInput{Title: "abc", Description: "short"}, "Description must be at least 10 characters"},
		{"negative reward", CreateBugInput{Title: "abc", Description: "long enough text", RewardXP: -1}, "Reward must not be negative"},
		{"bad severity", CreateBugInput{Title: "abc", Description: "long enough text", Severity: "urgent"}, "Unknown severity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(f.ctx, f.reporter, tt.in)
			assertKind(t, err, ErrInvalid, tt.reason)
		})
	}
}

func TestScenario_SubmitVerifyClaimReward(t *testing.T) {
	f := newFixture(t)
	bug := f.createBug(t, 30)

	res, err := f.svc.SubmitFix(f.ctx, bug.ID, f.solverA, "if pw == \"\" { return }", "https://example.com/pr/1")
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusInProgress, res.Status)

	sub := f.submissionOf(t, bug.ID, f.solverA.ID)
	assert.Equal(t, models.DecisionPending, sub.Decision)

	res, err = f.svc.Verify(f.ctx, bug.ID, f.reporter, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusResolved, res.Status)
	got := f.bug(t, bug.ID)
	assert.Equal(t, f.solverA.ID, lo.FromPtr(got.AcceptedSolverID))
	assert.Equal(t, fixedNow, lo.FromPtr(got.ResolvedAt))

	reward, err := f.svc.ClaimReward(f.ctx, bug.ID, f.solverA)
	require.NoError(t, err)
	assert.Equal(t, RewardResult{Reward: 30, Status: models.BugStatusClosed}, reward)

	user, err := f.store.GetUser(f.ctx, f.solverA.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), user.XP)
	assert.Equal(t, int64(1), user.SolvedCount)
	assert.Equal(t, fixedNow, lo.FromPtr(user.LastXPClaimedAt))

	got = f.bug(t, bug.ID)
	assert.Equal(t, models.BugStatusClosed, got.Status)
	assert.True(t, got.RewardClaimed)
	assert.Nil(t, got.ClaimedBy)

	t.Run("second claim is a conflict and pays nothing", func(t *testing.T) {
		_, err := f.svc.ClaimReward(f.ctx, bug.ID, f.solverA)
		assertKind(t, err, ErrConflict, "Already claimed")

		user, err := f.store.GetUser(f.ctx, f.solverA.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(30), user.XP)
		assert.Len(t, f.store.Ledger(), 1)
	})

	t.Run("closed bug cannot be verified again", func(t *testing.T) {
		_, err := f.svc.Verify(f.ctx, bug.ID, f.reporter, sub.ID)
		assertKind(t, err, ErrConflict, "Bug is closed")
	})

	t.Run("closed bug takes no submissions", func(t *testing.T) {
		_, err := f.svc.SubmitFix(f.ctx, bug.ID, f.solverB, "", "")
		assertKind(t, err, ErrConflict, "Bug is closed")
	})
}

func TestScenario_RejectAllReopens(t *testing.T) {
	f := newFixture(t)
	bug := f.createBug(t, 10)

	_, err := f.svc.SubmitFix(f.ctx, bug.ID, f.solverA, "a", "")
	require.NoError(t, err)
	_, err = f.svc.SubmitFix(f.ctx, bug.ID, f.solverB, "b", "")
	require.NoError(t, err)
	subA := f.submissionOf(t, bug.ID, f.solverA.ID)
	subB := f.submissionOf(t, bug.ID, f.solverB.ID)

	res, err := f.svc.Reject(f.ctx, bug.ID, f.reporter, subA.ID, "insufficient")
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusInProgress, res.Status)
	rejected := f.submissionOf(t, bug.ID, f.solverA.ID)
	assert.Equal(t, models.DecisionRejected, rejected.Decision)
	assert.Equal(t, "insufficient", rejected.Comment)

	res, err = f.svc.Reject(f.ctx, bug.ID, f.reporter, subB.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusOpen, res.Status)

	got := f.bug(t, bug.ID)
	assert.Nil(t, got.AcceptedSolverID)
	assert.Nil(t, got.ResolvedAt)
	assert.False(t, got.RewardClaimed)
	for _, s := range got.Submissions {
		assert.Equal(t, models.DecisionPending, s.Decision)
		assert.Empty(t, s.Comment)
	}

	t.Run("audit log keeps the erased comment", func(t *testing.T) {
		entries, _, err := f.store.ListAudits(f.ctx, 1, 50)
		require.NoError(t, err)
		rejections := lo.Filter(entries, func(e models.AuditLog, _ int) bool { return e.Action == models.AuditSolutionRejected })
		require.Len(t, rejections, 2)
		comments := lo.Map(rejections, func(e models.AuditLog, _ int) any { return e.Metadata["comment"] })
		assert.Contains(t, comments, "insufficient")
		assert.True(t, lo.ContainsBy(entries, func(e models.AuditLog) bool { return e.Action == models.AuditBugReopened }))
	})
}

func TestVerify_ResetsSiblingsToPending(t *testing.T) {
	f := newFixture(t)
	bug := f.createBug(t, 10)
	_, err := f.svc.SubmitFix(f.ctx, bug.ID, f.solverA, "a", "")
	require.NoError(t, err)
	_, err = f.svc.SubmitFix(f.ctx, bug.ID, f.solverB, "b", "")
	require.NoError(t, err)
	subA := f.submissionOf(t, bug.ID, f.solverA.ID)
	subB := f.submissionOf(t, bug.ID, f.solverB.ID)

	_, err = f.svc.Reject(f.ctx, bug.ID, f.reporter, subA.ID, "nope")
	require.NoError(t, err)

	_, err = f.svc.Verify(f.ctx, bug.ID, f.reporter, subB.ID)
	require.NoError(t, err)

	got := f.bug(t, bug.ID)
	accepted := lo.Filter(got.Submissions, func(s models.Submission, _ int) bool { return s.Decision == models.DecisionAccepted })
	require.Len(t, accepted, 1)
	assert.Equal(t, f.solverB.ID, accepted[0].SolverID)
	assert.True(t, accepted[0].Awarded)

	a := f.submissionOf(t, bug.ID, f.solverA.ID)
	assert.Equal(t, models.DecisionPending, a.Decision)
	assert.False(t, a.Awarded)

	t.Run("switching acceptance keeps a single accepted submission", func(t *testing.T) {
		_, err := f.svc.Verify(f.ctx, bug.ID, f.reporter, subA.ID)
		require.NoError(t, err)
		got := f.bug(t, bug.ID)
		accepted := lo.Filter(got.Submissions, func(s models.Submission, _ int) bool { return s.Decision == models.DecisionAccepted })
		require.Len(t, accepted, 1)
		assert.Equal(t, f.solverA.ID, lo.FromPtr(got.AcceptedSolverID))
	})
}

func TestReject_AcceptedSubmissionClearsSolver(t *testing.T) {
	f := newFixture(t)
	bug := f.createBug(t, 10)
	_, err := f.svc.SubmitFix(f.ctx, bug.ID, f.solverA, "a", "")
	require.NoError(t, err)
	_, err = f.svc.SubmitFix(f.ctx, bug.ID, f.solverB, "b", "")
	require.NoError(t, err)
	subA := f.submissionOf(t, bug.ID, f.solverA.ID)

	_, err = f.svc.Verify(f.ctx, bug.ID, f.reporter, subA.ID)
	require.NoError(t, err)

	res, err := f.svc.Reject(f.ctx, bug.ID, f.reporter, subA.ID, "regressed")
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusResolved, res.Status, "B is still pending, status unchanged")

	got := f.bug(t, bug.ID)
	assert.Nil(t, got.AcceptedSolverID)

	_, err = f.svc.ClaimReward(f.ctx, bug.ID, f.solverA)
	assertKind(t, err, ErrForbidden, "Not your reward")
}

func TestSubmitFix_Errors(t *testing.T) {
	f := newFixture(t)
	bug := f.createBug(t, 10)

	_, err := f.svc.SubmitFix(f.ctx, bug.ID, f.reporter, "", "")
	assertKind(t, err, ErrForbidden, "Cannot submit on your own bug")

	_, err = f.svc.SubmitFix(f.ctx, bug.ID, f.solverA, "first", "")
	require.NoError(t, err)
	_, err = f.svc.SubmitFix(f.ctx, bug.ID, f.solverA, "second", "")
	assertKind(t, err, ErrConflict, "You already submitted")
	assert.Len(t, f.bug(t, bug.ID).Submissions, 1)

	_, err = f.svc.SubmitFix(f.ctx, uuid.NewString(), f.solverA, "", "")
	assertKind(t, err, ErrNotFound, "Not found")
}

func TestReviewErrors(t *testing.T) {
	f := newFixture(t)
	bug := f.createBug(t, 10)
	_, err := f.svc.SubmitFix(f.ctx, bug.ID, f.solverA, "a", "")
	require.NoError(t, err)
	sub := f.submissionOf(t, bug.ID, f.solverA.ID)
	before := f.bug(t, bug.ID)

	_, err = f.svc.Verify(f.ctx, bug.ID, f.solverA, sub.ID)
	assertKind(t, err, ErrForbidden, "Only reporter can verify")
	_, err = f.svc.Reject(f.ctx, bug.ID, f.solverB, sub.ID, "")
	assertKind(t, err, ErrForbidden, "Only reporter can reject")
	_, err = f.svc.Verify(f.ctx, bug.ID, f.reporter, "missing")
	assertKind(t, err, ErrNotFound, "Submission not found")
	_, err = f.svc.Reject(f.ctx, bug.ID, f.reporter, "missing", "")
	assertKind(t, err, ErrNotFound, "Submission not found")

	// failed operations write nothing
	assert.Equal(t, before.Version, f.bug(t, bug.ID).Version)
}

func TestClaimReward_Errors(t *testing.T) {
	f := newFixture(t)
	bug := f.createBug(t, 10)
	_, err := f.svc.SubmitFix(f.ctx, bug.ID, f.solverA, "a", "")
	require.NoError(t, err)

	_, err = f.svc.ClaimReward(f.ctx, bug.ID, f.solverA)
	assertKind(t, err, ErrConflict, "Bug not resolved")

	_, err = f.svc.Verify(f.ctx, bug.ID, f.reporter, f.submissionOf(t, bug.ID, f.solverA.ID).ID)
	require.NoError(t, err)

	_, err = f.svc.ClaimReward(f.ctx, bug.ID, f.solverB)
	assertKind(t, err, ErrForbidden, "Not your reward")

	_, err = f.store.GetUser(f.ctx, f.solverB.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScenario_LegacyClaim(t *testing.T) {
	f := newFixture(t)
	bug := f.createBug(t, 10)
	solverC := Caller{ID: uuid.NewString(), Role: models.RoleSolver}
	solverD := Caller{ID: uuid.NewString(), Role: models.RoleSolver}

	res, err := f.svc.Claim(f.ctx, bug.ID, solverC)
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusInProgress, res.Status)
	assert.Equal(t, solverC.ID, lo.FromPtr(f.bug(t, bug.ID).ClaimedBy))

	_, err = f.svc.Claim(f.ctx, bug.ID, solverD)
	assertKind(t, err, ErrConflict, "Already claimed")

	t.Run("role and ownership checks", func(t *testing.T) {
		other := f.createBug(t, 5)
		_, err := f.svc.Claim(f.ctx, other.ID, Caller{ID: uuid.NewString(), Role: models.RoleReporter})
		assertKind(t, err, ErrForbidden, "Only solvers can claim")

		_, err = f.svc.Claim(f.ctx, other.ID, Caller{ID: f.reporter.ID, Role: models.RoleSolver})
		assertKind(t, err, ErrForbidden, "Reporter cannot claim own bug")
	})

	t.Run("solver role held next to another primary role", func(t *testing.T) {
		other := f.createBug(t, 5)
		adminSolver := Caller{
			ID:    uuid.NewString(),
			Role:  models.RoleAdmin,
			Roles: []models.UserRole{models.RoleAdmin, models.RoleSolver},
		}
		res, err := f.svc.Claim(f.ctx, other.ID, adminSolver)
		require.NoError(t, err)
		assert.Equal(t, models.BugStatusInProgress, res.Status)

		_, _, err = f.svc.AdminListUsers(f.ctx, Caller{
			ID:    uuid.NewString(),
			Role:  models.RoleSolver,
			Roles: []models.UserRole{models.RoleSolver, models.RoleAdmin},
		}, 1, 10)
		assert.NoError(t, err)
	})
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	solved := f.createBug(t, 20)
	pending := f.createBug(t, 15)
	open := f.createBug(t, 5)

	for _, b := range []*models.Bug{solved, pending} {
		_, err := f.svc.SubmitFix(f.ctx, b.ID, f.solverA, "fix", "")
		require.NoError(t, err)
		_, err = f.svc.Verify(f.ctx, b.ID, f.reporter, f.submissionOf(t, b.ID, f.solverA.ID).ID)
		require.NoError(t, err)
	}
	_, err := f.svc.ClaimReward(f.ctx, solved.ID, f.solverA)
	require.NoError(t, err)

	active, total, err := f.svc.ListActive(f.ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, active, 1)
	assert.Equal(t, open.ID, active[0].ID)

	reported, err := f.svc.MyReported(f.ctx, f.reporter)
	require.NoError(t, err)
	assert.Len(t, reported, 3)

	mine, err := f.svc.MySolved(f.ctx, f.solverA)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	rewards, err := f.svc.MyPendingRewards(f.ctx, f.solverA)
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	assert.Equal(t, pending.ID, rewards[0].ID)

	none, err := f.svc.MyPendingRewards(f.ctx, f.solverB)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = f.svc.Get(f.ctx, uuid.NewString())
	assertKind(t, err, ErrNotFound, "Not found")
}

func TestAdminCloseReopen(t *testing.T) {
	f := newFixture(t)
	bug := f.createBug(t, 10)

	_, err := f.svc.AdminClose(f.ctx, f.reporter, bug.ID)
	assertKind(t, err, ErrForbidden, "Admin only")

	res, err := f.svc.AdminClose(f.ctx, f.admin, bug.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusClosed, res.Status)

	_, err = f.svc.AdminClose(f.ctx, f.admin, bug.ID)
	assertKind(t, err, ErrConflict, "Already closed")

	res, err = f.svc.AdminReopen(f.ctx, f.admin, bug.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BugStatusOpen, res.Status)

	_, err = f.svc.AdminReopen(f.ctx, f.admin, bug.ID)
	assertKind(t, err, ErrConflict, "Bug is not closed")

	t.Run("reopen clears a paid bug", func(t *testing.T) {
		b := f.createBug(t, 10)
		_, err := f.svc.SubmitFix(f.ctx, b.ID, f.solverA, "a", "")
		require.NoError(t, err)
		_, err = f.svc.Verify(f.ctx, b.ID, f.reporter, f.submissionOf(t, b.ID, f.solverA.ID).ID)
		require.NoError(t, err)
		_, err = f.svc.ClaimReward(f.ctx, b.ID, f.solverA)
		require.NoError(t, err)

		_, err = f.svc.AdminReopen(f.ctx, f.admin, b.ID)
		require.NoError(t, err)
		got := f.bug(t, b.ID)
		assert.Nil(t, got.AcceptedSolverID)
		assert.False(t, got.RewardClaimed)
		assert.False(t, lo.ContainsBy(got.Submissions, func(s models.Submission) bool { return s.Decision == models.DecisionAccepted }))
	})

	t.Run("admin lists", func(t *testing.T) {
		bugs, total, err := f.svc.AdminListBugs(f.ctx, f.admin, store.BugFilter{Statuses: []models.BugStatus{models.BugStatusOpen}})
		require.NoError(t, err)
		assert.Equal(t, int64(len(bugs)), total)

		_, _, err = f.svc.AdminListBugs(f.ctx, f.admin, store.BugFilter{Severity: "huge"})
		assertKind(t, err, ErrInvalid, "Unknown severity")

		_, _, err = f.svc.AdminListUsers(f.ctx, f.solverA, 1, 10)
		assertKind(t, err, ErrForbidden, "Admin only")

		entries, total, err := f.svc.AdminListAudits(f.ctx, f.admin, 1, 5)
		require.NoError(t, err)
		assert.Len(t, entries, 5)
		assert.Greater(t, total, int64(5))
	})
}

// Concurrent submissions from many solvers must all land; none may be lost to
// a stale write.
func TestConcurrentSubmissions(t *testing.T) {
	f := newFixture(t, WithUpdateAttempts(100))
	bug := f.createBug(t, 10)

	const solvers = 20
	var wg sync.WaitGroup
	for i := 0; i < solvers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitFix(f.ctx, bug.ID, Caller{ID: uuid.NewString(), Role: models.RoleSolver}, "fix", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := f.bug(t, bug.ID)
	assert.Len(t, got.Submissions, solvers)
}

func TestConcurrentRewardClaims_PayOnce(t *testing.T) {
	f := newFixture(t, WithUpdateAttempts(100))
	bug := f.createBug(t, 25)
	_, err := f.svc.SubmitFix(f.ctx, bug.ID, f.solverA, "a", "")
	require.NoError(t, err)
	_, err = f.svc.Verify(f.ctx, bug.ID, f.reporter, f.submissionOf(t, bug.ID, f.solverA.ID).ID)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ClaimReward(f.ctx, bug.ID, f.solverA)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			assert.True(t, errors.Is(err, ErrConflict), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	user, err := f.store.GetUser(f.ctx, f.solverA.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), user.XP)
	assert.Equal(t, int64(1), user.SolvedCount)
}

type recordingInvalidator struct{ calls int }

func (r *recordingInvalidator) Invalidate(context.Context) error {
	r.calls++
	return nil
}

func TestClaimReward_InvalidatesLeaderboard(t *testing.T) {
	inv := &recordingInvalidator{}
	f := newFixture(t, WithLeaderboard(inv))
	bug := f.createBug(t, 10)
	_, err := f.svc.SubmitFix(f.ctx, bug.ID, f.solverA, "a", "")
	require.NoError(t, err)
	_, err = f.svc.Verify(f.ctx, bug.ID, f.reporter, f.submissionOf(t, bug.ID, f.solverA.ID).ID)
	require.NoError(t, err)

	_, err = f.svc.ClaimReward(f.ctx, bug.ID, f.solverA)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.calls)

	_, err = f.svc.ClaimReward(f.ctx, bug.ID, f.solverA)
	require.Error(t, err)
	assert.Equal(t, 1, inv.calls)
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := conflict("Already claimed")
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrForbidden)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, ErrorKind(0), KindOf(errors.New("plain")))
}
