package services

import (
	"time"

	"bugbank/models"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// The functions below are the bug state machine. Each one checks every
// precondition before touching the bug, so on error the bug is unchanged.
// Persistence and retries live in BugService.

func claimBug(bug *models.Bug, caller Caller) error {
	if !caller.HasRole(models.RoleSolver) {
		return forbidden("Only solvers can claim")
	}
	if bug.ReporterID == caller.ID {
		return forbidden("Reporter cannot claim own bug")
	}
	if bug.Status == models.BugStatusClosed {
		return conflict("Bug is closed")
	}
	if bug.ClaimedBy != nil {
		return conflict("Already claimed")
	}

	bug.ClaimedBy = lo.ToPtr(caller.ID)
	if bug.Status == models.BugStatusOpen {
		bug.Status = models.BugStatusInProgress
	}
	return nil
}

func submitFix(bug *models.Bug, caller Caller, snippet, prLink string, now time.Time) (models.Submission, error) {
	if bug.Status == models.BugStatusClosed {
		return models.Submission{}, conflict("Bug is closed")
	}
	if bug.ReporterID == caller.ID {
		return models.Submission{}, forbidden("Cannot submit on your own bug")
	}
	if lo.ContainsBy(bug.Submissions, func(s models.Submission) bool { return s.SolverID == caller.ID }) {
		return models.Submission{}, conflict("You already submitted")
	}

	sub := models.Submission{
		ID:        uuid.NewString(),
		BugID:     bug.ID,
		SolverID:  caller.ID,
		Snippet:   snippet,
		PRLink:    prLink,
		Decision:  models.DecisionPending,
		Position:  len(bug.Submissions),
		CreatedAt: now,
	}
	bug.Submissions = append(append([]models.Submission(nil), bug.Submissions...), sub)
	if bug.Status == models.BugStatusOpen {
		bug.Status = models.BugStatusInProgress
	}
	return sub, nil
}

func verifyFix(bug *models.Bug, caller Caller, submissionID string, now time.Time) (models.Submission, error) {
	if bug.ReporterID != caller.ID {
		return models.Submission{}, forbidden("Only reporter can verify")
	}
	target, idx, ok := lo.FindIndexOf(bug.Submissions, func(s models.Submission) bool { return s.ID == submissionID })
	if !ok {
		return models.Submission{}, notFound("Submission not found")
	}
	if bug.Status == models.BugStatusClosed {
		return models.Submission{}, conflict("Bug is closed")
	}

	// the accepted one wins; every sibling goes back to pending
	bug.Submissions = lo.Map(bug.Submissions, func(s models.Submission, i int) models.Submission {
		if i == idx {
			s.Decision = models.DecisionAccepted
			s.Awarded = true
			return s
		}
		s.Decision = models.DecisionPending
		s.Awarded = false
		return s
	})
	bug.AcceptedSolverID = lo.ToPtr(target.SolverID)
	bug.Status = models.BugStatusResolved
	bug.RewardClaimed = false
	bug.ResolvedAt = lo.ToPtr(now)
	return bug.Submissions[idx], nil
}

// rejectSolution reports whether the rejection reopened the bug.
func rejectSolution(bug *models.Bug, caller Caller, submissionID, comment string) (models.Submission, bool, error) {
	if bug.ReporterID != caller.ID {
		return models.Submission{}, false, forbidden("Only reporter can reject")
	}
	target, idx, ok := lo.FindIndexOf(bug.Submissions, func(s models.Submission) bool { return s.ID == submissionID })
	if !ok {
		return models.Submission{}, false, notFound("Submission not found")
	}
	if bug.Status == models.BugStatusClosed {
		return models.Submission{}, false, conflict("Bug is closed")
	}

	subs := lo.Map(bug.Submissions, func(s models.Submission, i int) models.Submission {
		if i == idx {
			s.Decision = models.DecisionRejected
			s.Comment = comment
			s.Awarded = false
		}
		return s
	})
	rejected := subs[idx]

	allRejected := lo.EveryBy(subs, func(s models.Submission) bool { return s.Decision == models.DecisionRejected })
	if allRejected {
		bug.Submissions = lo.Map(subs, func(s models.Submission, _ int) models.Submission {
			s.Decision = models.DecisionPending
			s.Comment = ""
			s.Awarded = false
			return s
		})
		bug.Status = models.BugStatusOpen
		bug.AcceptedSolverID = nil
		bug.ResolvedAt = nil
		bug.RewardClaimed = false
		return rejected, true, nil
	}

	bug.Submissions = subs
	if target.Decision == models.DecisionAccepted {
		bug.AcceptedSolverID = nil
	}
	return rejected, false, nil
}

// claimReward marks the bug paid and returns the credit owed to the caller.
func claimReward(bug *models.Bug, caller Caller, now time.Time) (models.XPCredit, error) {
	if bug.RewardClaimed {
		return models.XPCredit{}, conflict("Already claimed")
	}
	if bug.Status != models.BugStatusResolved {
		return models.XPCredit{}, conflict("Bug not resolved")
	}
	if lo.FromPtr(bug.AcceptedSolverID) != caller.ID {
		return models.XPCredit{}, forbidden("Not your reward")
	}

	bug.RewardClaimed = true
	bug.RewardClaimedAt = lo.ToPtr(now)
	bug.Status = models.BugStatusClosed
	bug.ClaimedBy = nil
	return models.XPCredit{
		UserID:      caller.ID,
		BugID:       bug.ID,
		XP:          bug.RewardXP,
		SolvedDelta: 1,
		At:          now,
	}, nil
}

func adminClose(bug *models.Bug) error {
	if bug.Status == models.BugStatusClosed {
		return conflict("Already closed")
	}
	bug.Status = models.BugStatusClosed
	return nil
}

func adminReopen(bug *models.Bug) error {
	if bug.Status != models.BugStatusClosed {
		return conflict("Bug is not closed")
	}
	bug.Status = models.BugStatusOpen
	bug.AcceptedSolverID = nil
	bug.ResolvedAt = nil
	bug.ClaimedBy = nil
	bug.RewardClaimed = false
	bug.Submissions = lo.Map(bug.Submissions, func(s models.Submission, _ int) models.Submission {
		if s.Decision == models.DecisionAccepted {
			s.Decision = models.DecisionPending
			s.Awarded = false
		}
		return s
	})
	return nil
}
