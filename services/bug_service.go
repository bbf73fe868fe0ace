package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"bugbank/models"
	"bugbank/store"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Caller is the authenticated user behind a request. Role is the primary
// role shown on the profile; Roles holds every role the gateway granted.
type Caller struct {
	ID    string
	Role  models.UserRole
	Roles []models.UserRole
}

// HasRole reports whether r is the primary role or any granted one.
func (c Caller) HasRole(r models.UserRole) bool {
	return c.Role == r || slices.Contains(c.Roles, r)
}

func (c Caller) IsAdmin() bool { return c.HasRole(models.RoleAdmin) }

type StatusResult struct {
	Status models.BugStatus `json:"status"`
}

type RewardResult struct {
	Reward int64            `json:"reward"`
	Status models.BugStatus `json:"status"`
}

type CreateBugInput struct {
	Title       string
	Description string
	Severity    models.Severity
	RewardXP    int64
}

// LeaderboardInvalidator drops cached rankings after XP changes.
type LeaderboardInvalidator interface {
	Invalidate(ctx context.Context) error
}

type BugService struct {
	store       store.Store
	attempts    int
	now         func() time.Time
	leaderboard LeaderboardInvalidator
}

type BugServiceOption func(*BugService)

// WithUpdateAttempts sets how many times a write is retried on a version conflict.
func WithUpdateAttempts(n int) BugServiceOption {
	return func(s *BugService) { s.attempts = n }
}

func WithClock(now func() time.Time) BugServiceOption {
	return func(s *BugService) { s.now = now }
}

func WithLeaderboard(l LeaderboardInvalidator) BugServiceOption {
	return func(s *BugService) { s.leaderboard = l }
}

func NewBugService(st store.Store, opts ...BugServiceOption) *BugService {
	s := &BugService{
		store:    st,
		attempts: store.DefaultUpdateAttempts,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Lifecycle ---

func (s *BugService) Claim(ctx context.Context, bugID string, caller Caller) (StatusResult, error) {
	bug, err := s.update(ctx, "claim", bugID, func(bug *models.Bug) error {
		return claimBug(bug, caller)
	})
	if err != nil {
		return StatusResult{}, err
	}
	s.audit(ctx, caller.ID, models.AuditBugClaimed, bugID, nil)
	return StatusResult{Status: bug.Status}, nil
}

func (s *BugService) SubmitFix(ctx context.Context, bugID string, caller Caller, snippet, prLink string) (StatusResult, error) {
	var sub models.Submission
	bug, err := s.update(ctx, "submit_fix", bugID, func(bug *models.Bug) error {
		var err error
		sub, err = submitFix(bug, caller, snippet, prLink, s.now())
		return err
	})
	if err != nil {
		return StatusResult{}, err
	}
	s.audit(ctx, caller.ID, models.AuditFixSubmitted, bugID, models.AuditMetadata{"submissionId": sub.ID})
	return StatusResult{Status: bug.Status}, nil
}

func (s *BugService) Verify(ctx context.Context, bugID string, caller Caller, submissionID string) (StatusResult, error) {
	var sub models.Submission
	bug, err := s.update(ctx, "verify", bugID, func(bug *models.Bug) error {
		var err error
		sub, err = verifyFix(bug, caller, submissionID, s.now())
		return err
	})
	if err != nil {
		return StatusResult{}, err
	}
	s.audit(ctx, caller.ID, models.AuditBugVerified, bugID, models.AuditMetadata{
		"submissionId": sub.ID,
		"solverId":     sub.SolverID,
	})
	return StatusResult{Status: bug.Status}, nil
}

func (s *BugService) Reject(ctx context.Context, bugID string, caller Caller, submissionID, comment string) (StatusResult, error) {
	var (
		sub      models.Submission
		reopened bool
	)
	bug, err := s.update(ctx, "reject", bugID, func(bug *models.Bug) error {
		var err error
		sub, reopened, err = rejectSolution(bug, caller, submissionID, comment)
		return err
	})
	if err != nil {
		return StatusResult{}, err
	}

	// the bug forgets the comment on reopen; the audit trail keeps it
	s.audit(ctx, caller.ID, models.AuditSolutionRejected, bugID, models.AuditMetadata{
		"submissionId": sub.ID,
		"solverId":     sub.SolverID,
		"comment":      comment,
	})
	if reopened {
		s.audit(ctx, caller.ID, models.AuditBugReopened, bugID, models.AuditMetadata{"reason": "all submissions rejected"})
	}
	return StatusResult{Status: bug.Status}, nil
}

func (s *BugService) ClaimReward(ctx context.Context, bugID string, caller Caller) (RewardResult, error) {
	bug, credit, err := store.SettleBugReward(ctx, s.store, bugID, s.attempts, func(bug *models.Bug) (models.XPCredit, error) {
		return claimReward(bug, caller, s.now())
	})
	err = s.classify("claim_reward", bugID, err)
	observe("claim_reward", err)
	if err != nil {
		return RewardResult{}, err
	}

	xpAwarded.Add(float64(credit.XP))
	log.WithFields(log.Fields{"bug_id": bugID, "user_id": caller.ID, "xp": credit.XP}).
		Info("[REWARD] 🎉 reward claimed")

	s.audit(ctx, caller.ID, models.AuditRewardClaimed, bugID, models.AuditMetadata{"reward": credit.XP})
	if s.leaderboard != nil {
		if err := s.leaderboard.Invalidate(ctx); err != nil {
			log.Warnf("[REWARD] ⚠️ leaderboard invalidation failed: %v", err)
		}
	}
	return RewardResult{Reward: credit.XP, Status: bug.Status}, nil
}

// --- Creation & queries ---

func (s *BugService) Create(ctx context.Context, caller Caller, in CreateBugInput) (*models.Bug, error) {
	title := strings.TrimSpace(in.Title)
	description := strings.TrimSpace(in.Description)
	if utf8.RuneCountInString(title) < 3 {
		return nil, invalid("Title must be at least 3 characters")
	}
	if utf8.RuneCountInString(description) < 10 {
		return nil, invalid("Description must be at least 10 characters")
	}
	if in.RewardXP < 0 {
		return nil, invalid("Reward must not be negative")
	}
	severity := in.Severity
	if severity == "" {
		severity = models.SeverityLow
	}
	if !severity.Valid() {
		return nil, invalid("Unknown severity")
	}

	now := s.now()
	bug := &models.Bug{
		ID:          uuid.NewString(),
		Slug:        slug.Make(title),
		Title:       title,
		Description: description,
		Severity:    severity,
		Status:      models.BugStatusOpen,
		RewardXP:    in.RewardXP,
		ReporterID:  caller.ID,
		Submissions: []models.Submission{},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateBug(ctx, bug); err != nil {
		observe("create", err)
		return nil, fmt.Errorf("create bug: %w", err)
	}
	observe("create", nil)
	log.WithFields(log.Fields{"bug_id": bug.ID, "reporter_id": caller.ID}).Info("[BUG] ✅ bug created")
	s.audit(ctx, caller.ID, models.AuditBugCreated, bug.ID, models.AuditMetadata{"title": title, "rewardXP": in.RewardXP})
	return bug, nil
}

func (s *BugService) Get(ctx context.Context, bugID string) (*models.Bug, error) {
	bug, err := s.store.GetBug(ctx, bugID)
	if err != nil {
		return nil, s.classify("get", bugID, err)
	}
	return bug, nil
}

// ListActive returns open and in-progress bugs, newest first. A limit below
// 1 returns all of them; otherwise the page is bounded by MaxPageSize.
func (s *BugService) ListActive(ctx context.Context, page, limit int) ([]models.Bug, int64, error) {
	if limit < 1 {
		page, limit = 0, 0
	} else {
		page, limit = NormalizePage(page, limit)
	}
	return s.list(ctx, store.BugFilter{
		Statuses: []models.BugStatus{models.BugStatusOpen, models.BugStatusInProgress},
		Page:     page,
		Limit:    limit,
	})
}

func (s *BugService) MyReported(ctx context.Context, caller Caller) ([]models.Bug, error) {
	bugs, _, err := s.list(ctx, store.BugFilter{ReporterID: caller.ID})
	return bugs, err
}

func (s *BugService) MySolved(ctx context.Context, caller Caller) ([]models.Bug, error) {
	bugs, _, err := s.list(ctx, store.BugFilter{AcceptedSolverID: caller.ID, SortByResolved: true})
	return bugs, err
}

func (s *BugService) MyPendingRewards(ctx context.Context, caller Caller) ([]models.Bug, error) {
	unclaimed := false
	bugs, _, err := s.list(ctx, store.BugFilter{
		Statuses:         []models.BugStatus{models.BugStatusResolved},
		AcceptedSolverID: caller.ID,
		RewardClaimed:    &unclaimed,
		SortByResolved:   true,
	})
	return bugs, err
}

func (s *BugService) list(ctx context.Context, filter store.BugFilter) ([]models.Bug, int64, error) {
	bugs, total, err := s.store.ListBugs(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list bugs: %w", err)
	}
	if bugs == nil {
		bugs = []models.Bug{}
	}
	return bugs, total, nil
}

// --- Admin ---

func (s *BugService) AdminClose(ctx context.Context, caller Caller, bugID string) (StatusResult, error) {
	if !caller.IsAdmin() {
		return StatusResult{}, forbidden("Admin only")
	}
	bug, err := s.update(ctx, "admin_close", bugID, adminClose)
	if err != nil {
		return StatusResult{}, err
	}
	s.audit(ctx, caller.ID, models.AuditBugClosed, bugID, nil)
	return StatusResult{Status: bug.Status}, nil
}

func (s *BugService) AdminReopen(ctx context.Context, caller Caller, bugID string) (StatusResult, error) {
	if !caller.IsAdmin() {
		return StatusResult{}, forbidden("Admin only")
	}
	bug, err := s.update(ctx, "admin_reopen", bugID, adminReopen)
	if err != nil {
		return StatusResult{}, err
	}
	s.audit(ctx, caller.ID, models.AuditBugReopened, bugID, models.AuditMetadata{"reason": "admin"})
	return StatusResult{Status: bug.Status}, nil
}

func (s *BugService) AdminListBugs(ctx context.Context, caller Caller, filter store.BugFilter) ([]models.Bug, int64, error) {
	if !caller.IsAdmin() {
		return nil, 0, forbidden("Admin only")
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		return nil, 0, invalid("Unknown severity")
	}
	filter.Page, filter.Limit = NormalizePage(filter.Page, filter.Limit)
	return s.list(ctx, filter)
}

func (s *BugService) AdminListUsers(ctx context.Context, caller Caller, page, limit int) ([]models.User, int64, error) {
	if !caller.IsAdmin() {
		return nil, 0, forbidden("Admin only")
	}
	page, limit = NormalizePage(page, limit)
	users, total, err := s.store.ListUsers(ctx, page, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	return users, total, nil
}

func (s *BugService) AdminListAudits(ctx context.Context, caller Caller, page, limit int) ([]models.AuditLog, int64, error) {
	if !caller.IsAdmin() {
		return nil, 0, forbidden("Admin only")
	}
	page, limit = NormalizePage(page, limit)
	entries, total, err := s.store.ListAudits(ctx, page, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list audits: %w", err)
	}
	return entries, total, nil
}

// --- helpers ---

func (s *BugService) update(ctx context.Context, op, bugID string, mutate func(*models.Bug) error) (*models.Bug, error) {
	bug, err := store.UpdateBug(ctx, s.store, bugID, s.attempts, mutate)
	err = s.classify(op, bugID, err)
	observe(op, err)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"bug_id": bugID, "op": op, "status": bug.Status}).Debug("[BUG] transition applied")
	return bug, nil
}

// classify turns store errors into service errors. Business errors pass
// through untouched.
func (s *BugService) classify(op, bugID string, err error) error {
	switch {
	case err == nil:
		return nil
	case KindOf(err) != 0:
		return err
	case errors.Is(err, store.ErrNotFound):
		return notFound("Not found")
	default:
		log.WithFields(log.Fields{"bug_id": bugID, "op": op}).Errorf("[BUG] ❌ store failure: %v", err)
		return fmt.Errorf("%s bug %s: %w", op, bugID, err)
	}
}

func (s *BugService) audit(ctx context.Context, actorID string, action models.AuditAction, bugID string, meta models.AuditMetadata) {
	if meta == nil {
		meta = models.AuditMetadata{}
	}
	entry := &models.AuditLog{
		ID:         uuid.NewString(),
		ActorID:    actorID,
		Action:     action,
		TargetType: "Bug",
		TargetID:   bugID,
		Metadata:   meta,
		CreatedAt:  s.now(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		log.WithFields(log.Fields{"bug_id": bugID, "action": action}).Warnf("[AUDIT] ⚠️ failed to write audit entry: %v", err)
	}
}

// NormalizePage applies the default page size and the upper bound.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}
