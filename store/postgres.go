package store

import (
	"context"
	"errors"
	"time"

	"bugbank/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresStore is the gorm-backed Store.
type PostgresStore struct {
	db *gorm.DB
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects with the given DSN.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates or updates every table the store writes to.
func (s *PostgresStore) Migrate() error {
	return s.db.AutoMigrate(
		&models.User{},
		&models.Bug{},
		&models.Submission{},
		&models.XPTransaction{},
		&models.AuditLog{},
	)
}

func (s *PostgresStore) CreateBug(ctx context.Context, bug *models.Bug) error {
	if bug.Version == 0 {
		bug.Version = 1
	}
	return s.db.WithContext(ctx).Create(bug).Error
}

func (s *PostgresStore) GetBug(ctx context.Context, id string) (*models.Bug, error) {
	var bug models.Bug
	err := s.db.WithContext(ctx).
		Preload("Submissions", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("id = ?", id).
		First(&bug).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &bug, nil
}

func (s *PostgresStore) SaveBug(ctx context.Context, bug *models.Bug) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return saveBugTx(tx, bug)
	})
}

// saveBugTx writes the bug row under the version guard, then upserts its
// submissions. Submissions are never deleted, only appended or updated.
func saveBugTx(tx *gorm.DB, bug *models.Bug) error {
	now := time.Now()
	res := tx.Model(&models.Bug{}).
		Where("id = ? AND version = ?", bug.ID, bug.Version).
		Updates(map[string]any{
			"title":              bug.Title,
			"description":        bug.Description,
			"severity":           bug.Severity,
			"status":             bug.Status,
			"reward_xp":          bug.RewardXP,
			"claimed_by":         bug.ClaimedBy,
			"accepted_solver_id": bug.AcceptedSolverID,
			"reward_claimed":     bug.RewardClaimed,
			"reward_claimed_at":  bug.RewardClaimedAt,
			"resolved_at":        bug.ResolvedAt,
			"version":            bug.Version + 1,
			"updated_at":         now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&models.Bug{}).Where("id = ?", bug.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	if len(bug.Submissions) > 0 {
		for i := range bug.Submissions {
			bug.Submissions[i].BugID = bug.ID
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"decision", "comment", "awarded", "position"}),
		}).Create(&bug.Submissions).Error
		if err != nil {
			return err
		}
	}

	bug.Version++
	bug.UpdatedAt = now
	return nil
}

// SettleReward credits the solver, appends the ledger row and saves the bug
// in one transaction. A version conflict rolls the credit back.
func (s *PostgresStore) SettleReward(ctx context.Context, bug *models.Bug, credit models.XPCredit) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := incrementUserTx(tx, credit); err != nil {
			return err
		}
		entry := ledgerEntry(credit)
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		return saveBugTx(tx, bug)
	})
}

func (s *PostgresStore) ListBugs(ctx context.Context, filter BugFilter) ([]models.Bug, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Bug{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.ReporterID != "" {
		q = q.Where("reporter_id = ?", filter.ReporterID)
	}
	if filter.AcceptedSolverID != "" {
		q = q.Where("accepted_solver_id = ?", filter.AcceptedSolverID)
	}
	if filter.RewardClaimed != nil {
		q = q.Where("reward_claimed = ?", *filter.RewardClaimed)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.SortByResolved {
		q = q.Order("resolved_at DESC NULLS LAST")
	}
	q = q.Order("created_at DESC")
	if filter.Limit > 0 {
		q = q.Offset(filter.Offset()).Limit(filter.Limit)
	}

	var bugs []models.Bug
	err := q.Preload("Submissions", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Find(&bugs).Error
	if err != nil {
		return nil, 0, err
	}
	return bugs, total, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *PostgresStore) IncrementUserXP(ctx context.Context, credit models.XPCredit) error {
	return incrementUserTx(s.db.WithContext(ctx), credit)
}

func (s *PostgresStore) UpsertUserProfile(ctx context.Context, profile models.User) error {
	user := models.User{ID: profile.ID, Name: profile.Name, Role: profile.Role, CreatedAt: profile.CreatedAt}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "role"}),
	}).Create(&user).Error
}

// incrementUserTx is an atomic add; the row is created if missing.
func incrementUserTx(tx *gorm.DB, credit models.XPCredit) error {
	at := credit.At
	user := models.User{
		ID:              credit.UserID,
		Role:            models.RoleSolver,
		XP:              credit.XP,
		SolvedCount:     credit.SolvedDelta,
		LastXPClaimedAt: &at,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"xp":                 gorm.Expr("users.xp + ?", credit.XP),
			"solved_count":       gorm.Expr("users.solved_count + ?", credit.SolvedDelta),
			"last_xp_claimed_at": at,
		}),
	}).Create(&user).Error
}

func (s *PostgresStore) TopUsers(ctx context.Context, limit int) ([]models.User, error) {
	var users []models.User
	err := s.db.WithContext(ctx).
		Order("xp DESC").Order("id ASC").
		Limit(limit).
		Find(&users).Error
	return users, err
}

func (s *PostgresStore) ListUsers(ctx context.Context, page, limit int) ([]models.User, int64, error) {
	var (
		users []models.User
		total int64
	)
	q := s.db.WithContext(ctx).Model(&models.User{})
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := q.Order("created_at DESC").
		Offset((max(page, 1) - 1) * limit).Limit(limit).
		Find(&users).Error
	return users, total, err
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *PostgresStore) ListAudits(ctx context.Context, page, limit int) ([]models.AuditLog, int64, error) {
	var (
		entries []models.AuditLog
		total   int64
	)
	q := s.db.WithContext(ctx).Model(&models.AuditLog{})
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := q.Order("created_at DESC").
		Offset((max(page, 1) - 1) * limit).Limit(limit).
		Find(&entries).Error
	return entries, total, err
}

func (s *PostgresStore) ListXPTransactions(ctx context.Context, userID string, page, limit int) ([]models.XPTransaction, int64, error) {
	var (
		rows  []models.XPTransaction
		total int64
	)
	q := s.db.WithContext(ctx).Model(&models.XPTransaction{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := q.Order("created_at DESC").
		Offset((max(page, 1) - 1) * limit).Limit(limit).
		Find(&rows).Error
	return rows, total, err
}

func (s *PostgresStore) XPTransactionsAfter(ctx context.Context, userID string, after time.Time) ([]models.XPTransaction, error) {
	var rows []models.XPTransaction
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND created_at > ?", userID, after).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (s *PostgresStore) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
