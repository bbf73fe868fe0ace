package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bugbank/models"

	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	bugsCollection   = "bugs"
	usersCollection  = "users"
	ledgerCollection = "xp_transactions"
	auditsCollection = "audit_logs"
)

// MongoStore keeps each bug as one document with its submissions embedded.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	// replica sets and sharded clusters; standalone servers have no
	// multi-document transactions
	transactions bool
}

var _ Store = (*MongoStore)(nil)

// OpenMongo connects, pings and returns a store bound to database.
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo.Connect: %w", err)
	}
	if err = client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("client.Ping: %w", err)
	}
	s := &MongoStore{client: client, db: client.Database(database)}
	s.transactions = supportsTransactions(ctx, client)
	if !s.transactions {
		log.Warn("[STORE] ⚠️ mongo is standalone, reward settlement falls back to compensation")
	}
	return s, nil
}

func supportsTransactions(ctx context.Context, client *mongo.Client) bool {
	var hello struct {
		SetName string `bson:"setName"`
		Msg     string `bson:"msg"`
	}
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		log.Warnf("[STORE] ⚠️ hello failed, assuming no transactions: %v", err)
		return false
	}
	return hello.SetName != "" || hello.Msg == "isdbgrid"
}

// EnsureIndexes creates the indexes the list queries rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	bugIdx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "reporter_id", Value: 1}}},
		{Keys: bson.D{{Key: "accepted_solver_id", Value: 1}, {Key: "reward_claimed", Value: 1}}},
	}
	if _, err := s.db.Collection(bugsCollection).Indexes().CreateMany(ctx, bugIdx); err != nil {
		return fmt.Errorf("bugs.Indexes.CreateMany: %w", err)
	}
	userIdx := mongo.IndexModel{Keys: bson.D{{Key: "xp", Value: -1}, {Key: "_id", Value: 1}}}
	if _, err := s.db.Collection(usersCollection).Indexes().CreateOne(ctx, userIdx); err != nil {
		return fmt.Errorf("users.Indexes.CreateOne: %w", err)
	}
	ledgerIdx := mongo.IndexModel{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}}
	if _, err := s.db.Collection(ledgerCollection).Indexes().CreateOne(ctx, ledgerIdx); err != nil {
		return fmt.Errorf("xp_transactions.Indexes.CreateOne: %w", err)
	}
	auditIdx := mongo.IndexModel{Keys: bson.D{{Key: "created_at", Value: -1}}}
	if _, err := s.db.Collection(auditsCollection).Indexes().CreateOne(ctx, auditIdx); err != nil {
		return fmt.Errorf("audit_logs.Indexes.CreateOne: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateBug(ctx context.Context, bug *models.Bug) error {
	now := time.Now()
	if bug.Version == 0 {
		bug.Version = 1
	}
	if bug.CreatedAt.IsZero() {
		bug.CreatedAt = now
	}
	bug.UpdatedAt = now
	if _, err := s.db.Collection(bugsCollection).InsertOne(ctx, bug); err != nil {
		return fmt.Errorf("bugs.InsertOne: %w", err)
	}
	return nil
}

func (s *MongoStore) GetBug(ctx context.Context, id string) (*models.Bug, error) {
	var bug models.Bug
	err := s.db.Collection(bugsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&bug)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bugs.FindOne: %w", err)
	}
	// BugID is not stored on embedded submissions
	for i := range bug.Submissions {
		bug.Submissions[i].BugID = bug.ID
	}
	return &bug, nil
}

func (s *MongoStore) SaveBug(ctx context.Context, bug *models.Bug) error {
	next, err := s.replaceBug(ctx, bug)
	if err != nil {
		return err
	}
	bug.Version = next.Version
	bug.UpdatedAt = next.UpdatedAt
	return nil
}

// replaceBug writes bug under the version guard and returns the stored copy.
// bug itself is left untouched so a retried transaction sees the same input.
func (s *MongoStore) replaceBug(ctx context.Context, bug *models.Bug) (*models.Bug, error) {
	expected := bug.Version
	next := bug.Clone()
	next.Version = expected + 1
	next.UpdatedAt = time.Now()

	res, err := s.db.Collection(bugsCollection).ReplaceOne(ctx,
		bson.M{"_id": bug.ID, "version": expected}, next)
	if err != nil {
		return nil, fmt.Errorf("bugs.ReplaceOne: %w", err)
	}
	if res.MatchedCount == 0 {
		n, err := s.db.Collection(bugsCollection).CountDocuments(ctx, bson.M{"_id": bug.ID})
		if err != nil {
			return nil, fmt.Errorf("bugs.CountDocuments: %w", err)
		}
		if n == 0 {
			return nil, ErrNotFound
		}
		return nil, ErrVersionConflict
	}
	return next, nil
}

// SettleReward credits the user, writes the bug and appends the ledger row.
// With transactions all three commit together; otherwise see settleCompensated.
func (s *MongoStore) SettleReward(ctx context.Context, bug *models.Bug, credit models.XPCredit) error {
	if !s.transactions {
		return s.settleCompensated(ctx, bug, credit)
	}

	var next *models.Bug
	err := s.client.UseSession(ctx, func(sc mongo.SessionContext) error {
		_, err := sc.WithTransaction(sc, func(tx mongo.SessionContext) (any, error) {
			if err := s.incrementUser(tx, credit, true); err != nil {
				return nil, err
			}
			saved, err := s.replaceBug(tx, bug)
			if err != nil {
				return nil, err
			}
			entry := ledgerEntry(credit)
			if _, err := s.db.Collection(ledgerCollection).InsertOne(tx, entry); err != nil {
				return nil, fmt.Errorf("xp_transactions.InsertOne: %w", err)
			}
			next = saved
			return nil, nil
		})
		return err
	})
	if err != nil {
		return err
	}
	bug.Version = next.Version
	bug.UpdatedAt = next.UpdatedAt
	return nil
}

// settleCompensated credits first and then writes the bug. When the bug
// write fails the credit is reversed, unless a re-read shows the write did
// land (an ambiguous network error), so a retry never pays twice and a paid
// bug never loses its XP.
func (s *MongoStore) settleCompensated(ctx context.Context, bug *models.Bug, credit models.XPCredit) error {
	if err := s.IncrementUserXP(ctx, credit); err != nil {
		return err
	}

	expected := bug.Version
	saveErr := s.SaveBug(ctx, bug)
	definite := errors.Is(saveErr, ErrVersionConflict) || errors.Is(saveErr, ErrNotFound)
	if saveErr != nil && !definite && s.bugWriteLanded(ctx, bug, expected, credit) {
		log.WithFields(log.Fields{"bug_id": bug.ID, "user_id": credit.UserID}).
			Warnf("[STORE] ⚠️ bug write reported %v but was applied", saveErr)
		bug.Version = expected + 1
		saveErr = nil
	}
	if saveErr == nil {
		entry := ledgerEntry(credit)
		if _, err := s.db.Collection(ledgerCollection).InsertOne(ctx, entry); err != nil {
			// the reward itself is settled; only the ledger row is missing
			log.WithFields(log.Fields{"bug_id": bug.ID, "user_id": credit.UserID}).
				Errorf("[STORE] ❌ ledger insert failed: %v", err)
		}
		return nil
	}

	reverse := credit
	reverse.XP = -credit.XP
	reverse.SolvedDelta = -credit.SolvedDelta
	if err := s.incrementUser(context.WithoutCancel(ctx), reverse, false); err != nil {
		log.WithFields(log.Fields{"bug_id": bug.ID, "user_id": credit.UserID, "xp": credit.XP}).
			Errorf("[STORE] ❌ failed to reverse XP credit: %v", err)
	}
	return saveErr
}

// bugWriteLanded re-reads the bug after an ambiguous save error. The read
// outlives a cancelled request context.
func (s *MongoStore) bugWriteLanded(ctx context.Context, bug *models.Bug, expected int64, credit models.XPCredit) bool {
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	stored, err := s.GetBug(readCtx, bug.ID)
	if err != nil {
		return false
	}
	return rewardApplied(stored, expected, credit.UserID)
}

// rewardApplied reports whether stored is exactly the write that settles
// userID's reward on top of version expected.
func rewardApplied(stored *models.Bug, expected int64, userID string) bool {
	return stored.Version == expected+1 &&
		stored.RewardClaimed &&
		stored.Status == models.BugStatusClosed &&
		stored.AcceptedSolverID != nil && *stored.AcceptedSolverID == userID
}

func (s *MongoStore) ListBugs(ctx context.Context, filter BugFilter) ([]models.Bug, int64, error) {
	q := bson.M{}
	if len(filter.Statuses) > 0 {
		q["status"] = bson.M{"$in": filter.Statuses}
	}
	if filter.Severity != "" {
		q["severity"] = filter.Severity
	}
	if filter.ReporterID != "" {
		q["reporter_id"] = filter.ReporterID
	}
	if filter.AcceptedSolverID != "" {
		q["accepted_solver_id"] = filter.AcceptedSolverID
	}
	if filter.RewardClaimed != nil {
		q["reward_claimed"] = *filter.RewardClaimed
	}

	coll := s.db.Collection(bugsCollection)
	total, err := coll.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("bugs.CountDocuments: %w", err)
	}

	sort := bson.D{}
	if filter.SortByResolved {
		sort = append(sort, bson.E{Key: "resolved_at", Value: -1})
	}
	sort = append(sort, bson.E{Key: "created_at", Value: -1})
	opts := options.Find().SetSort(sort)
	if filter.Limit > 0 {
		opts.SetSkip(int64(filter.Offset())).SetLimit(int64(filter.Limit))
	}

	var bugs []models.Bug
	if err := findAll(ctx, coll, q, opts, &bugs); err != nil {
		return nil, 0, err
	}
	for i := range bugs {
		for j := range bugs[i].Submissions {
			bugs[i].Submissions[j].BugID = bugs[i].ID
		}
	}
	return bugs, total, nil
}

func (s *MongoStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.db.Collection(usersCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("users.FindOne: %w", err)
	}
	return &user, nil
}

func (s *MongoStore) IncrementUserXP(ctx context.Context, credit models.XPCredit) error {
	return s.incrementUser(ctx, credit, true)
}

func (s *MongoStore) UpsertUserProfile(ctx context.Context, profile models.User) error {
	createdAt := profile.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	update := bson.M{
		"$set": bson.M{"name": profile.Name, "role": profile.Role},
		"$setOnInsert": bson.M{
			"xp":           int64(0),
			"solved_count": int64(0),
			"created_at":   createdAt,
		},
	}
	_, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": profile.ID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("users.UpdateOne: %w", err)
	}
	return nil
}

func (s *MongoStore) incrementUser(ctx context.Context, credit models.XPCredit, touch bool) error {
	update := bson.M{
		"$inc": bson.M{"xp": credit.XP, "solved_count": credit.SolvedDelta},
		"$setOnInsert": bson.M{
			"role":       models.RoleSolver,
			"created_at": time.Now(),
		},
	}
	if touch {
		update["$set"] = bson.M{"last_xp_claimed_at": credit.At}
	}
	_, err := s.db.Collection(usersCollection).UpdateOne(ctx,
		bson.M{"_id": credit.UserID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("users.UpdateOne: %w", err)
	}
	return nil
}

func (s *MongoStore) TopUsers(ctx context.Context, limit int) ([]models.User, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "xp", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	var users []models.User
	if err := findAll(ctx, s.db.Collection(usersCollection), bson.M{}, opts, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *MongoStore) ListUsers(ctx context.Context, page, limit int) ([]models.User, int64, error) {
	var users []models.User
	total, err := s.pageNewestFirst(ctx, usersCollection, bson.M{}, page, limit, &users)
	return users, total, err
}

func (s *MongoStore) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	if _, err := s.db.Collection(auditsCollection).InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("audit_logs.InsertOne: %w", err)
	}
	return nil
}

func (s *MongoStore) ListAudits(ctx context.Context, page, limit int) ([]models.AuditLog, int64, error) {
	var entries []models.AuditLog
	total, err := s.pageNewestFirst(ctx, auditsCollection, bson.M{}, page, limit, &entries)
	return entries, total, err
}

func (s *MongoStore) ListXPTransactions(ctx context.Context, userID string, page, limit int) ([]models.XPTransaction, int64, error) {
	rows := []models.XPTransaction{}
	total, err := s.pageNewestFirst(ctx, ledgerCollection, bson.M{"user_id": userID}, page, limit, &rows)
	return rows, total, err
}

func (s *MongoStore) XPTransactionsAfter(ctx context.Context, userID string, after time.Time) ([]models.XPTransaction, error) {
	rows := []models.XPTransaction{}
	filter := bson.M{"user_id": userID, "created_at": bson.M{"$gt": after}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if err := findAll(ctx, s.db.Collection(ledgerCollection), filter, opts, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *MongoStore) pageNewestFirst(ctx context.Context, collection string, filter bson.M, page, limit int, out any) (int64, error) {
	coll := s.db.Collection(collection)
	total, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("%s.CountDocuments: %w", collection, err)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64((max(page, 1) - 1) * limit)).
		SetLimit(int64(limit))
	return total, findAll(ctx, coll, filter, opts, out)
}

func findAll(ctx context.Context, coll *mongo.Collection, filter any, opts *options.FindOptions, out any) error {
	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return fmt.Errorf("%s.Find: %w", coll.Name(), err)
	}
	defer func() {
		if err := cursor.Close(ctx); err != nil {
			log.Errorf("[STORE] cursor.Close: %v", err)
		}
	}()
	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("cursor.All: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
