package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"bugbank/cache"
	"bugbank/models"
	"bugbank/store"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

const (
	LeaderboardCacheKey = "leaderboard_top_users"
	LeaderboardTTL      = 30 * time.Second
	LeaderboardMax      = 50
	LeaderboardDefault  = 10
)

type LeaderboardEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	XP          int64  `json:"xp"`
	SolvedCount int64  `json:"solved_count"`
	Level       int64  `json:"level"`
	Rank        string `json:"rank"`
}

// LeaderboardService serves the top users by XP. The cache always holds the
// full LeaderboardMax entries; shorter requests are sliced from it.
type LeaderboardService struct {
	users store.UserStore
	cache cache.Cache
	ttl   time.Duration

	// bumped by Invalidate; a Refresh that read users under an older
	// generation must not write its ranking back
	generation atomic.Uint64
}

func NewLeaderboardService(users store.UserStore, c cache.Cache) *LeaderboardService {
	if c == nil {
		c = cache.Nop{}
	}
	return &LeaderboardService{users: users, cache: c, ttl: LeaderboardTTL}
}

// Top returns up to limit entries; limit is clamped to 1..LeaderboardMax
// and defaults to LeaderboardDefault.
func (s *LeaderboardService) Top(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit < 1 {
		limit = LeaderboardDefault
	}
	limit = min(limit, LeaderboardMax)

	raw, ok, err := s.cache.Get(ctx, LeaderboardCacheKey)
	if err != nil {
		log.Warnf("[LEADERBOARD] ⚠️ cache read failed, falling back to store: %v", err)
	}
	if ok {
		var entries []LeaderboardEntry
		if err := json.Unmarshal(raw, &entries); err == nil {
			log.Debug("[LEADERBOARD] served from cache")
			return lo.Subset(entries, 0, uint(limit)), nil
		}
		log.Warn("[LEADERBOARD] ⚠️ discarding unreadable cache entry")
	}

	entries, err := s.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Subset(entries, 0, uint(limit)), nil
}

// Refresh reloads the ranking from the store and rewrites the cache.
func (s *LeaderboardService) Refresh(ctx context.Context) ([]LeaderboardEntry, error) {
	gen := s.generation.Load()
	users, err := s.users.TopUsers(ctx, LeaderboardMax)
	if err != nil {
		return nil, fmt.Errorf("load top users: %w", err)
	}
	entries := lo.Map(users, func(u models.User, _ int) LeaderboardEntry {
		p := ProgressFor(u.XP)
		return LeaderboardEntry{
			ID:          u.ID,
			Name:        u.Name,
			XP:          u.XP,
			SolvedCount: u.SolvedCount,
			Level:       p.Level,
			Rank:        p.Rank,
		}
	})

	if s.generation.Load() != gen {
		log.Debug("[LEADERBOARD] ranking changed during refresh, not caching")
		return entries, nil
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode leaderboard: %w", err)
	}
	if err := s.cache.Set(ctx, LeaderboardCacheKey, raw, s.ttl); err != nil {
		log.Warnf("[LEADERBOARD] ⚠️ cache write failed: %v", err)
		return entries, nil
	}
	// an Invalidate that landed between the check and the write
	if s.generation.Load() != gen {
		if err := s.cache.Delete(ctx, LeaderboardCacheKey); err != nil {
			log.Warnf("[LEADERBOARD] ⚠️ cache delete failed: %v", err)
		}
	}
	return entries, nil
}

// Invalidate drops the cached ranking. Refreshes already reading the store
// in this process will not re-cache what they read.
func (s *LeaderboardService) Invalidate(ctx context.Context) error {
	s.generation.Add(1)
	return s.cache.Delete(ctx, LeaderboardCacheKey)
}
