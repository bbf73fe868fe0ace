package workers

import (
	"context"
	"fmt"
	"time"

	"bugbank/services"

	"github.com/go-co-op/gocron/v2"
	log "github.com/sirupsen/logrus"
)

type LeaderboardRefresher interface {
	Refresh(ctx context.Context) ([]services.LeaderboardEntry, error)
}

// StartLeaderboardScheduler refreshes the cached leaderboard every interval.
// The caller shuts the returned scheduler down.
func StartLeaderboardScheduler(ctx context.Context, refresher LeaderboardRefresher, interval time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			entries, err := refresher.Refresh(ctx)
			if err != nil {
				log.Errorf("[SCHEDULER] ❌ leaderboard refresh failed: %v", err)
				return
			}
			log.Debugf("[SCHEDULER] leaderboard refreshed (%d entries)", len(entries))
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("schedule leaderboard refresh: %w", err)
	}

	sched.Start()
	log.Infof("[SCHEDULER] ✅ leaderboard refresh every %s", interval)
	return sched, nil
}
