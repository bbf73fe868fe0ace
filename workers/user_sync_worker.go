package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bugbank/models"
	"bugbank/store"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// RemoteProfile is one entry of the identity service change feed.
type RemoteProfile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	FirstName *string   `json:"first_name,omitempty"`
	LastName  *string   `json:"last_name,omitempty"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type profileChangesResponse struct {
	Users []RemoteProfile `json:"users"`
}

// UserSyncWorker mirrors names and roles from the identity service into the
// local users table. XP counters are never touched.
type UserSyncWorker struct {
	users        store.UserStore
	interval     time.Duration
	baseURL      string
	endpointPath string
	serviceToken string
	httpClient   *http.Client

	since time.Time
}

func NewUserSyncWorker(users store.UserStore, baseURL, endpointPath, serviceToken string, interval time.Duration) *UserSyncWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &UserSyncWorker{
		users:        users,
		interval:     interval,
		baseURL:      baseURL,
		endpointPath: endpointPath,
		serviceToken: serviceToken,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (w *UserSyncWorker) Start(ctx context.Context) {
	log.Info("[SYNC] 🔁 starting user sync worker (identity → users)")
	go w.run(ctx)
}

func (w *UserSyncWorker) run(ctx context.Context) {
	// backfill from the beginning of time
	if err := w.SyncOnce(ctx); err != nil {
		log.Warnf("[SYNC] ⚠️ initial sync failed: %v", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.SyncOnce(ctx); err != nil {
				log.Errorf("[SYNC] ❌ sync batch failed: %v", err)
			}
		case <-ctx.Done():
			log.Info("[SYNC] ⏹️ user sync worker stopped")
			return
		}
	}
}

// SyncOnce pulls every profile changed since the last successful batch.
func (w *UserSyncWorker) SyncOnce(ctx context.Context) error {
	profiles, err := w.fetch(ctx, w.since)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		log.Debugf("[SYNC] no user changes since %s", w.since.UTC().Format(time.RFC3339))
		return nil
	}

	var upserted, failed int
	for _, p := range profiles {
		if err := w.users.UpsertUserProfile(ctx, profileToUser(p)); err != nil {
			failed++
			log.WithField("user_id", p.ID).Warnf("[SYNC] ⚠️ failed to upsert user: %v", err)
			continue
		}
		upserted++
	}

	latest := lo.MaxBy(profiles, func(a, b RemoteProfile) bool { return a.UpdatedAt.After(b.UpdatedAt) })
	if latest.UpdatedAt.After(w.since) {
		w.since = latest.UpdatedAt
	}
	log.Infof("[SYNC] ✅ synced %d users (%d upserted, %d errors)", len(profiles), upserted, failed)
	return nil
}

func (w *UserSyncWorker) fetch(ctx context.Context, since time.Time) ([]RemoteProfile, error) {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid identity service URL %q: %w", w.baseURL, err)
	}
	endpoint := base.JoinPath(w.endpointPath)
	q := endpoint.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity service request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("identity service returned %d: %s", resp.StatusCode, string(body))
	}

	var out profileChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode identity service response: %w", err)
	}
	return out.Users, nil
}

func profileToUser(p RemoteProfile) models.User {
	name := strings.TrimSpace(strings.Join([]string{lo.FromPtr(p.FirstName), lo.FromPtr(p.LastName)}, " "))
	if name == "" {
		name = p.Username
	}
	role := models.RoleSolver
	for _, raw := range p.Roles {
		if r, ok := models.ParseRole(strings.TrimSpace(raw)); ok {
			role = r
			break
		}
	}
	return models.User{ID: p.ID, Name: name, Role: role, CreatedAt: p.CreatedAt}
}
