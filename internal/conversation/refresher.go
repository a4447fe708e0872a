package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/caiombs/zapcoach/internal/bus"
	"go.uber.org/zap"
)

// DefaultRefreshInterval is how often the active instance's chat list is
// re-fetched while a conversation view is live.
const DefaultRefreshInterval = 10 * time.Second

// Refreshed is the payload for conversation.refreshed events.
type Refreshed struct {
	Instance  string `json:"instance"`
	ChatCount int    `json:"chatCount"`
	FromCache bool   `json:"fromCache"`
}

// Refresher periodically re-fetches the chat list in the background. It is
// owner-cancelled: Stop must be called when the view it feeds is torn down,
// otherwise the ticker leaks and keeps publishing into nothing.
type Refresher struct {
	syncer   *Sync
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewRefresher creates a refresher. A non-positive interval falls back to
// the default.
func NewRefresher(s *Sync, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Refresher{syncer: s, bus: b, logger: logger, interval: interval}
}

// Start begins the refresh loop for the given instance. A previous loop is
// stopped first; only one instance is refreshed at a time.
func (r *Refresher) Start(ctx context.Context, instanceName string) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				chats, fromCache, err := r.syncer.FetchChats(ctx, instanceName)
				if err != nil && !fromCache {
					r.logger.Warn("background refresh failed",
						zap.String("instance", instanceName), zap.Error(err))
					continue
				}
				r.bus.Publish(bus.Event{
					Kind:      "conversation.refreshed",
					Timestamp: time.Now(),
					Payload: Refreshed{
						Instance:  instanceName,
						ChatCount: len(chats),
						FromCache: fromCache,
					},
				})
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the refresh loop. Safe to call when not running.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}
