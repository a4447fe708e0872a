// Package pairing drives the asynchronous device-pairing protocol: issue a
// QR/pairing-code artifact, poll the connection state, and resolve to a
// terminal state on scan, expiry, or cancellation.
package pairing

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/caiombs/zapcoach/internal/bus"
	"go.uber.org/zap"
)

const (
	// DefaultPollInterval is how often the connection state is polled while
	// an artifact is live.
	DefaultPollInterval = 3 * time.Second
	// DefaultArtifactTTL matches the gateway's QR validity window.
	DefaultArtifactTTL = 120 * time.Second
)

// Caller issues classified gateway requests.
type Caller interface {
	Request(ctx context.Context, method, path string, body, out any) error
}

// Session is one pairing attempt for one instance. It is caller-owned: the
// owner must Cancel it when abandoning the flow, which tears down both the
// poll ticker and the expiry timer.
type Session struct {
	instance string
	gw       Caller
	bus      *bus.Bus
	logger   *zap.Logger

	mu       sync.Mutex
	state    State
	artifact *Artifact
	cancel   context.CancelFunc
	done     chan struct{}
}

// Instance returns the instance this session pairs.
func (s *Session) Instance() string { return s.instance }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Artifact returns the live artifact, or nil once the session resolved or
// before one was issued.
func (s *Session) Artifact() *Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel abandons the session. Safe to call at any time, including after
// resolution; only a non-terminal session transitions to Cancelled.
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
	s.resolve(Cancelled, "pairing.cancelled")
}

// resolve moves the session to a terminal state exactly once. Later calls
// for any terminal state are no-ops, so Connected/Expired/Cancelled races
// settle on whichever fired first.
func (s *Session) resolve(to State, eventKind string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if err := transition(s.state, to); err != nil {
		s.mu.Unlock()
		s.logger.Error("pairing state machine violation", zap.Error(err))
		return
	}
	s.state = to
	s.artifact = nil
	close(s.done)
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("pairing session resolved",
		zap.String("instance", s.instance),
		zap.String("state", string(to)))
	s.bus.Publish(bus.Event{Kind: eventKind, Timestamp: time.Now(), Payload: s.instance})
}

// run polls the connection state until the first open report, the artifact
// expiry, or cancellation. Poll failures are logged and tolerated; a slow or
// flapping gateway must not fail a pairing that a later poll could confirm.
func (s *Session) run(ctx context.Context, interval time.Duration, expiresAt time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	expiry := time.NewTimer(time.Until(expiresAt))
	defer expiry.Stop()

	for {
		select {
		case <-ticker.C:
			var raw json.RawMessage
			err := s.gw.Request(ctx, http.MethodGet, "/instance/connectionState/"+s.instance, nil, &raw)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("pairing poll failed", zap.String("instance", s.instance), zap.Error(err))
				}
				continue
			}
			if reportsOpen(raw) {
				s.resolve(Connected, "pairing.connected")
				return
			}
		case <-expiry.C:
			s.resolve(Expired, "pairing.expired")
			return
		case <-ctx.Done():
			s.resolve(Cancelled, "pairing.cancelled")
			return
		}
	}
}
