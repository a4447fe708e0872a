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

// Manager creates and tracks pairing sessions, one per instance at most.
type Manager struct {
	gw     Caller
	bus    *bus.Bus
	logger *zap.Logger

	// PollInterval and ArtifactTTL are overridable for tests.
	PollInterval time.Duration
	ArtifactTTL  time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	inflight map[string]*inflightBegin
}

// inflightBegin lets concurrent Begin calls for the same instance share one
// connect request instead of racing two artifacts.
type inflightBegin struct {
	done    chan struct{}
	session *Session
	err     error
}

// NewManager creates a pairing manager with default timings.
func NewManager(gw Caller, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		gw:           gw,
		bus:          b,
		logger:       logger,
		PollInterval: DefaultPollInterval,
		ArtifactTTL:  DefaultArtifactTTL,
		sessions:     make(map[string]*Session),
		inflight:     make(map[string]*inflightBegin),
	}
}

// Begin starts a pairing session for the instance. An in-flight session for
// the same instance is returned as-is rather than racing a second artifact.
// When the gateway reports the instance already open (a race with a previous
// pairing), the session short-circuits directly to Connected.
func (m *Manager) Begin(ctx context.Context, instanceName string) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[instanceName]; ok && !existing.State().Terminal() {
		m.mu.Unlock()
		return existing, nil
	}
	if call, ok := m.inflight[instanceName]; ok {
		m.mu.Unlock()
		<-call.done
		return call.session, call.err
	}
	call := &inflightBegin{done: make(chan struct{})}
	m.inflight[instanceName] = call
	m.mu.Unlock()

	session, err := m.begin(ctx, instanceName)

	m.mu.Lock()
	delete(m.inflight, instanceName)
	m.mu.Unlock()
	call.session, call.err = session, err
	close(call.done)
	return session, err
}

func (m *Manager) begin(ctx context.Context, instanceName string) (*Session, error) {
	var raw json.RawMessage
	if err := m.gw.Request(ctx, http.MethodGet, "/instance/connect/"+instanceName, nil, &raw); err != nil {
		return nil, err
	}

	s := &Session{
		instance: instanceName,
		gw:       m.gw,
		bus:      m.bus,
		logger:   m.logger,
		state:    Idle,
		done:     make(chan struct{}),
	}

	if reportsOpen(raw) {
		s.resolve(Connected, "pairing.connected")
		m.store(s)
		return s, nil
	}

	artifact, err := artifactFrom(raw, m.ArtifactTTL)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.state = AwaitingScan
	s.artifact = artifact
	s.mu.Unlock()

	// The poll loop must outlive the request that began the pairing; the
	// session owns its own context and Cancel is the only way in.
	pollCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(pollCtx, m.PollInterval, artifact.ExpiresAt)

	m.logger.Info("pairing session started",
		zap.String("instance", instanceName),
		zap.Time("expires_at", artifact.ExpiresAt))
	m.bus.Publish(bus.Event{Kind: "pairing.artifact", Timestamp: time.Now(), Payload: instanceName})
	m.store(s)
	return s, nil
}

// Get returns the most recent session for the instance, or nil.
func (m *Manager) Get(instanceName string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[instanceName]
}

// CancelAll abandons every non-terminal session. Called on daemon shutdown.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Cancel()
	}
}

func (m *Manager) store(s *Session) {
	m.mu.Lock()
	m.sessions[s.instance] = s
	m.mu.Unlock()
}
