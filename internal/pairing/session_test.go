package pairing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caiombs/zapcoach/internal/bus"
	"go.uber.org/zap"
)

// seqGateway serves a fixed connect response, then walks through poll states
// one per connectionState call (repeating the last).
type seqGateway struct {
	mu          sync.Mutex
	connectResp string
	pollStates  []string
	pollErr     error
	pollErrs    int // fail this many polls before serving pollStates
	polls       int
}

func (g *seqGateway) Request(_ context.Context, _, path string, _, out any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var resp string
	switch {
	case strings.HasPrefix(path, "/instance/connect/"):
		resp = g.connectResp
	case strings.HasPrefix(path, "/instance/connectionState/"):
		g.polls++
		if g.polls <= g.pollErrs {
			return g.pollErr
		}
		i := g.polls - g.pollErrs - 1
		if i >= len(g.pollStates) {
			i = len(g.pollStates) - 1
		}
		resp = fmt.Sprintf(`{"instance":{"state":%q}}`, g.pollStates[i])
	default:
		return fmt.Errorf("unexpected path %s", path)
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = json.RawMessage(resp)
	}
	return nil
}

func (g *seqGateway) pollCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.polls
}

func testManager(gw Caller, b *bus.Bus) *Manager {
	m := NewManager(gw, b, zap.NewNop())
	m.PollInterval = 10 * time.Millisecond
	m.ArtifactTTL = 150 * time.Millisecond
	return m
}

func TestBeginIssuesArtifact(t *testing.T) {
	gw := &seqGateway{
		connectResp: `{"code":"2@abc123","pairingCode":"ABCD-1234"}`,
		pollStates:  []string{"connecting"},
	}
	m := testManager(gw, bus.New())

	s, err := m.Begin(context.Background(), "vendas")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Cancel()

	if s.State() != AwaitingScan {
		t.Errorf("state = %s, want AWAITING_SCAN", s.State())
	}
	art := s.Artifact()
	if art == nil {
		t.Fatal("no artifact")
	}
	if len(art.QRImage) == 0 {
		t.Error("QR image should be rendered locally from the code")
	}
	if art.PairingCode != "ABCD-1234" {
		t.Errorf("PairingCode = %q", art.PairingCode)
	}
	if got := art.ExpiresAt.Sub(art.IssuedAt); got != m.ArtifactTTL {
		t.Errorf("TTL = %v, want %v", got, m.ArtifactTTL)
	}
}

func TestBeginShortCircuitsWhenAlreadyOpen(t *testing.T) {
	gw := &seqGateway{connectResp: `{"instance":{"state":"open"}}`}
	m := testManager(gw, bus.New())

	s, err := m.Begin(context.Background(), "vendas")
	if err != nil {
		t.Fatal(err)
	}
	if s.State() != Connected {
		t.Errorf("state = %s, want CONNECTED", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done() should already be closed")
	}
	if gw.pollCount() != 0 {
		t.Error("no polling should happen for an already-open instance")
	}
}

func TestConnectedOnSecondPoll(t *testing.T) {
	gw := &seqGateway{
		connectResp: `{"code":"2@abc"}`,
		pollStates:  []string{"connecting", "open"},
	}
	b := bus.New()
	ch, unsub := b.Subscribe("pairing.connected", 10)
	defer unsub()
	m := testManager(gw, b)

	s, err := m.Begin(context.Background(), "vendas")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not resolve")
	}
	if s.State() != Connected {
		t.Fatalf("state = %s, want CONNECTED", s.State())
	}
	if s.Artifact() != nil {
		t.Error("artifact must be discarded on success")
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no pairing.connected event")
	}

	// No further polls after resolution.
	settled := gw.pollCount()
	if settled != 2 {
		t.Errorf("resolved after %d polls, want 2", settled)
	}
	time.Sleep(5 * m.PollInterval)
	if gw.pollCount() != settled {
		t.Errorf("poll kept running after resolution: %d -> %d", settled, gw.pollCount())
	}
}

func TestExpiresExactlyOnce(t *testing.T) {
	gw := &seqGateway{
		connectResp: `{"code":"2@abc"}`,
		pollStates:  []string{"connecting"},
	}
	b := bus.New()
	ch, unsub := b.Subscribe("pairing.expired", 10)
	defer unsub()
	m := testManager(gw, b)

	s, err := m.Begin(context.Background(), "vendas")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not expire")
	}
	if s.State() != Expired {
		t.Fatalf("state = %s, want EXPIRED", s.State())
	}

	// Exactly one expiry event, and the poll is cancelled.
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no pairing.expired event")
	}
	settled := gw.pollCount()
	time.Sleep(5 * m.PollInterval)
	if gw.pollCount() != settled {
		t.Error("poll kept running after expiry")
	}
	select {
	case evt := <-ch:
		t.Errorf("second expiry event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	// Cancel after expiry must not change the terminal state.
	s.Cancel()
	if s.State() != Expired {
		t.Errorf("state after late Cancel = %s, want EXPIRED", s.State())
	}
}

func TestCancelTearsDownPolling(t *testing.T) {
	gw := &seqGateway{
		connectResp: `{"code":"2@abc"}`,
		pollStates:  []string{"connecting"},
	}
	m := testManager(gw, bus.New())

	s, err := m.Begin(context.Background(), "vendas")
	if err != nil {
		t.Fatal(err)
	}
	s.Cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after Cancel")
	}
	if s.State() != Cancelled {
		t.Errorf("state = %s, want CANCELLED", s.State())
	}
	settled := gw.pollCount()
	time.Sleep(5 * m.PollInterval)
	if gw.pollCount() != settled {
		t.Error("poll kept running after Cancel")
	}
}

func TestPollErrorsAreTolerated(t *testing.T) {
	gw := &seqGateway{
		connectResp: `{"code":"2@abc"}`,
		pollStates:  []string{"open"},
		pollErr:     errors.New("gateway flake"),
		pollErrs:    2,
	}
	m := testManager(gw, bus.New())

	s, err := m.Begin(context.Background(), "vendas")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not survive transient poll failures")
	}
	if s.State() != Connected {
		t.Errorf("state = %s, want CONNECTED", s.State())
	}
}

func TestBeginReturnsInFlightSession(t *testing.T) {
	gw := &seqGateway{
		connectResp: `{"code":"2@abc"}`,
		pollStates:  []string{"connecting"},
	}
	m := testManager(gw, bus.New())

	s1, err := m.Begin(context.Background(), "vendas")
	if err != nil {
		t.Fatal(err)
	}
	defer s1.Cancel()
	s2, err := m.Begin(context.Background(), "vendas")
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Error("second Begin should return the in-flight session")
	}
}

// gateGateway blocks the first connect request until released, so a test
// can overlap two Begin calls.
type gateGateway struct {
	mu           sync.Mutex
	connectCalls int
	entered      chan struct{}
	release      chan struct{}
}

func (g *gateGateway) Request(_ context.Context, _, path string, _, out any) error {
	if strings.HasPrefix(path, "/instance/connect/") {
		g.mu.Lock()
		g.connectCalls++
		first := g.connectCalls == 1
		g.mu.Unlock()
		if first {
			close(g.entered)
			<-g.release
		}
		if raw, ok := out.(*json.RawMessage); ok {
			*raw = json.RawMessage(`{"code":"2@abc","pairingCode":"ABCD-1234"}`)
		}
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = json.RawMessage(`{"state":"connecting"}`)
	}
	return nil
}

func TestBeginConcurrentCallsShareOneRequest(t *testing.T) {
	gw := &gateGateway{entered: make(chan struct{}), release: make(chan struct{})}
	m := testManager(gw, bus.New())

	var s1, s2 *Session
	var err1, err2 error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s1, err1 = m.Begin(context.Background(), "vendas")
	}()
	<-gw.entered
	go func() {
		defer wg.Done()
		s2, err2 = m.Begin(context.Background(), "vendas")
	}()
	// The second call must park on the in-flight guard, not issue its own
	// connect request.
	time.Sleep(20 * time.Millisecond)
	close(gw.release)
	wg.Wait()

	if err1 != nil || err2 != nil {
		t.Fatalf("err1=%v err2=%v", err1, err2)
	}
	defer s1.Cancel()
	if s1 != s2 {
		t.Error("concurrent Begin calls returned different sessions")
	}
	gw.mu.Lock()
	calls := gw.connectCalls
	gw.mu.Unlock()
	if calls != 1 {
		t.Errorf("connect requested %d times, want 1", calls)
	}
}

func TestArtifactFromShapes(t *testing.T) {
	png := base64.StdEncoding.EncodeToString([]byte("fake-png"))

	t.Run("data URI base64", func(t *testing.T) {
		raw := json.RawMessage(fmt.Sprintf(`{"base64":"data:image/png;base64,%s"}`, png))
		art, err := artifactFrom(raw, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if string(art.QRImage) != "fake-png" {
			t.Errorf("QRImage = %q", art.QRImage)
		}
	})

	t.Run("nested qrcode object", func(t *testing.T) {
		raw := json.RawMessage(fmt.Sprintf(`{"qrcode":{"base64":%q,"pairingCode":"WXYZ-9876"}}`, png))
		art, err := artifactFrom(raw, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if string(art.QRImage) != "fake-png" || art.PairingCode != "WXYZ-9876" {
			t.Errorf("art = %+v", art)
		}
	})

	t.Run("code only renders QR", func(t *testing.T) {
		art, err := artifactFrom(json.RawMessage(`{"code":"2@abc"}`), time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if len(art.QRImage) == 0 {
			t.Error("expected rendered QR image")
		}
	})

	t.Run("nothing usable", func(t *testing.T) {
		if _, err := artifactFrom(json.RawMessage(`{"message":"hi"}`), time.Minute); err == nil {
			t.Error("expected error")
		}
	})
}
