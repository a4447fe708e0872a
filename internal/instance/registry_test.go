package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/caiombs/zapcoach/internal/bus"
	"github.com/caiombs/zapcoach/internal/gateway"
	"github.com/caiombs/zapcoach/internal/store"
	"go.uber.org/zap"
)

// mockGateway maps "METHOD path" to canned responses or errors.
type mockGateway struct {
	responses map[string]string
	errs      map[string]error
	calls     []string
}

func (m *mockGateway) Request(_ context.Context, method, path string, _, out any) error {
	key := method + " " + path
	m.calls = append(m.calls, key)
	if err := m.errs[key]; err != nil {
		return err
	}
	resp, ok := m.responses[key]
	if !ok || out == nil {
		return nil
	}
	if raw, isRaw := out.(*json.RawMessage); isRaw {
		*raw = json.RawMessage(resp)
		return nil
	}
	return json.Unmarshal([]byte(resp), out)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRegistry(t *testing.T, gw Caller) *Registry {
	t.Helper()
	r, err := NewRegistry(gw, testDB(t), bus.New(), zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestListAllNormalizesBothPayloadGenerations(t *testing.T) {
	gw := &mockGateway{responses: map[string]string{
		"GET /instance/fetchInstances": `[
			{"instance":{"instanceName":"vendas","status":"open","owner":"5511999998888@s.whatsapp.net","profileName":"Equipe"}},
			{"name":"suporte","connectionStatus":"close","id":"abc-1"}
		]`,
	}}
	r := testRegistry(t, gw)

	list, fromCache, err := r.ListAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fromCache {
		t.Error("fromCache = true on live fetch")
	}
	if len(list) != 2 {
		t.Fatalf("got %d instances, want 2", len(list))
	}
	if list[0].Name != "vendas" || list[0].Status != store.StatusOpen || list[0].OwnerNumber != "5511999998888" {
		t.Errorf("nested entry normalized wrong: %+v", list[0])
	}
	if list[1].Name != "suporte" || list[1].Status != store.StatusClose || list[1].ID != "abc-1" {
		t.Errorf("flat entry normalized wrong: %+v", list[1])
	}
}

func TestListAllFallsBackToCache(t *testing.T) {
	gw := &mockGateway{responses: map[string]string{
		"GET /instance/fetchInstances": `[{"instance":{"instanceName":"vendas","status":"open"}}]`,
	}}
	r := testRegistry(t, gw)

	// First call populates the cache.
	if _, _, err := r.ListAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Gateway goes away; the cached list must come back instead of an error.
	gw.errs = map[string]error{
		"GET /instance/fetchInstances": &gateway.NetworkError{URL: "u", Err: errors.New("refused")},
	}
	list, fromCache, err := r.ListAll(context.Background())
	if err != nil {
		t.Fatalf("fallback should swallow the fetch error, got %v", err)
	}
	if !fromCache {
		t.Error("fromCache = false on fallback")
	}
	if len(list) != 1 || list[0].Name != "vendas" {
		t.Errorf("fallback list = %+v", list)
	}
}

func TestListAllNoCachePropagatesError(t *testing.T) {
	wantErr := &gateway.NetworkError{URL: "u", Err: errors.New("refused")}
	gw := &mockGateway{errs: map[string]error{"GET /instance/fetchInstances": wantErr}}
	r := testRegistry(t, gw)

	_, _, err := r.ListAll(context.Background())
	if !errors.Is(err, wantErr) {
		t.Errorf("got %v, want the classified fetch error", err)
	}
}

func TestCreateSetsActiveAndPrefersPairingCode(t *testing.T) {
	gw := &mockGateway{responses: map[string]string{
		"POST /instance/create": `{"instance":{"instanceName":"vendas","status":"connecting"}}`,
	}}
	r := testRegistry(t, gw)

	inst, err := r.Create(context.Background(), "vendas", "11999998888")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Name != "vendas" {
		t.Errorf("Name = %q", inst.Name)
	}
	if r.Active() != "vendas" {
		t.Errorf("Active() = %q, want vendas", r.Active())
	}
}

func TestCreateConflictPropagates(t *testing.T) {
	gw := &mockGateway{errs: map[string]error{
		"POST /instance/create": fmt.Errorf("%w: name in use", gateway.ErrConflict),
	}}
	r := testRegistry(t, gw)

	_, err := r.Create(context.Background(), "vendas", "")
	if !errors.Is(err, gateway.ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}
	if r.Active() != "" {
		t.Error("conflict must not set the active pointer")
	}
}

func TestCreateRejectsBadName(t *testing.T) {
	r := testRegistry(t, &mockGateway{})
	if _, err := r.Create(context.Background(), "Bad Name!", ""); err == nil {
		t.Error("expected validation error")
	}
}

func TestRecoverActiveAdoptsFirstOpen(t *testing.T) {
	gw := &mockGateway{responses: map[string]string{
		"GET /instance/fetchInstances": `[
			{"instance":{"instanceName":"parada","status":"close"}},
			{"instance":{"instanceName":"vendas","status":"open"}},
			{"instance":{"instanceName":"backup","status":"open"}}
		]`,
	}}
	r := testRegistry(t, gw)

	name, err := r.RecoverActive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if name != "vendas" {
		t.Errorf("recovered %q, want vendas (first open)", name)
	}
	if r.Active() != "vendas" {
		t.Errorf("Active() = %q", r.Active())
	}

	// Pointer must survive a registry restart.
	r2, err := NewRegistry(gw, r.db, bus.New(), zap.NewNop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Active() != "vendas" {
		t.Errorf("persisted Active() = %q", r2.Active())
	}
}

func TestRecoverActiveKeepsExistingPointer(t *testing.T) {
	gw := &mockGateway{}
	r := testRegistry(t, gw)
	if err := r.SetActive("suporte"); err != nil {
		t.Fatal(err)
	}

	name, err := r.RecoverActive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if name != "suporte" {
		t.Errorf("got %q, want suporte", name)
	}
	if len(gw.calls) != 0 {
		t.Error("gateway should not be consulted when a pointer exists")
	}
}

func TestRecoverActiveNoOpenInstances(t *testing.T) {
	gw := &mockGateway{responses: map[string]string{
		"GET /instance/fetchInstances": `[{"instance":{"instanceName":"parada","status":"close"}}]`,
	}}
	r := testRegistry(t, gw)

	if _, err := r.RecoverActive(context.Background()); !errors.Is(err, ErrNoActive) {
		t.Errorf("got %v, want ErrNoActive", err)
	}
}

func TestDeleteClearsActivePointer(t *testing.T) {
	gw := &mockGateway{responses: map[string]string{
		"POST /instance/create": `{"instance":{"instanceName":"vendas","status":"connecting"}}`,
	}}
	r := testRegistry(t, gw)

	if _, err := r.Create(context.Background(), "vendas", ""); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(context.Background(), "vendas"); err != nil {
		t.Fatal(err)
	}
	if r.Active() != "" {
		t.Errorf("Active() = %q after delete, want empty", r.Active())
	}
}
