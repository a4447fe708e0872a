// Package instance manages the lifecycle of named gateway sessions and the
// locally remembered "active" instance pointer.
package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/caiombs/zapcoach/internal/bus"
	"github.com/caiombs/zapcoach/internal/metrics"
	"github.com/caiombs/zapcoach/internal/paths"
	"github.com/caiombs/zapcoach/internal/store"
	"go.uber.org/zap"
)

// ErrNoActive is returned when no active instance exists locally and none
// could be recovered from the gateway.
var ErrNoActive = errors.New("no active instance")

// Caller issues classified gateway requests.
type Caller interface {
	Request(ctx context.Context, method, path string, body, out any) error
}

// Registry tracks gateway instances and the single active one. The active
// pointer is advisory local state persisted in the cache db; the gateway
// remains the system of record for instance existence and status.
type Registry struct {
	gw      Caller
	db      *store.DB
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	active string
}

// NewRegistry creates a registry and restores the persisted active pointer.
// metrics may be nil.
func NewRegistry(gw Caller, db *store.DB, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) (*Registry, error) {
	active, err := db.GetSetting(store.ActiveInstanceKey)
	if err != nil {
		return nil, fmt.Errorf("load active instance: %w", err)
	}
	return &Registry{
		gw:      gw,
		db:      db,
		bus:     b,
		logger:  logger,
		metrics: m,
		active:  active,
	}, nil
}

type createRequest struct {
	InstanceName string `json:"instanceName"`
	QRCode       bool   `json:"qrcode"`
	Number       string `json:"number,omitempty"`
	Integration  string `json:"integration"`
}

// Create registers a new instance with the gateway. When phone is given the
// gateway is asked to prefer a pairing-code flow over QR. The created
// instance becomes the active one. Errors propagate classified; a conflict
// means the name already exists and the caller should connect to it instead.
func (r *Registry) Create(ctx context.Context, name, phone string) (store.Instance, error) {
	if err := paths.ValidateInstanceName(name); err != nil {
		return store.Instance{}, err
	}

	req := createRequest{
		InstanceName: name,
		QRCode:       phone == "",
		Number:       phone,
		Integration:  "WHATSAPP-BAILEYS",
	}

	var raw json.RawMessage
	if err := r.gw.Request(ctx, http.MethodPost, "/instance/create", req, &raw); err != nil {
		return store.Instance{}, err
	}

	created := store.Instance{Name: name, Status: store.StatusConnecting}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		if inst, ok := parseInstance(m); ok {
			created = inst
		}
	}
	if created.Name == "" {
		created.Name = name
	}

	if err := r.SetActive(created.Name); err != nil {
		return created, err
	}
	r.logger.Info("instance created", zap.String("instance", created.Name))
	r.bus.Publish(bus.Event{Kind: "instance.created", Timestamp: time.Now(), Payload: created})
	return created, nil
}

// ListAll fetches all instances from the gateway. On failure it falls back
// to the last cached list; fromCache tells the caller which one it got.
// The error is only returned when both the fetch and the cache miss.
func (r *Registry) ListAll(ctx context.Context) (list []store.Instance, fromCache bool, err error) {
	var raw json.RawMessage
	if reqErr := r.gw.Request(ctx, http.MethodGet, "/instance/fetchInstances", nil, &raw); reqErr != nil {
		var cached []store.Instance
		_, ok, loadErr := r.db.LoadSnapshot(store.NamespaceInstances, &cached)
		if loadErr == nil && ok {
			r.logger.Warn("instance list served from cache", zap.Error(reqErr))
			if r.metrics != nil {
				r.metrics.RecordCacheFallback("instances")
			}
			return cached, true, nil
		}
		return nil, false, reqErr
	}

	instances := parseInstances(raw)
	if len(instances) > 0 {
		if saveErr := r.db.SaveSnapshot(store.NamespaceInstances, instances); saveErr != nil {
			r.logger.Warn("failed to cache instance list", zap.Error(saveErr))
		}
	}
	return instances, false, nil
}

// Logout clears the instance's paired session but keeps the record. Not
// retried; the classified error propagates.
func (r *Registry) Logout(ctx context.Context, name string) error {
	if err := r.gw.Request(ctx, http.MethodDelete, "/instance/logout/"+name, nil, nil); err != nil {
		return err
	}
	r.logger.Info("instance logged out", zap.String("instance", name))
	return nil
}

// Delete removes the instance record entirely, along with its cached chats
// and messages and the active pointer when it referenced this instance.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := r.gw.Request(ctx, http.MethodDelete, "/instance/delete/"+name, nil, nil); err != nil {
		return err
	}

	r.mu.Lock()
	wasActive := r.active == name
	r.mu.Unlock()
	if wasActive {
		if err := r.SetActive(""); err != nil {
			r.logger.Warn("failed to clear active pointer", zap.Error(err))
		}
	}
	if err := r.db.DeleteSnapshots(store.ChatsNamespace(name)); err != nil {
		r.logger.Warn("failed to drop cached chats", zap.Error(err))
	}
	if err := r.db.DeleteSnapshots("messages/" + name); err != nil {
		r.logger.Warn("failed to drop cached messages", zap.Error(err))
	}

	r.logger.Info("instance deleted", zap.String("instance", name))
	r.bus.Publish(bus.Event{Kind: "instance.removed", Timestamp: time.Now(), Payload: name})
	return nil
}

// RecoverActive reconciles a lost active pointer: when none exists locally
// but the gateway reports at least one open instance, the first such
// instance is adopted. This covers local state loss while the remote
// session survived; it is a reconciliation step, not a guess.
func (r *Registry) RecoverActive(ctx context.Context) (string, error) {
	r.mu.Lock()
	current := r.active
	r.mu.Unlock()
	if current != "" {
		return current, nil
	}

	var raw json.RawMessage
	if err := r.gw.Request(ctx, http.MethodGet, "/instance/fetchInstances", nil, &raw); err != nil {
		return "", err
	}
	for _, inst := range parseInstances(raw) {
		if inst.Status == store.StatusOpen {
			if err := r.SetActive(inst.Name); err != nil {
				return "", err
			}
			r.logger.Info("active instance recovered", zap.String("instance", inst.Name))
			r.bus.Publish(bus.Event{Kind: "instance.recovered", Timestamp: time.Now(), Payload: inst.Name})
			return inst.Name, nil
		}
	}
	return "", ErrNoActive
}

// Active returns the current active instance name, or "".
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SetActive persists name as the active instance. An empty name clears the
// pointer.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		if err := r.db.DeleteSetting(store.ActiveInstanceKey); err != nil {
			return err
		}
	} else if err := r.db.SetSetting(store.ActiveInstanceKey, name); err != nil {
		return err
	}
	r.active = name
	return nil
}
