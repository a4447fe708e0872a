package console

import (
	"encoding/base64"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/caiombs/zapcoach/internal/bus"
	"github.com/caiombs/zapcoach/internal/conversation"
	"github.com/caiombs/zapcoach/internal/dispatch"
	"github.com/caiombs/zapcoach/internal/instance"
	"github.com/caiombs/zapcoach/internal/pairing"
	"github.com/caiombs/zapcoach/internal/paths"
	"github.com/caiombs/zapcoach/internal/store"
)

// Handlers implements the console route handlers.
type Handlers struct {
	registry   *instance.Registry
	manager    *pairing.Manager
	sync       *conversation.Sync
	refresher  *conversation.Refresher
	dispatcher *dispatch.Dispatcher
	bus        *bus.Bus
	logger     *zap.Logger
}

// NewHandlers wires the console handlers to the daemon's services.
func NewHandlers(
	registry *instance.Registry,
	manager *pairing.Manager,
	sync *conversation.Sync,
	refresher *conversation.Refresher,
	dispatcher *dispatch.Dispatcher,
	b *bus.Bus,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		registry:   registry,
		manager:    manager,
		sync:       sync,
		refresher:  refresher,
		dispatcher: dispatcher,
		bus:        b,
		logger:     logger,
	}
}

// Health reports daemon liveness.
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

const (
	defaultEventTimeout = 25 * time.Second
	maxEventTimeout     = 2 * time.Minute
)

// Events long-polls the daemon event bus. The request subscribes with an
// optional ?prefix= kind filter, waits up to ?timeout_ms= for the first
// event, then drains whatever else is already buffered and returns. The
// subscription lives only for the request: this is a live feed, not a
// journal, and events between polls are not replayed.
func (h *Handlers) Events(c *fiber.Ctx) error {
	timeout := time.Duration(c.QueryInt("timeout_ms", 0)) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultEventTimeout
	}
	if timeout > maxEventTimeout {
		timeout = maxEventTimeout
	}

	ch, unsubscribe := h.bus.Subscribe(c.Query("prefix"), 64)
	defer unsubscribe()

	events := []bus.Event{}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-ch:
		events = append(events, ev)
	case <-timer.C:
	case <-c.Context().Done():
	}
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
		default:
			return c.JSON(fiber.Map{"events": events})
		}
	}
}

type instanceListResponse struct {
	Instances []store.Instance `json:"instances"`
	Active    string           `json:"active,omitempty"`
	FromCache bool             `json:"fromCache"`
}

// ListInstances returns the gateway's session list, falling back to the
// local cache when the gateway is unreachable.
func (h *Handlers) ListInstances(c *fiber.Ctx) error {
	list, fromCache, err := h.registry.ListAll(c.UserContext())
	if err != nil {
		return err
	}
	if list == nil {
		list = []store.Instance{}
	}
	return c.JSON(instanceListResponse{
		Instances: list,
		Active:    h.registry.Active(),
		FromCache: fromCache,
	})
}

type createInstanceRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// CreateInstance registers a new named session and makes it active.
func (h *Handlers) CreateInstance(c *fiber.Ctx) error {
	var req createInstanceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed body")
	}
	inst, err := h.registry.Create(c.UserContext(), req.Name, req.Phone)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(inst)
}

// DeleteInstance removes a session from the gateway and drops its cached
// conversation data.
func (h *Handlers) DeleteInstance(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := paths.ValidateInstanceName(name); err != nil {
		return err
	}
	if h.registry.Active() == name {
		h.refresher.Stop()
	}
	if err := h.registry.Delete(c.UserContext(), name); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// LogoutInstance unpairs a session without deleting it.
func (h *Handlers) LogoutInstance(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := paths.ValidateInstanceName(name); err != nil {
		return err
	}
	if err := h.registry.Logout(c.UserContext(), name); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// RecoverActive adopts a gateway-reported open session as the local active
// instance and starts the background chat refresh for it.
func (h *Handlers) RecoverActive(c *fiber.Ctx) error {
	name, err := h.registry.RecoverActive(c.UserContext())
	if err != nil {
		return err
	}
	h.refresher.Start(c.UserContext(), name)
	return c.JSON(fiber.Map{"active": name})
}

type pairingResponse struct {
	Instance    string `json:"instance"`
	State       string `json:"state"`
	PairingCode string `json:"pairingCode,omitempty"`
	QRImage     string `json:"qrImage,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

func pairingView(s *pairing.Session) pairingResponse {
	resp := pairingResponse{
		Instance: s.Instance(),
		State:    string(s.State()),
	}
	if a := s.Artifact(); a != nil {
		resp.PairingCode = a.PairingCode
		if len(a.QRImage) > 0 {
			resp.QRImage = base64.StdEncoding.EncodeToString(a.QRImage)
		}
		resp.ExpiresAt = a.ExpiresAt.Format(time.RFC3339)
	}
	return resp
}

// BeginPairing requests a pairing artifact and starts the connection poll.
// Re-posting while a session is live returns the in-flight session.
func (h *Handlers) BeginPairing(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := paths.ValidateInstanceName(name); err != nil {
		return err
	}
	session, err := h.manager.Begin(c.UserContext(), name)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(pairingView(session))
}

// PairingState reports the current state of a pairing session.
func (h *Handlers) PairingState(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := paths.ValidateInstanceName(name); err != nil {
		return err
	}
	session := h.manager.Get(name)
	if session == nil {
		return fiber.NewError(fiber.StatusNotFound, "no pairing session for "+name)
	}
	return c.JSON(pairingView(session))
}

// CancelPairing abandons an in-flight pairing session.
func (h *Handlers) CancelPairing(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := paths.ValidateInstanceName(name); err != nil {
		return err
	}
	session := h.manager.Get(name)
	if session == nil {
		return fiber.NewError(fiber.StatusNotFound, "no pairing session for "+name)
	}
	session.Cancel()
	return c.JSON(pairingView(session))
}

type chatListResponse struct {
	Chats     []store.Chat `json:"chats"`
	FromCache bool         `json:"fromCache"`
}

// ListChats returns the instance's chat list, newest first. A gateway
// failure with cached data available degrades to the cache instead of an
// error.
func (h *Handlers) ListChats(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := paths.ValidateInstanceName(name); err != nil {
		return err
	}
	chats, fromCache, err := h.sync.FetchChats(c.UserContext(), name)
	if err != nil && !fromCache {
		return err
	}
	if err != nil {
		h.logger.Warn("serving cached chats", zap.String("instance", name), zap.Error(err))
	}
	if chats == nil {
		chats = []store.Chat{}
	}
	return c.JSON(chatListResponse{Chats: chats, FromCache: fromCache})
}

// ListMessages returns up to ?limit= messages for a chat, oldest first.
func (h *Handlers) ListMessages(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := paths.ValidateInstanceName(name); err != nil {
		return err
	}
	chatID, err := unescapeParam(c, "chatID")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed chat id")
	}
	limit := c.QueryInt("limit", 50)
	msgs := h.sync.FetchMessages(c.UserContext(), chatID, limit, name)
	if msgs == nil {
		msgs = []store.Message{}
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

// unescapeParam decodes a path parameter; chat ids contain "@" and are
// percent-encoded by callers.
func unescapeParam(c *fiber.Ctx, key string) (string, error) {
	return url.PathUnescape(c.Params(key))
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// SendText sends a single text message through the instance.
func (h *Handlers) SendText(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := paths.ValidateInstanceName(name); err != nil {
		return err
	}
	var req sendTextRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed body")
	}
	if req.Number == "" || req.Text == "" {
		return fiber.NewError(fiber.StatusBadRequest, "number and text are required")
	}
	receipt, err := h.dispatcher.SendText(c.UserContext(), req.Number, req.Text, name)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(receipt)
}

type sendBulkRequest struct {
	Numbers []string `json:"numbers"`
	Text    string   `json:"text"`
	DelayMS int      `json:"delay_ms"`
}

// SendBulk sends text to each number sequentially and returns the tallies.
// Individual failures are reported in the tallies, never as an error
// status.
func (h *Handlers) SendBulk(c *fiber.Ctx) error {
	name := c.Params("name")
	if err := paths.ValidateInstanceName(name); err != nil {
		return err
	}
	var req sendBulkRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed body")
	}
	if len(req.Numbers) == 0 || req.Text == "" {
		return fiber.NewError(fiber.StatusBadRequest, "numbers and text are required")
	}
	report := h.dispatcher.SendBulk(
		c.UserContext(),
		req.Numbers,
		req.Text,
		time.Duration(req.DelayMS)*time.Millisecond,
		name,
	)
	return c.JSON(report)
}
