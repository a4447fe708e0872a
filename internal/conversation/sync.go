// Package conversation keeps the locally cached view of chats and messages
// consistent with the gateway under a fail-soft policy: a slow or failing
// fetch degrades to the last-known-good snapshot, never to a blank view.
package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/caiombs/zapcoach/internal/metrics"
	"github.com/caiombs/zapcoach/internal/store"
	"go.uber.org/zap"
)

// Caller issues classified gateway requests.
type Caller interface {
	Request(ctx context.Context, method, path string, body, out any) error
}

// Sync fetches and normalizes conversation data for one gateway.
type Sync struct {
	gw      Caller
	db      *store.DB
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a conversation sync. metrics may be nil.
func New(gw Caller, db *store.DB, logger *zap.Logger, m *metrics.Metrics) *Sync {
	return &Sync{gw: gw, db: db, logger: logger, metrics: m}
}

// FetchChats returns the instance's chat list, newest activity first.
//
// On failure the last cached list is returned together with the error, so
// the caller can both keep rendering data and report the problem; the view
// must never regress to empty on a transient fault. A fetch that succeeds
// but normalizes to zero chats is treated the same way: the gateway is
// known to serve empty lists mid-resync, so the cached list wins over a
// blank view. On success the cache is replaced wholesale.
func (s *Sync) FetchChats(ctx context.Context, instanceName string) (chats []store.Chat, fromCache bool, err error) {
	var raw json.RawMessage
	reqErr := s.gw.Request(ctx, http.MethodPost, "/chat/findChats/"+instanceName, map[string]any{}, &raw)
	if reqErr != nil {
		var cached []store.Chat
		if _, ok, loadErr := s.db.LoadSnapshot(store.ChatsNamespace(instanceName), &cached); loadErr == nil && ok {
			s.logger.Warn("chat list served from cache",
				zap.String("instance", instanceName), zap.Error(reqErr))
			if s.metrics != nil {
				s.metrics.RecordCacheFallback("chats")
			}
			return cached, true, reqErr
		}
		return nil, false, reqErr
	}

	chats = parseChats(raw)
	if len(chats) == 0 {
		var cached []store.Chat
		if _, ok, loadErr := s.db.LoadSnapshot(store.ChatsNamespace(instanceName), &cached); loadErr == nil && ok && len(cached) > 0 {
			s.logger.Warn("empty chat list from gateway, serving cache",
				zap.String("instance", instanceName))
			if s.metrics != nil {
				s.metrics.RecordCacheFallback("chats")
			}
			return cached, true, nil
		}
		return nil, false, nil
	}

	slices.SortFunc(chats, func(a, b store.Chat) int {
		switch {
		case a.LastMessageAt > b.LastMessageAt:
			return -1
		case a.LastMessageAt < b.LastMessageAt:
			return 1
		default:
			return 0
		}
	})

	if saveErr := s.db.SaveSnapshot(store.ChatsNamespace(instanceName), chats); saveErr != nil {
		s.logger.Warn("failed to cache chat list", zap.Error(saveErr))
	}
	return chats, false, nil
}

// FetchMessages returns up to count messages for a chat, ascending by
// timestamp; the gateway's own ordering is not trusted. Message history is
// supplementary to an already-rendered chat, so failures degrade to the
// cached list (or nothing) instead of an error.
func (s *Sync) FetchMessages(ctx context.Context, chatID string, count int, instanceName string) []store.Message {
	if count <= 0 {
		count = 50
	}
	body := map[string]any{
		"where": map[string]any{"key": map[string]any{"remoteJid": chatID}},
		"limit": count,
	}

	var raw json.RawMessage
	if err := s.gw.Request(ctx, http.MethodPost, "/chat/findMessages/"+instanceName, body, &raw); err != nil {
		s.logger.Warn("message fetch failed",
			zap.String("instance", instanceName),
			zap.String("chat", chatID),
			zap.Error(err))
		var cached []store.Message
		if _, ok, loadErr := s.db.LoadSnapshot(store.MessagesNamespace(instanceName, chatID), &cached); loadErr == nil && ok {
			if s.metrics != nil {
				s.metrics.RecordCacheFallback("messages")
			}
			return cached
		}
		return nil
	}

	msgs := parseMessages(raw, chatID)
	slices.SortFunc(msgs, func(a, b store.Message) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		default:
			return 0
		}
	})
	// Keep the newest count; the caller is backfilling a chat view.
	if len(msgs) > count {
		msgs = msgs[len(msgs)-count:]
	}

	if len(msgs) > 0 {
		if err := s.db.SaveSnapshot(store.MessagesNamespace(instanceName, chatID), msgs); err != nil {
			s.logger.Warn("failed to cache messages", zap.Error(err))
		}
	}
	return msgs
}
