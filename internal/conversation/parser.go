package conversation

import (
	"encoding/json"
	"strings"

	"github.com/caiombs/zapcoach/internal/gateway"
	"github.com/caiombs/zapcoach/internal/store"
)

// parseChats normalizes a findChats response. The gateway has served this
// list as a bare array, as {"data":[...]}, and as {"chats":[...]}; all three
// are accepted here so no call site ever sniffs shapes again.
func parseChats(raw json.RawMessage) []store.Chat {
	var chats []store.Chat
	for _, entry := range gateway.UnwrapList(raw, "data", "chats") {
		var m map[string]any
		if err := json.Unmarshal(entry, &m); err != nil {
			continue
		}
		if c, ok := parseChat(m); ok {
			chats = append(chats, c)
		}
	}
	return chats
}

func parseChat(m map[string]any) (store.Chat, bool) {
	id := gateway.FirstString(m, "id", "remoteJid", "jid")
	if id == "" {
		return store.Chat{}, false
	}

	c := store.Chat{
		ID:        id,
		Name:      displayName(m, id),
		AvatarURL: gateway.FirstString(m, "profilePicUrl", "profilePictureUrl"),
	}
	if n, ok := gateway.FirstNumber(m, "unreadCount", "unreadMessages"); ok && n > 0 {
		c.UnreadCount = int(n)
	}
	if ts, ok := gateway.FirstNumber(m, "lastMessageTimestamp", "conversationTimestamp", "updatedAt"); ok {
		c.LastMessageAt = normalizeTimestamp(ts)
	}
	if msg, ok := lastMessagePayload(m); ok {
		c.LastMessagePreview = previewOf(msg)
		if c.LastMessageAt == 0 {
			if ts, tok := gateway.FirstNumber(msg, "messageTimestamp"); tok {
				c.LastMessageAt = normalizeTimestamp(ts)
			} else if outer, ook := m["lastMessage"].(map[string]any); ook {
				// Timestamp sits on the wrapper when the payload is nested.
				if ts, tok := gateway.FirstNumber(outer, "messageTimestamp"); tok {
					c.LastMessageAt = normalizeTimestamp(ts)
				}
			}
		}
	}
	return c, true
}

// displayName resolves the chat name with the fixed preference chain:
// explicit name, push name, contact name, then a fallback derived from the
// chat identifier.
func displayName(m map[string]any, id string) string {
	if name := gateway.FirstString(m, "name", "displayName"); name != "" {
		return name
	}
	if name := gateway.FirstString(m, "pushName"); name != "" {
		return name
	}
	if contact, ok := m["contact"].(map[string]any); ok {
		if name := gateway.FirstString(contact, "name", "verifiedName", "pushName"); name != "" {
			return name
		}
	}
	return derivedName(id)
}

// derivedName turns "5511999998888@s.whatsapp.net" into "+5511999998888".
func derivedName(id string) string {
	user := id
	if i := strings.IndexByte(id, '@'); i >= 0 {
		user = id[:i]
	}
	if user != "" && strings.IndexFunc(user, func(r rune) bool { return r < '0' || r > '9' }) < 0 {
		return "+" + user
	}
	return user
}

// lastMessagePayload digs the message union out of a chat entry. It appears
// as lastMessage.message, as lastMessage itself, or under a bare message key.
func lastMessagePayload(m map[string]any) (map[string]any, bool) {
	candidate, ok := m["lastMessage"].(map[string]any)
	if !ok {
		candidate, ok = m["message"].(map[string]any)
	}
	if !ok {
		return nil, false
	}
	if inner, ok := candidate["message"].(map[string]any); ok {
		return inner, true
	}
	return candidate, true
}

// previewOf reduces the message union to a single human-readable preview
// line, labeling non-text kinds so they are distinguishable from text.
func previewOf(msg map[string]any) string {
	if text := textOf(msg); text != "" {
		return text
	}
	switch {
	case has(msg, "imageMessage"):
		if caption := captionOf(msg, "imageMessage"); caption != "" {
			return caption
		}
		return "📷 Photo"
	case has(msg, "videoMessage"):
		if caption := captionOf(msg, "videoMessage"); caption != "" {
			return caption
		}
		return "🎥 Video"
	case has(msg, "audioMessage"):
		return "🎙 Voice message"
	case has(msg, "documentMessage"):
		if doc, ok := msg["documentMessage"].(map[string]any); ok {
			if name := gateway.FirstString(doc, "fileName", "title"); name != "" {
				return "📄 " + name
			}
		}
		return "📄 Document"
	case has(msg, "stickerMessage"):
		return "💟 Sticker"
	case has(msg, "contactMessage"):
		return "👤 Contact"
	case has(msg, "locationMessage"):
		return "📍 Location"
	}
	return ""
}

func textOf(msg map[string]any) string {
	if c, ok := msg["conversation"].(string); ok && c != "" {
		return c
	}
	if ext, ok := msg["extendedTextMessage"].(map[string]any); ok {
		return gateway.FirstString(ext, "text")
	}
	return ""
}

func captionOf(msg map[string]any, key string) string {
	if media, ok := msg[key].(map[string]any); ok {
		return gateway.FirstString(media, "caption")
	}
	return ""
}

func has(m map[string]any, key string) bool {
	v, ok := m[key]
	return ok && v != nil
}

// detectKind maps the message union to the canonical message kind.
func detectKind(msg map[string]any) string {
	switch {
	case has(msg, "imageMessage"), has(msg, "stickerMessage"):
		return store.KindImage
	case has(msg, "videoMessage"):
		return store.KindVideo
	case has(msg, "audioMessage"):
		return store.KindAudio
	case has(msg, "documentMessage"):
		return store.KindDocument
	default:
		return store.KindText
	}
}

// parseMessages normalizes a findMessages response. On top of the usual
// envelope variants the newer gateway nests the list one level deeper, as
// {"messages":{"records":[...]}}.
func parseMessages(raw json.RawMessage, chatID string) []store.Message {
	entries := gateway.UnwrapList(raw, "data", "messages", "records")
	if entries == nil {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err == nil {
			if inner, ok := obj["messages"]; ok {
				entries = gateway.UnwrapList(inner, "records")
			}
		}
	}

	var msgs []store.Message
	for _, entry := range entries {
		var m map[string]any
		if err := json.Unmarshal(entry, &m); err != nil {
			continue
		}
		if msg, ok := parseMessage(m, chatID); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func parseMessage(m map[string]any, chatID string) (store.Message, bool) {
	msg := store.Message{ChatID: chatID}

	if key, ok := m["key"].(map[string]any); ok {
		msg.ID = gateway.FirstString(key, "id")
		if remote := gateway.FirstString(key, "remoteJid"); remote != "" {
			msg.ChatID = remote
		}
		if fromMe, ok := key["fromMe"].(bool); ok {
			msg.FromMe = fromMe
		}
	}
	if msg.ID == "" {
		msg.ID = gateway.FirstString(m, "id", "messageId")
	}
	if msg.ID == "" {
		return store.Message{}, false
	}
	if fromMe, ok := m["fromMe"].(bool); ok {
		msg.FromMe = fromMe
	}
	if ts, ok := gateway.FirstNumber(m, "messageTimestamp", "timestamp"); ok {
		msg.Timestamp = normalizeTimestamp(ts)
	}

	payload, _ := m["message"].(map[string]any)
	if payload == nil {
		payload = m
	}
	msg.Body = previewOf(payload)
	msg.Kind = detectKind(payload)
	return msg, true
}

// normalizeTimestamp converts gateway timestamps to unix milliseconds. The
// gateway mixes second and millisecond precision depending on the endpoint.
func normalizeTimestamp(ts float64) int64 {
	v := int64(ts)
	if v > 0 && v < 1e12 {
		return v * 1000
	}
	return v
}
