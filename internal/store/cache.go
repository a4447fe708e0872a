package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Snapshot namespaces. Each caller writes under its own key, so there is no
// cross-entity contention; same-key writes are last-write-wins.
const NamespaceInstances = "instances"

// ChatsNamespace returns the snapshot namespace for an instance's chat list.
func ChatsNamespace(instance string) string {
	return "chats/" + instance
}

// MessagesNamespace returns the snapshot namespace for a chat's message list.
func MessagesNamespace(instance, chatID string) string {
	return "messages/" + instance + "/" + chatID
}

// SaveSnapshot stores the last-known-good payload for a namespace. It is a
// deliberate no-op for nil or empty payloads: a transient empty response
// must never erase prior good data.
func (db *DB) SaveSnapshot(namespace string, payload any) error {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot %q: %w", namespace, err)
	}
	if isEmptyJSON(data) {
		return nil
	}
	_, err = db.Exec(`
		INSERT INTO snapshots (namespace, captured_at, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(namespace) DO UPDATE SET
			captured_at = excluded.captured_at,
			payload = excluded.payload`,
		namespace, time.Now().UnixMilli(), data)
	return err
}

// LoadSnapshot decodes the stored payload for a namespace into out.
// ok is false when no snapshot exists. Staleness is not enforced here: the
// snapshot exists to avoid a blank view during a failing fetch, and callers
// bound staleness by how often they re-fetch.
func (db *DB) LoadSnapshot(namespace string, out any) (capturedAt int64, ok bool, err error) {
	var data []byte
	err = db.QueryRow(`SELECT captured_at, payload FROM snapshots WHERE namespace = ?`, namespace).
		Scan(&capturedAt, &data)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return 0, false, fmt.Errorf("decode snapshot %q: %w", namespace, err)
	}
	return capturedAt, true, nil
}

// likeEscaper quotes LIKE metacharacters; instance names may contain "_",
// which LIKE would otherwise treat as a single-character wildcard.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// DeleteSnapshots removes all snapshots whose namespace starts with prefix.
// Used when an instance is deleted.
func (db *DB) DeleteSnapshots(prefix string) error {
	_, err := db.Exec(`DELETE FROM snapshots WHERE namespace = ? OR namespace LIKE ? ESCAPE '\'`,
		prefix, likeEscaper.Replace(prefix)+"/%")
	return err
}

func isEmptyJSON(data []byte) bool {
	switch string(data) {
	case "null", "[]", "{}", `""`:
		return true
	}
	return false
}
