package instance

import (
	"encoding/json"
	"strings"

	"github.com/caiombs/zapcoach/internal/gateway"
	"github.com/caiombs/zapcoach/internal/store"
)

// parseInstances normalizes a fetchInstances response. The gateway has
// shipped two generations of this payload: an array of {"instance": {...}}
// wrappers and an array of flat objects, optionally under a "data" key.
func parseInstances(raw json.RawMessage) []store.Instance {
	var instances []store.Instance
	for _, entry := range gateway.UnwrapList(raw, "data", "instances") {
		var m map[string]any
		if err := json.Unmarshal(entry, &m); err != nil {
			continue
		}
		if inst, ok := parseInstance(m); ok {
			instances = append(instances, inst)
		}
	}
	return instances
}

// parseInstance normalizes one raw instance entry.
func parseInstance(m map[string]any) (store.Instance, bool) {
	if nested, ok := m["instance"].(map[string]any); ok {
		m = nested
	}

	name := gateway.FirstString(m, "instanceName", "name")
	if name == "" {
		return store.Instance{}, false
	}

	status := gateway.FirstString(m, "status", "connectionStatus", "state")
	if status == "" {
		status = store.StatusClose
	}

	return store.Instance{
		Name:              name,
		ID:                gateway.FirstString(m, "instanceId", "id"),
		Status:            status,
		OwnerNumber:       bareNumber(gateway.FirstString(m, "owner", "ownerJid", "number")),
		ProfileName:       gateway.FirstString(m, "profileName", "profilePushName"),
		ProfilePictureURL: gateway.FirstString(m, "profilePictureUrl", "profilePicUrl"),
	}, true
}

// bareNumber strips the JID server suffix from an owner identifier.
func bareNumber(owner string) string {
	if i := strings.IndexByte(owner, '@'); i >= 0 {
		return owner[:i]
	}
	return owner
}
