package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds follow a dotted namespace convention:
//
//	instance.created, instance.recovered, instance.removed
//	pairing.artifact, pairing.connected, pairing.expired, pairing.cancelled
//	conversation.refreshed
//	dispatch.sent, dispatch.failed, dispatch.bulk_done
type Event struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}
