package bus

import "time"

// Event is a domain event published on the bus. Kind is a dot-separated
// name whose leading segment acts as a namespace, e.g. "push.message" or
// "conn.state_changed". Payload types are owned by the publishing package.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Now returns an event of the given kind stamped with the current time.
func Now(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
