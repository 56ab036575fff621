package gateway

import (
	"encoding/json"
	"strconv"
)

// EventChargeSuccess is the webhook event for a paid charge.
const EventChargeSuccess = "charge.success"

// Event is a webhook notification pushed by the gateway.
type Event struct {
	Event string      `json:"event"`
	Data  Transaction `json:"data"`
}

// ParseEvent decodes an authenticated webhook body.
func ParseEvent(body []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// InternalReference is the payment reference we generated, taken from the
// metadata and falling back to the gateway's own reference.
func (e *Event) InternalReference() string {
	if e.Data.Metadata.Reference != "" {
		return e.Data.Metadata.Reference
	}
	return e.Data.Reference
}

// Key identifies the event for deduplication of redeliveries. It is empty
// when the event carries neither a transaction id nor a reference.
func (e *Event) Key() string {
	id := e.Data.Reference
	if e.Data.ID != 0 {
		id = strconv.FormatInt(e.Data.ID, 10)
	}
	if id == "" {
		return ""
	}
	return e.Event + ":" + id
}
