package attendance

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind is the direction of an attendance transition.
type Kind int

const (
	Enter Kind = iota
	Exit
)

func (k Kind) String() string {
	if k == Exit {
		return "exit"
	}
	return "enter"
}

// Event is one enter or exit notification. ID is generated once per
// event and sent as the Idempotency-Key header on every attempt, so a
// server that saw a retried request can recognise it.
type Event struct {
	ID         string
	UserID     string
	Kind       Kind
	Timestamp  time.Time
	DeviceID   string
	DeviceName string
	RSSI       *int
}

// NewEvent returns an event stamped with a fresh id.
func NewEvent(kind Kind, userID string, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Timestamp: at,
	}
}

type wireEvent struct {
	UserID     string `json:"userId"`
	Timestamp  string `json:"timestamp,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
	RSSI       *int   `json:"rssi,omitempty"`
}

// MarshalJSON writes the request body. Kind and ID travel in the path
// and headers, not the body.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		UserID:     e.UserID,
		DeviceID:   e.DeviceID,
		DeviceName: e.DeviceName,
		RSSI:       e.RSSI,
	}
	if !e.Timestamp.IsZero() {
		w.Timestamp = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}
