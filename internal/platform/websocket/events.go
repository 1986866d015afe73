package websocket

import (
	"encoding/json"
	"time"

	"github.com/medquery/medquery/internal/platform/auth"
)

// Event types pushed over the live channel.
const (
	EventConnectionEstablished = "connection_established"
	EventQueryStateChanged     = "query_state_changed"
	EventReviewQueueUpdated    = "review_queue_updated"
	EventResync                = "resync"
)

// Review queue actions carried by review_queue_updated.
const (
	QueueActionAdded    = "added"
	QueueActionClaimed  = "claimed"
	QueueActionReleased = "released"
	QueueActionRemoved  = "removed"
)

// ReviewQueueTopic reaches every clinician watching the queue.
const ReviewQueueTopic = "review-queue"

func PatientTopic(patientID string) string {
	return "patient:" + patientID
}

func ClinicianTopic(clinicianID string) string {
	return "clinician:" + clinicianID
}

// Subscriber identifies who is on the other end of a connection.
type Subscriber struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

func (s Subscriber) IsClinician() bool {
	return s.Role == auth.RoleClinician || s.Role == auth.RoleAdmin
}

// DefaultTopics returns the topics a subscriber joins on connect.
func (s Subscriber) DefaultTopics() []string {
	if s.IsClinician() {
		return []string{ClinicianTopic(s.UserID), ReviewQueueTopic}
	}
	return []string{PatientTopic(s.UserID)}
}

// CanSubscribe reports whether the subscriber may listen on topic.
func (s Subscriber) CanSubscribe(topic string) bool {
	if s.Role == auth.RoleAdmin {
		return true
	}
	for _, t := range s.DefaultTopics() {
		if t == topic {
			return true
		}
	}
	return false
}

// Event is a notification sent to WebSocket clients.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals payload into an event of the given type.
func NewEvent(eventType string, payload interface{}) (Event, error) {
	ev := Event{Type: eventType, Timestamp: time.Now().UTC()}
	if payload == nil {
		return ev, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	ev.Data = data
	return ev, nil
}

type ConnectionEstablished struct {
	ConnectionID string `json:"connectionId"`
}

type QueryStateChanged struct {
	QueryID       string  `json:"queryId"`
	Status        string  `json:"status"`
	Urgency       string  `json:"urgency,omitempty"`
	SafetyScore   *int    `json:"safetyScore,omitempty"`
	FinalResponse *string `json:"finalResponse,omitempty"`
	Message       string  `json:"message,omitempty"`
}

type ReviewQueueUpdated struct {
	QueryID     string  `json:"queryId"`
	Priority    int     `json:"priority"`
	Urgency     string  `json:"urgency"`
	Action      string  `json:"action"`
	ClinicianID *string `json:"clinicianId,omitempty"`
}
