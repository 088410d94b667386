package event

import (
	"encoding/json"
	"fmt"
)

// Name is an outbound event type.
type Name string

const (
	RosterSnapshot    Name = "roster:snapshot"
	UserConnected     Name = "user:connected"
	UserUpdated       Name = "user:updated"
	UserDisconnected  Name = "user:disconnected"
	UserOffline       Name = "user:offline"
	PositionUpdate    Name = "position:update"
	VisibilityRefresh Name = "visibility:refresh"
	SOSUpdate         Name = "sos:update"
	SafetyConfig      Name = "safety:config"
	CheckInRequest    Name = "checkin:request"
	CheckInOverdue    Name = "checkin:overdue"
	RoomCreated       Name = "room:created"
	RoomJoined        Name = "room:joined"
	RoomLeft          Name = "room:left"
	RoomDeleted       Name = "room:deleted"
	RoomMembers       Name = "room:members"
	RoomAdminRequest  Name = "room-admin:request"
	RoomAdminResult   Name = "room-admin:result"
	RoomAdminRevoked  Name = "room-admin:revoked"
	ContactAdded      Name = "contact:added"
	ContactRemoved    Name = "contact:removed"
	GuardianUpdate    Name = "guardian:update"
	LiveCreated       Name = "live:created"
	LiveRevoked       Name = "live:revoked"
	LiveUpdate        Name = "live:update"
	LiveExpired       Name = "live:expired"
	WatchJoined       Name = "watch:joined"
	WatchUpdate       Name = "watch:update"
	WatchExpired      Name = "watch:expired"
	LiveJoined        Name = "live:joined"
	AdminOverviewName Name = "admin:overview"
	Error             Name = "error"
)

// Envelope is the JSON frame for both directions: {"type": "...", "data": {...}}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound is a typed outbound event before encoding.
type Outbound struct {
	Name    Name
	Payload any
}

// New returns an Outbound.
func New(name Name, payload any) Outbound { return Outbound{Name: name, Payload: payload} }

// Encode renders o as an envelope frame.
func (o Outbound) Encode() ([]byte, error) {
	var data json.RawMessage
	if o.Payload != nil {
		b, err := json.Marshal(o.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", o.Name, err)
		}
		data = b
	}
	return json.Marshal(Envelope{Type: string(o.Name), Data: data})
}

// ParseEnvelope splits a raw inbound frame into its kind and payload.
func ParseEnvelope(frame []byte) (Kind, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", nil, fmt.Errorf("envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("envelope: missing type")
	}
	return Kind(env.Type), env.Data, nil
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   Kind   `json:"event,omitempty"`
}

// Error codes carried in ErrorPayload.Code.
const (
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodePermissionDenied  = "permission_denied"
	CodePersistenceFailed = "persistence_failed"
	CodeInternal          = "internal"
)
