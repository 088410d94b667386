// Package event defines the realtime wire protocol: a closed set of inbound event types keyed by Kind,
// the outbound event names, and the JSON envelope both travel in.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"waypoint/internal/safety"
)

// Kind tags an inbound event.
type Kind string

const (
	KindPositionSample   Kind = "position:sample"
	KindPositionBatch    Kind = "position:batch"
	KindProfileUpdate    Kind = "profile:update"
	KindTriggerSOS       Kind = "sos:trigger"
	KindCancelSOS        Kind = "sos:cancel"
	KindAckSOS           Kind = "sos:ack"
	KindSetGeofence      Kind = "geofence:set"
	KindSetAutoRules     Kind = "autorules:set"
	KindSetCheckIn       Kind = "checkin:set"
	KindCheckInAck       Kind = "checkin:ack"
	KindCreateRoom       Kind = "room:create"
	KindJoinRoom         Kind = "room:join"
	KindLeaveRoom        Kind = "room:leave"
	KindAddContact       Kind = "contact:add"
	KindRemoveContact    Kind = "contact:remove"
	KindRequestRoomAdmin Kind = "room-admin:request"
	KindVoteRoomAdmin    Kind = "room-admin:vote"
	KindRevokeRoomAdmin  Kind = "room-admin:revoke"
	KindGuardianRequest  Kind = "guardian:request"
	KindGuardianInvite   Kind = "guardian:invite"
	KindGuardianApprove  Kind = "guardian:approve"
	KindGuardianDeny     Kind = "guardian:deny"
	KindGuardianRevoke   Kind = "guardian:revoke"
	KindCreateLiveLink   Kind = "live:create"
	KindRevokeLiveLink   Kind = "live:revoke"
	KindJoinWatch        Kind = "watch:join"
	KindJoinLive         Kind = "live:join"
	KindAdminDeleteUser  Kind = "admin:delete-user"
	KindAdminOverview    Kind = "admin:overview"
)

// Inbound is implemented by every inbound event type.
type Inbound interface {
	Kind() Kind
}

// PositionSample is one GPS fix.
type PositionSample struct {
	Lat       float64   `json:"lat" validate:"gte=-90,lte=90"`
	Lng       float64   `json:"lng" validate:"gte=-180,lte=180"`
	Speed     float64   `json:"speed" validate:"gte=0,lte=300"`
	Accuracy  float64   `json:"accuracy" validate:"gte=0,lte=100000"`
	Timestamp time.Time `json:"timestamp"`
}

// PositionBatch replays samples buffered while offline. Entries are validated one by one.
type PositionBatch struct {
	Samples []PositionSample `json:"samples" validate:"required,min=1,max=5000"`
}

type ProfileUpdate struct {
	DisplayName string `json:"displayName" validate:"omitempty,min=1,max=64"`
	Retention   string `json:"retention" validate:"omitempty,oneof=default 48h forever"`
}

type TriggerSOS struct {
	Reason string `json:"reason" validate:"max=200"`
}

type CancelSOS struct{}

// AckSOS acknowledges UserID's active SOS.
type AckSOS struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// SetGeofence configures UserID's geofence, or the sender's when UserID is empty.
type SetGeofence struct {
	UserID   string          `json:"userId" validate:"max=128"`
	Geofence safety.Geofence `json:"geofence"`
}

type SetAutoRules struct {
	UserID string           `json:"userId" validate:"max=128"`
	Rules  safety.AutoRules `json:"rules"`
}

type SetCheckIn struct {
	UserID  string         `json:"userId" validate:"max=128"`
	CheckIn safety.CheckIn `json:"checkIn"`
}

type CheckInAck struct{}

// CreateRoom creates a room; Code is optional and generated when empty.
type CreateRoom struct {
	Name string `json:"name" validate:"required,min=1,max=64"`
	Code string `json:"code" validate:"omitempty,alphanum,uppercase,min=4,max=12"`
}

type JoinRoom struct {
	Code string `json:"code" validate:"required,max=12"`
}

type LeaveRoom struct {
	Code string `json:"code" validate:"required,max=12"`
}

type AddContact struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

type RemoveContact struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// RequestRoomAdmin asks the room to promote the sender; TTLMinutes > 0 time-boxes the grant.
type RequestRoomAdmin struct {
	Code       string `json:"code" validate:"required,max=12"`
	TTLMinutes int    `json:"ttlMinutes" validate:"gte=0,lte=43200"`
}

type VoteRoomAdmin struct {
	Code    string `json:"code" validate:"required,max=12"`
	Target  string `json:"target" validate:"required,max=128"`
	Approve bool   `json:"approve"`
}

type RevokeRoomAdmin struct {
	Code   string `json:"code" validate:"required,max=12"`
	UserID string `json:"userId" validate:"required,max=128"`
}

// GuardianRequest asks WardID to accept the sender as guardian.
type GuardianRequest struct {
	WardID     string `json:"wardId" validate:"required,max=128"`
	TTLMinutes int    `json:"ttlMinutes" validate:"gte=0,lte=525600"`
}

// GuardianInvite asks GuardianID to become the sender's guardian.
type GuardianInvite struct {
	GuardianID string `json:"guardianId" validate:"required,max=128"`
	TTLMinutes int    `json:"ttlMinutes" validate:"gte=0,lte=525600"`
}

// GuardianApprove accepts the pending guardianship with UserID.
type GuardianApprove struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

type GuardianDeny struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// GuardianRevoke ends an active guardianship or cancels a pending one with UserID.
type GuardianRevoke struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// CreateLiveLink mints a live share link; TTLMinutes 0 never expires.
type CreateLiveLink struct {
	TTLMinutes int `json:"ttlMinutes" validate:"gte=0,lte=43200"`
}

type RevokeLiveLink struct {
	ID string `json:"id" validate:"required,hexadecimal,len=64"`
}

type JoinWatch struct {
	Token string `json:"token" validate:"required,max=128"`
}

type JoinLive struct {
	Token string `json:"token" validate:"required,max=128"`
}

type AdminDeleteUser struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

type AdminOverview struct{}

func (PositionSample) Kind() Kind   { return KindPositionSample }
func (PositionBatch) Kind() Kind    { return KindPositionBatch }
func (ProfileUpdate) Kind() Kind    { return KindProfileUpdate }
func (TriggerSOS) Kind() Kind       { return KindTriggerSOS }
func (CancelSOS) Kind() Kind        { return KindCancelSOS }
func (AckSOS) Kind() Kind           { return KindAckSOS }
func (SetGeofence) Kind() Kind      { return KindSetGeofence }
func (SetAutoRules) Kind() Kind     { return KindSetAutoRules }
func (SetCheckIn) Kind() Kind       { return KindSetCheckIn }
func (CheckInAck) Kind() Kind       { return KindCheckInAck }
func (CreateRoom) Kind() Kind       { return KindCreateRoom }
func (JoinRoom) Kind() Kind         { return KindJoinRoom }
func (LeaveRoom) Kind() Kind        { return KindLeaveRoom }
func (AddContact) Kind() Kind       { return KindAddContact }
func (RemoveContact) Kind() Kind    { return KindRemoveContact }
func (RequestRoomAdmin) Kind() Kind { return KindRequestRoomAdmin }
func (VoteRoomAdmin) Kind() Kind    { return KindVoteRoomAdmin }
func (RevokeRoomAdmin) Kind() Kind  { return KindRevokeRoomAdmin }
func (GuardianRequest) Kind() Kind  { return KindGuardianRequest }
func (GuardianInvite) Kind() Kind   { return KindGuardianInvite }
func (GuardianApprove) Kind() Kind  { return KindGuardianApprove }
func (GuardianDeny) Kind() Kind     { return KindGuardianDeny }
func (GuardianRevoke) Kind() Kind   { return KindGuardianRevoke }
func (CreateLiveLink) Kind() Kind   { return KindCreateLiveLink }
func (RevokeLiveLink) Kind() Kind   { return KindRevokeLiveLink }
func (JoinWatch) Kind() Kind        { return KindJoinWatch }
func (JoinLive) Kind() Kind         { return KindJoinLive }
func (AdminDeleteUser) Kind() Kind  { return KindAdminDeleteUser }
func (AdminOverview) Kind() Kind    { return KindAdminOverview }

var decoders = map[Kind]func(json.RawMessage) (Inbound, error){
	KindPositionSample:   decodeAs[PositionSample],
	KindPositionBatch:    decodeAs[PositionBatch],
	KindProfileUpdate:    decodeAs[ProfileUpdate],
	KindTriggerSOS:       decodeAs[TriggerSOS],
	KindCancelSOS:        decodeAs[CancelSOS],
	KindAckSOS:           decodeAs[AckSOS],
	KindSetGeofence:      decodeAs[SetGeofence],
	KindSetAutoRules:     decodeAs[SetAutoRules],
	KindSetCheckIn:       decodeAs[SetCheckIn],
	KindCheckInAck:       decodeAs[CheckInAck],
	KindCreateRoom:       decodeAs[CreateRoom],
	KindJoinRoom:         decodeAs[JoinRoom],
	KindLeaveRoom:        decodeAs[LeaveRoom],
	KindAddContact:       decodeAs[AddContact],
	KindRemoveContact:    decodeAs[RemoveContact],
	KindRequestRoomAdmin: decodeAs[RequestRoomAdmin],
	KindVoteRoomAdmin:    decodeAs[VoteRoomAdmin],
	KindRevokeRoomAdmin:  decodeAs[RevokeRoomAdmin],
	KindGuardianRequest:  decodeAs[GuardianRequest],
	KindGuardianInvite:   decodeAs[GuardianInvite],
	KindGuardianApprove:  decodeAs[GuardianApprove],
	KindGuardianDeny:     decodeAs[GuardianDeny],
	KindGuardianRevoke:   decodeAs[GuardianRevoke],
	KindCreateLiveLink:   decodeAs[CreateLiveLink],
	KindRevokeLiveLink:   decodeAs[RevokeLiveLink],
	KindJoinWatch:        decodeAs[JoinWatch],
	KindJoinLive:         decodeAs[JoinLive],
	KindAdminDeleteUser:  decodeAs[AdminDeleteUser],
	KindAdminOverview:    decodeAs[AdminOverview],
}

// ErrUnknownKind is returned by Decode for a type tag outside the inbound set.
var ErrUnknownKind = errors.New("unknown event kind")

// Kinds returns every inbound kind in order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(decoders))
	for k := range decoders {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Decode parses data into the inbound type for kind.
func Decode(kind Kind, data json.RawMessage) (Inbound, error) {
	dec, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	ev, err := dec(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return ev, nil
}

func decodeAs[T Inbound](data json.RawMessage) (Inbound, error) {
	var v T
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}
