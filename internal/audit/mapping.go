package audit

import (
	"strings"

	"waypoint/internal/event"
)

// ActionResource holds action and resource for an audit entry.
type ActionResource struct {
	Action   string
	Resource string
}

// Actions raised by the engine rather than by a single inbound event.
const (
	ActionSOSTriggered     = "sos_triggered"
	ActionSOSCancelled     = "sos_cancelled"
	ActionAdminPromoted    = "admin_promoted"
	ActionAdminRevoked     = "admin_revoked"
	ActionGuardianActive   = "guardian_active"
	ActionGuardianRevoked  = "guardian_revoked"
	ActionUserDeleted      = "user_deleted"
	ActionSafetyConfigured = "safety_configured"
)

// audited lists the inbound kinds recorded when they succeed.
var audited = map[event.Kind]ActionResource{
	event.KindTriggerSOS:      {Action: ActionSOSTriggered, Resource: "sos"},
	event.KindCancelSOS:       {Action: ActionSOSCancelled, Resource: "sos"},
	event.KindRevokeRoomAdmin: {Action: ActionAdminRevoked, Resource: "room_admin"},
	event.KindAdminDeleteUser: {Action: ActionUserDeleted, Resource: "user"},
	event.KindSetGeofence:     {Action: ActionSafetyConfigured, Resource: "geofence"},
	event.KindSetAutoRules:    {Action: ActionSafetyConfigured, Resource: "auto_rules"},
	event.KindSetCheckIn:      {Action: ActionSafetyConfigured, Resource: "check_in"},
}

// ForKind returns the audit entry for an inbound kind, and whether the kind is audited.
func ForKind(kind event.Kind) (ActionResource, bool) {
	ar, ok := audited[kind]
	return ar, ok
}

// ParseKind derives a generic action and resource from a kind tag, e.g. "room-admin:vote" becomes
// action "vote" on resource "room_admin".
func ParseKind(kind event.Kind) ActionResource {
	s := string(kind)
	colon := strings.LastIndex(s, ":")
	if colon <= 0 || colon == len(s)-1 {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	resource := strings.ReplaceAll(s[:colon], "-", "_")
	action := strings.ReplaceAll(s[colon+1:], "-", "_")
	return ActionResource{Action: action, Resource: resource}
}
