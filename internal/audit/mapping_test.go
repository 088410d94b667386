package audit

import (
	"testing"

	"waypoint/internal/event"
)

func TestForKind(t *testing.T) {
	ar, ok := ForKind(event.KindTriggerSOS)
	if !ok || ar.Action != ActionSOSTriggered || ar.Resource != "sos" {
		t.Errorf("ForKind(sos:trigger) = %+v, %v", ar, ok)
	}
	if _, ok := ForKind(event.KindPositionSample); ok {
		t.Error("position samples should not be audited")
	}
}

func TestParseKind(t *testing.T) {
	testCases := []struct {
		kind     event.Kind
		action   string
		resource string
	}{
		{event.KindVoteRoomAdmin, "vote", "room_admin"},
		{event.KindAdminDeleteUser, "delete_user", "admin"},
		{event.KindJoinWatch, "join", "watch"},
		{"nocolon", "unknown", "unknown"},
		{"trailing:", "unknown", "unknown"},
		{":leading", "unknown", "unknown"},
	}
	for _, tc := range testCases {
		t.Run(string(tc.kind), func(t *testing.T) {
			ar := ParseKind(tc.kind)
			if ar.Action != tc.action {
				t.Errorf("action = %q, want %q", ar.Action, tc.action)
			}
			if ar.Resource != tc.resource {
				t.Errorf("resource = %q, want %q", ar.Resource, tc.resource)
			}
		})
	}
}
