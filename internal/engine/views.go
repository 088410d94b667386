package engine

import (
	"sort"
	"time"

	"waypoint/internal/consensus"
	"waypoint/internal/presence"
	"waypoint/internal/relation"
	"waypoint/internal/safety"
	"waypoint/internal/state"
)

// UserView is how one user appears to a viewer.
type UserView struct {
	UserID      string             `json:"userId"`
	DisplayName string             `json:"displayName"`
	Role        string             `json:"role"`
	Online      bool               `json:"online"`
	ConnID      string             `json:"connId,omitempty"`
	Position    *presence.Position `json:"position,omitempty"`
	SOS         safety.SOSView     `json:"sos"`
	LastSeen    *time.Time         `json:"lastSeen,omitempty"`
	ExpiresAt   *time.Time         `json:"expiresAt,omitempty"`
}

// MemberView is one room member.
type MemberView struct {
	UserID    string     `json:"userId"`
	Role      string     `json:"role"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// RoomView is a room with its members.
type RoomView struct {
	Code      string       `json:"code"`
	Name      string       `json:"name"`
	CreatedBy string       `json:"createdBy"`
	CreatedAt time.Time    `json:"createdAt"`
	Members   []MemberView `json:"members"`
}

// PendingView is an outstanding request awaiting the viewer.
type PendingView struct {
	Kind         string              `json:"kind"`
	Tally        *consensus.Tally    `json:"tally,omitempty"`
	Guardianship *state.Guardianship `json:"guardianship,omitempty"`
}

// RosterPayload is the data of roster:snapshot.
type RosterPayload struct {
	Self          UserView              `json:"self"`
	Users         []UserView            `json:"users"`
	Rooms         []RoomView            `json:"rooms"`
	Contacts      []string              `json:"contacts"`
	Guardianships []*state.Guardianship `json:"guardianships"`
	Pending       []PendingView         `json:"pending"`
}

// RefreshPayload is the data of visibility:refresh.
type RefreshPayload struct {
	Users []UserView `json:"users"`
}

// PresencePayload is the data of user:disconnected and user:offline.
type PresencePayload struct {
	UserID    string     `json:"userId"`
	ConnID    string     `json:"connId,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// SOSPayload is the data of sos:update.
type SOSPayload struct {
	UserID     string             `json:"userId"`
	SOS        safety.SOSView     `json:"sos"`
	Position   *presence.Position `json:"position,omitempty"`
	WatchToken string             `json:"watchToken,omitempty"`
}

// SafetyConfigPayload is the data of safety:config.
type SafetyConfigPayload struct {
	UserID      string           `json:"userId"`
	By          string           `json:"by"`
	Geofence    safety.Geofence  `json:"geofence"`
	AutoRules   safety.AutoRules `json:"autoRules"`
	CheckIn     safety.CheckIn   `json:"checkIn"`
	LastCheckIn *time.Time       `json:"lastCheckIn,omitempty"`
}

// CheckInPayload is the data of checkin:request and checkin:overdue.
type CheckInPayload struct {
	UserID      string     `json:"userId"`
	LastCheckIn *time.Time `json:"lastCheckIn,omitempty"`
}

// RoomMemberPayload is the data of room:joined and room:left.
type RoomMemberPayload struct {
	Code   string `json:"code"`
	UserID string `json:"userId"`
}

// RoomDeletedPayload is the data of room:deleted.
type RoomDeletedPayload struct {
	Code string `json:"code"`
}

// RoomAdminPayload is the data of room-admin:revoked.
type RoomAdminPayload struct {
	Code   string `json:"code"`
	UserID string `json:"userId"`
	By     string `json:"by"`
}

// ContactPayload is the data of contact:added and contact:removed.
type ContactPayload struct {
	UserID string `json:"userId"`
}

// LinkPayload is the data of live:created, live:revoked and the expiry notices.
type LinkPayload struct {
	ID        string     `json:"id"`
	Token     string     `json:"token,omitempty"`
	Owner     string     `json:"owner,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// ChannelJoinedPayload is the data of watch:joined and live:joined.
type ChannelJoinedPayload struct {
	ID        string     `json:"id"`
	Owner     UserView   `json:"owner"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// OverviewPayload is the data of admin:overview.
type OverviewPayload struct {
	Live    []UserView `json:"live"`
	Offline []UserView `json:"offline"`
	Rooms   []RoomView `json:"rooms"`
	Links   int        `json:"links"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// privileged reports whether viewer sees acknowledgement identities of subject's SOS.
func (e *Engine) privileged(viewer, subject string) bool {
	return viewer == subject || e.st.IsAdmin(viewer)
}

// view renders subject for viewer. ok is false when subject is unknown.
func (e *Engine) view(viewer, subject string, now time.Time) (UserView, bool) {
	v := UserView{UserID: subject}
	if u, ok := e.st.Users[subject]; ok {
		v.DisplayName, v.Role = u.DisplayName, u.Role
	}
	if sess, ok := e.presence.ByUser(subject); ok {
		e.fillSession(&v, sess, viewer)
		v.Online = true
		v.ConnID = sess.ConnID
		return v, true
	}
	if rec, ok := e.presence.Offline(subject, now); ok {
		e.fillSession(&v, &rec.Session, viewer)
		v.LastSeen = timePtr(rec.DisconnectedAt)
		v.ExpiresAt = rec.ExpiresAt
		return v, true
	}
	if _, ok := e.st.Users[subject]; !ok {
		return v, false
	}
	if p, ok := e.lastKnown[subject]; ok {
		v.Position = &p
	}
	return v, true
}

func (e *Engine) fillSession(v *UserView, sess *presence.Session, viewer string) {
	if sess.DisplayName != "" {
		v.DisplayName = sess.DisplayName
	}
	if sess.Role != "" {
		v.Role = sess.Role
	}
	if sess.Position != nil {
		p := *sess.Position
		v.Position = &p
	}
	v.SOS = sess.Safety.SOS.View(e.privileged(viewer, sess.UserID))
}

// rosterSet returns the users viewer's roster lists, excluding viewer. Global admins list everyone known.
func (e *Engine) rosterSet(viewer string, now time.Time) relation.Set {
	if !e.st.IsAdmin(viewer) {
		set := e.graph.VisibleSet(viewer).Clone()
		delete(set, viewer)
		return set
	}
	set := make(relation.Set, len(e.st.Users))
	for id := range e.st.Users {
		set[id] = struct{}{}
	}
	for _, s := range e.presence.Live() {
		set[s.UserID] = struct{}{}
	}
	for _, rec := range e.presence.OfflineRecords(now) {
		set[rec.Session.UserID] = struct{}{}
	}
	delete(set, viewer)
	return set
}

func (e *Engine) views(viewer string, users relation.Set, now time.Time) []UserView {
	out := make([]UserView, 0, len(users))
	for _, u := range users.Sorted() {
		if v, ok := e.view(viewer, u, now); ok {
			out = append(out, v)
		}
	}
	return out
}

func (e *Engine) roomView(r *state.Room) RoomView {
	rv := RoomView{Code: r.Code, Name: r.Name, CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt}
	for _, m := range e.st.MembersOf(r.Code) {
		role := r.Roles[m]
		if role.Role == "" {
			role.Role = state.MemberRole
		}
		rv.Members = append(rv.Members, MemberView{UserID: m, Role: role.Role, ExpiresAt: role.ExpiresAt})
	}
	return rv
}

func (e *Engine) roomsOf(userID string) []RoomView {
	out := []RoomView{}
	for _, code := range e.st.RoomsOf(userID) {
		if r, ok := e.st.Room(code); ok {
			out = append(out, e.roomView(r))
		}
	}
	return out
}

func (e *Engine) allRooms() []RoomView {
	codes := make([]string, 0, len(e.st.Rooms))
	for code := range e.st.Rooms {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	out := make([]RoomView, 0, len(codes))
	for _, code := range codes {
		out = append(out, e.roomView(e.st.Rooms[code]))
	}
	return out
}

func (e *Engine) pendingViews(userID string) []PendingView {
	out := []PendingView{}
	for _, p := range e.st.PendingFor(userID) {
		switch v := p.(type) {
		case *state.Ballot:
			t := e.authority.Tally(v)
			out = append(out, PendingView{Kind: "room_admin", Tally: &t})
		case *state.Guardianship:
			kind := "guardian_request"
			if v.InitiatedBy == state.InitiatedByWard {
				kind = "guardian_invite"
			}
			g := *v
			out = append(out, PendingView{Kind: kind, Guardianship: &g})
		}
	}
	return out
}

func (e *Engine) roster(userID string, now time.Time) RosterPayload {
	self, _ := e.view(userID, userID, now)
	gs := e.st.GuardianshipsOf(userID)
	if gs == nil {
		gs = []*state.Guardianship{}
	}
	return RosterPayload{
		Self:          self,
		Users:         e.views(userID, e.rosterSet(userID, now), now),
		Rooms:         e.roomsOf(userID),
		Contacts:      e.st.Contacts.Neighbors(userID).Sorted(),
		Guardianships: gs,
		Pending:       e.pendingViews(userID),
	}
}
