// Package presence owns the lifecycle of live connection sessions and retained offline records.
package presence

import (
	"sort"
	"time"

	"waypoint/internal/safety"
)

// RetentionMode controls how long an offline record outlives its connection.
type RetentionMode string

const (
	RetentionDefault RetentionMode = "default"
	Retention48h     RetentionMode = "48h"
	RetentionForever RetentionMode = "forever"
)

const (
	defaultRetention = 24 * time.Hour
	longRetention    = 48 * time.Hour
)

// ParseRetention validates a client-supplied retention mode. Empty maps to RetentionDefault.
func ParseRetention(s string) (RetentionMode, bool) {
	switch RetentionMode(s) {
	case "", RetentionDefault:
		return RetentionDefault, true
	case Retention48h, RetentionForever:
		return RetentionMode(s), true
	}
	return "", false
}

// ExpiryFor returns the offline expiry for mode, or nil for forever.
func ExpiryFor(mode RetentionMode, now time.Time) *time.Time {
	var at time.Time
	switch mode {
	case RetentionForever:
		return nil
	case Retention48h:
		at = now.Add(longRetention)
	default:
		at = now.Add(defaultRetention)
	}
	return &at
}

// Position is the last known location of a user.
type Position struct {
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	Speed    float64   `json:"speed"`
	Accuracy float64   `json:"accuracy"`
	ClientTS time.Time `json:"clientTs"`
	ServerTS time.Time `json:"serverTs"`
}

// Session is the state of one live connection.
type Session struct {
	ConnID      string
	UserID      string
	DisplayName string
	Role        string
	Position    *Position
	Safety      safety.Profile
	Retention   RetentionMode
	ConnectedAt time.Time
}

func (s *Session) clone() Session {
	out := *s
	if s.Position != nil {
		p := *s.Position
		out.Position = &p
	}
	out.Safety = s.Safety.Clone()
	return out
}

// OfflineRecord is a frozen session retained after disconnect. ExpiresAt nil means forever.
type OfflineRecord struct {
	Session        Session
	DisconnectedAt time.Time
	ExpiresAt      *time.Time
}

// Expired reports whether the record is past its expiry at now.
func (r *OfflineRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// ConnectResult describes what Connect did.
type ConnectResult struct {
	Session *Session
	// Restored is true when state was carried over from an offline record or an evicted session.
	Restored bool
	// PriorConnID is the stale connection id of the restored offline record.
	PriorConnID string
	// Evicted is the live session of the same user that was displaced, if any.
	Evicted *Session
}

// DisconnectResult describes what Disconnect did.
type DisconnectResult struct {
	Session Session
	// Record is set when the session was retained; nil when purged.
	Record *OfflineRecord
}

// Registry tracks live sessions and offline records. It is owned by the event loop and carries no locks.
type Registry struct {
	byConn       map[string]*Session
	byUser       map[string]string
	offline      map[string]*OfflineRecord
	forceDeleted map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn:       make(map[string]*Session),
		byUser:       make(map[string]string),
		offline:      make(map[string]*OfflineRecord),
		forceDeleted: make(map[string]struct{}),
	}
}

// Connect registers connID as the authoritative connection of userID. Any other live connection of the
// user is evicted and its state carried over; otherwise an unexpired offline record is restored.
func (r *Registry) Connect(userID, role, displayName, connID string, now time.Time) ConnectResult {
	var res ConnectResult
	sess := &Session{
		ConnID:      connID,
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
		Retention:   RetentionDefault,
		ConnectedAt: now,
	}

	if prev, ok := r.byUser[userID]; ok && prev != connID {
		old := r.byConn[prev]
		delete(r.byConn, prev)
		evicted := old.clone()
		res.Evicted = &evicted
		r.inherit(sess, old)
		res.Restored = true
	} else if rec, ok := r.offline[userID]; ok {
		delete(r.offline, userID)
		if !rec.Expired(now) {
			r.inherit(sess, &rec.Session)
			res.Restored = true
			res.PriorConnID = rec.Session.ConnID
		}
	}
	delete(r.forceDeleted, userID)

	r.byConn[connID] = sess
	r.byUser[userID] = connID
	res.Session = sess
	return res
}

func (r *Registry) inherit(dst, src *Session) {
	c := src.clone()
	dst.Position = c.Position
	dst.Safety = c.Safety
	dst.Retention = c.Retention
	if dst.DisplayName == "" {
		dst.DisplayName = c.DisplayName
	}
}

// Disconnect removes connID. Sessions marked force-deleted are purged; others become offline records.
// ok is false when connID is not an authoritative connection (unknown or already evicted).
func (r *Registry) Disconnect(connID string, now time.Time) (DisconnectResult, bool) {
	sess, ok := r.byConn[connID]
	if !ok {
		return DisconnectResult{}, false
	}
	delete(r.byConn, connID)
	if r.byUser[sess.UserID] == connID {
		delete(r.byUser, sess.UserID)
	}
	res := DisconnectResult{Session: sess.clone()}
	if _, purge := r.forceDeleted[sess.UserID]; purge {
		delete(r.forceDeleted, sess.UserID)
		return res, true
	}
	rec := &OfflineRecord{
		Session:        sess.clone(),
		DisconnectedAt: now,
		ExpiresAt:      ExpiryFor(sess.Retention, now),
	}
	r.offline[sess.UserID] = rec
	res.Record = rec
	return res, true
}

// Sweep removes and returns offline records expired at now, ordered by user id.
func (r *Registry) Sweep(now time.Time) []OfflineRecord {
	var out []OfflineRecord
	for id, rec := range r.offline {
		if rec.Expired(now) {
			out = append(out, *rec)
			delete(r.offline, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session.UserID < out[j].Session.UserID })
	return out
}

// MarkForceDeleted flags userID so its next disconnect purges without retention.
func (r *Registry) MarkForceDeleted(userID string) {
	r.forceDeleted[userID] = struct{}{}
}

// Purge drops every trace of userID. live is the removed live session, if any.
func (r *Registry) Purge(userID string) (live *Session, hadOffline bool) {
	if connID, ok := r.byUser[userID]; ok {
		live = r.byConn[connID]
		delete(r.byConn, connID)
		delete(r.byUser, userID)
	}
	_, hadOffline = r.offline[userID]
	delete(r.offline, userID)
	delete(r.forceDeleted, userID)
	return live, hadOffline
}

// Restore puts a previously known offline record back, used when loading persisted state.
func (r *Registry) Restore(rec OfflineRecord) {
	if _, live := r.byUser[rec.Session.UserID]; live {
		return
	}
	cp := rec
	r.offline[rec.Session.UserID] = &cp
}

// Session returns the live session for connID.
func (r *Registry) Session(connID string) (*Session, bool) {
	s, ok := r.byConn[connID]
	return s, ok
}

// ByUser returns the live session of userID.
func (r *Registry) ByUser(userID string) (*Session, bool) {
	connID, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	return r.byConn[connID], true
}

// Offline returns the unexpired offline record of userID. Expired records read as absent before the sweep runs.
func (r *Registry) Offline(userID string, now time.Time) (*OfflineRecord, bool) {
	rec, ok := r.offline[userID]
	if !ok || rec.Expired(now) {
		return nil, false
	}
	return rec, true
}

// Subject returns the mutable session of userID, live or retained offline. live reports which.
func (r *Registry) Subject(userID string, now time.Time) (sess *Session, live bool) {
	if s, ok := r.ByUser(userID); ok {
		return s, true
	}
	if rec, ok := r.Offline(userID, now); ok {
		return &rec.Session, false
	}
	return nil, false
}

// Online reports whether userID has a live connection.
func (r *Registry) Online(userID string) bool {
	_, ok := r.byUser[userID]
	return ok
}

// Live returns live sessions ordered by user id.
func (r *Registry) Live() []*Session {
	out := make([]*Session, 0, len(r.byConn))
	for _, s := range r.byConn {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OfflineRecords returns offline records unexpired at now, ordered by user id.
func (r *Registry) OfflineRecords(now time.Time) []*OfflineRecord {
	out := make([]*OfflineRecord, 0, len(r.offline))
	for _, rec := range r.offline {
		if !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session.UserID < out[j].Session.UserID })
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int { return len(r.byConn) }
