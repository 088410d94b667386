package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"waypoint/internal/audit"
	"waypoint/internal/event"
	"waypoint/internal/presence"
	"waypoint/internal/relation"
	"waypoint/internal/safety"
	"waypoint/internal/sharelink"
	"waypoint/internal/telemetry"
)

const defaultSOSReason = "SOS"

// raiseSOS activates or escalates sess's SOS. A new SOS mints a one-hour watch link whose raw token is
// sent to the subject only. It returns false when nothing changed.
func (e *Engine) raiseSOS(sess *presence.Session, reason string, typ safety.SOSType, now time.Time) bool {
	userID := sess.UserID
	if sess.Safety.SOS.Active {
		if !sess.Safety.Trigger(reason, typ, "", now) {
			// Every breach is recorded even when it changes nothing.
			if typ == safety.SOSGeofence {
				e.emitSafetyTelemetry(sess, typ, reason)
			}
			return false
		}
		e.emitSOS(sess, "")
		e.emitSafetyTelemetry(sess, typ, reason)
		return true
	}
	raw, link, err := e.links.Issue(sharelink.KindWatch, userID, sharelink.WatchTTL)
	if err != nil {
		e.log.Error("engine: watch link", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	sess.Safety.Trigger(reason, typ, link.Hash, now)
	e.storeLink("sos:watch-link", "", link, nil)

	e.emitSOS(sess, raw)
	e.emitSafetyTelemetry(sess, typ, reason)
	if typ != safety.SOSManual {
		e.auditAction(userID, audit.ActionSOSTriggered, "sos", map[string]string{"type": string(typ), "reason": reason})
	}
	e.updateGauges()
	return true
}

// sosAudience is who receives sess's SOS updates. A geofence SOS ignores the visibility graph and
// reaches the subject, its contacts and every global admin; other types go to the visibility audience
// plus contacts.
func (e *Engine) sosAudience(sess *presence.Session) relation.Set {
	userID := sess.UserID
	var aud relation.Set
	if sess.Safety.SOS.Type == safety.SOSGeofence {
		aud = relation.SetOf(e.st.Admins()...)
		aud[userID] = struct{}{}
	} else {
		aud = e.router.Audience(userID, true)
	}
	for c := range e.st.Contacts.Neighbors(userID) {
		aud[c] = struct{}{}
	}
	return aud
}

// emitSOS sends sos:update shaped per viewer: acknowledgement identities go to admins and the subject
// only, everyone else sees the count. watchToken, when set, is added for the subject.
func (e *Engine) emitSOS(sess *presence.Session, watchToken string) {
	e.emitSOSTo(sess, e.sosAudience(sess), watchToken)
}

func (e *Engine) emitSOSTo(sess *presence.Session, aud relation.Set, watchToken string) {
	userID := sess.UserID
	var pos *presence.Position
	if sess.Position != nil {
		p := *sess.Position
		pos = &p
	}
	e.router.EmitShaped(aud, func(viewer string) (event.Outbound, bool) {
		p := SOSPayload{UserID: userID, SOS: sess.Safety.SOS.View(e.privileged(viewer, userID)), Position: pos}
		if viewer == userID {
			p.WatchToken = watchToken
		}
		return event.New(event.SOSUpdate, p), true
	})
	e.router.EmitToOwnedChannels(userID, sharelink.KindWatch, event.New(event.SOSUpdate, SOSPayload{
		UserID: userID, SOS: sess.Safety.SOS.View(false), Position: pos,
	}))
}

func (e *Engine) emitSafetyTelemetry(sess *presence.Session, typ safety.SOSType, reason string) {
	t := telemetry.TypeSOSTriggered
	if typ == safety.SOSGeofence {
		t = telemetry.TypeGeofenceBreach
	}
	e.telemetryEvent(sess, t, string(typ), reason)
}

func (e *Engine) telemetryEvent(sess *presence.Session, eventType, sosType, reason string) {
	if e.telemetry == nil {
		return
	}
	ev := &telemetry.SafetyEvent{
		EventType: eventType,
		UserID:    sess.UserID,
		SOSType:   sosType,
		Reason:    reason,
		Source:    "engine",
		CreatedAt: e.now(),
	}
	if sess.Position != nil {
		lat, lng := sess.Position.Lat, sess.Position.Lng
		ev.Lat, ev.Lng = &lat, &lng
	}
	telemetry.EmitAsync(e.telemetry, ev, e.log)
}

func (e *Engine) sosTrigger(c caller, t event.TriggerSOS) error {
	reason := t.Reason
	if reason == "" {
		reason = defaultSOSReason
	}
	if !e.raiseSOS(c.sess, reason, safety.SOSManual, e.now()) {
		return errNoChange
	}
	return nil
}

func (e *Engine) sosCancel(c caller, _ event.CancelSOS) error {
	now := e.now()
	sess := c.sess
	aud := e.sosAudience(sess)
	prevType := sess.Safety.SOS.Type
	hash, ok := sess.Safety.Cancel(now)
	if !ok {
		return errNoChange
	}
	e.emitSOSTo(sess, aud, "")
	if hash != "" {
		e.closeLink(hash, sharelink.KindWatch, "cancelled")
	}
	e.telemetryEvent(sess, telemetry.TypeSOSCancelled, string(prevType), "")
	e.updateGauges()
	return nil
}

func (e *Engine) sosAck(c caller, a event.AckSOS) error {
	target, ok := e.subject(a.UserID)
	if !ok || !target.Safety.SOS.Active {
		return Public(ErrNotFound, "no active SOS for user")
	}
	if a.UserID != c.userID && !e.graph.CanSee(c.userID, a.UserID) && !e.st.Contacts.Has(c.userID, a.UserID) {
		return ErrPermissionDenied
	}
	if !target.Safety.Ack(c.userID, e.now()) {
		return errNoChange
	}
	e.emitSOS(target, "")
	e.telemetryEvent(target, telemetry.TypeSOSAcknowledged, string(target.Safety.SOS.Type), "")
	return nil
}

// managed resolves the session whose safety settings c wants to change, gated by CanManage.
func (e *Engine) managed(c caller, userID string) (*presence.Session, error) {
	if userID == "" || userID == c.userID {
		return c.sess, nil
	}
	ctx, cancel := context.WithTimeout(e.ctx, 200*time.Millisecond)
	defer cancel()
	if !e.authority.CanManage(ctx, c.userID, userID, e.now()) {
		return nil, Public(ErrPermissionDenied, "not allowed to manage this user")
	}
	sess, ok := e.subject(userID)
	if !ok {
		return nil, Public(ErrNotFound, "user has no session")
	}
	return sess, nil
}

// emitSafetyConfig tells the subject and the actor about a settings change.
func (e *Engine) emitSafetyConfig(sess *presence.Session, by string) {
	p := SafetyConfigPayload{
		UserID:      sess.UserID,
		By:          by,
		Geofence:    sess.Safety.Geofence,
		AutoRules:   sess.Safety.AutoRules,
		CheckIn:     sess.Safety.CheckIn,
		LastCheckIn: timePtr(sess.Safety.LastCheckIn()),
	}
	e.router.EmitToUsers(dedupe(sess.UserID, by), event.New(event.SafetyConfig, p))
}

func (e *Engine) setGeofence(c caller, g event.SetGeofence) error {
	sess, err := e.managed(c, g.UserID)
	if err != nil {
		return err
	}
	sess.Safety.SetGeofence(g.Geofence)
	e.emitSafetyConfig(sess, c.userID)
	return nil
}

func (e *Engine) setAutoRules(c caller, r event.SetAutoRules) error {
	sess, err := e.managed(c, r.UserID)
	if err != nil {
		return err
	}
	sess.Safety.SetAutoRules(r.Rules, e.now())
	e.emitSafetyConfig(sess, c.userID)
	return nil
}

func (e *Engine) setCheckIn(c caller, ci event.SetCheckIn) error {
	sess, err := e.managed(c, ci.UserID)
	if err != nil {
		return err
	}
	sess.Safety.SetCheckIn(ci.CheckIn, e.now())
	e.emitSafetyConfig(sess, c.userID)
	return nil
}

func (e *Engine) checkInAck(c caller, _ event.CheckInAck) error {
	c.sess.Safety.CheckedIn(e.now())
	e.emitSafetyConfig(c.sess, c.userID)
	return nil
}

// tickSafety evaluates the auto rules and check-in timers of every live session. Retained offline
// sessions keep their check-in clock running so a missed check-in still reaches admins and the live-link
// audience; auto rules are not evaluated for them since no samples arrive while offline.
func (e *Engine) tickSafety() {
	now := e.now()
	for _, sess := range e.presence.Live() {
		if cause := sess.Safety.Tick(now); cause != nil {
			e.raiseSOS(sess, cause.Reason, cause.Type, now)
		}
		e.tickCheckIn(sess, now, true)
	}
	for _, rec := range e.presence.OfflineRecords(now) {
		e.tickCheckIn(&rec.Session, now, false)
	}
}

func (e *Engine) tickCheckIn(sess *presence.Session, now time.Time, live bool) {
	due := sess.Safety.CheckInDue(now)
	p := CheckInPayload{UserID: sess.UserID, LastCheckIn: timePtr(sess.Safety.LastCheckIn())}
	if due.Request && live {
		e.router.EmitToUsers([]string{sess.UserID}, event.New(event.CheckInRequest, p))
	}
	if due.Overdue {
		out := event.New(event.CheckInOverdue, p)
		e.router.EmitToAdmins(out)
		e.router.EmitToOwnedChannels(sess.UserID, sharelink.KindLive, out)
		e.telemetryEvent(sess, telemetry.TypeCheckInOverdue, "", "check-in overdue")
	}
}
