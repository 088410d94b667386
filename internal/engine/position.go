package engine

import (
	"context"
	"time"

	"waypoint/internal/event"
	"waypoint/internal/ingest"
	"waypoint/internal/presence"
	"waypoint/internal/safety"
	"waypoint/internal/store"
)

func clientTime(s event.PositionSample, now time.Time) time.Time {
	if s.Timestamp.IsZero() {
		return now
	}
	return s.Timestamp.UTC()
}

// observe records s on sess and returns a safety cause raised by it. at is the instant the
// safety rules see the sample at.
func (e *Engine) observe(sess *presence.Session, s event.PositionSample, at, now time.Time) *safety.Cause {
	pos := presence.Position{
		Lat: s.Lat, Lng: s.Lng, Speed: s.Speed, Accuracy: s.Accuracy,
		ClientTS: clientTime(s, now), ServerTS: now,
	}
	sess.Position = &pos
	e.lastKnown[sess.UserID] = pos
	return sess.Safety.Observe(safety.Sample{Lat: s.Lat, Lng: s.Lng, Speed: s.Speed, At: at})
}

// publishPosition queues the session position for the next flush and the debounced write.
func (e *Engine) publishPosition(sess *presence.Session) {
	if sess.Position == nil {
		return
	}
	e.router.QueuePosition(sess.UserID, *sess.Position)
	e.persistQ.Mark(sess.UserID, *sess.Position)
}

func (e *Engine) positionSample(c caller, s event.PositionSample) error {
	now := e.now()
	if !e.cooldown.Allow(c.connID, now) {
		return ErrRateLimited
	}
	if cause := e.observe(c.sess, s, now, now); cause != nil {
		e.raiseSOS(c.sess, cause.Reason, cause.Type, now)
	}
	e.publishPosition(c.sess)
	return nil
}

// positionBatch replays samples buffered offline. Each entry is validated on its own; invalid ones
// are skipped. Only the final position is broadcast.
func (e *Engine) positionBatch(c caller, b event.PositionBatch) error {
	now := e.now()
	samples := ingest.PrepareReplay(b.Samples, e.cfg.ReplayMax, func(s event.PositionSample) time.Time {
		return clientTime(s, now)
	})
	applied := 0
	var cause *safety.Cause
	for _, s := range samples {
		if err := e.validator.Check(s); err != nil {
			continue
		}
		if got := e.observe(c.sess, s, clientTime(s, now), now); got != nil {
			cause = got
		}
		applied++
	}
	if applied == 0 {
		return ErrValidation
	}
	if cause != nil {
		e.raiseSOS(c.sess, cause.Reason, cause.Type, now)
	}
	e.publishPosition(c.sess)
	return nil
}

func (e *Engine) profileUpdate(c caller, p event.ProfileUpdate) error {
	now := e.now()
	sess := c.sess
	prevName, prevRetention := sess.DisplayName, sess.Retention
	if p.DisplayName == "" && p.Retention == "" {
		return errNoChange
	}
	if p.DisplayName != "" {
		sess.DisplayName = p.DisplayName
		e.st.UpsertUser(c.userID, p.DisplayName, "")
	}
	if p.Retention != "" {
		mode, ok := presence.ParseRetention(p.Retention)
		if !ok {
			return ErrValidation
		}
		sess.Retention = mode
		e.retention[c.userID] = mode
	}
	rec := store.UserRecord{ID: c.userID, DisplayName: sess.DisplayName, Role: sess.Role, Retention: sess.Retention}
	e.persist(c.kind, c.connID, func(ctx context.Context, s store.Store) error { return s.UpsertUser(ctx, rec) }, func() {
		if cur, ok := e.presence.ByUser(c.userID); ok {
			cur.DisplayName, cur.Retention = prevName, prevRetention
		}
		e.st.UpsertUser(c.userID, prevName, "")
		e.retention[c.userID] = prevRetention
		e.emitUser(c.userID, event.UserUpdated, e.now())
	})
	e.emitUser(c.userID, event.UserUpdated, now)
	return nil
}
