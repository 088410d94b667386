// Package safety implements the per-user safety state machine: SOS lifecycle,
// geofence breach detection with hysteresis, automatic no-movement and hard-stop
// rules, and check-in scheduling.
//
// A Profile is plain data owned by the caller (the presence session). Methods return
// what happened; minting watch tokens and fanning out notifications is left to the caller.
package safety

import (
	"math"
	"time"
)

// SOSType identifies what raised an SOS.
type SOSType string

const (
	SOSManual   SOSType = "manual"
	SOSAuto     SOSType = "auto"
	SOSGeofence SOSType = "geofence"
)

const (
	// MovingSpeed is the minimum speed that counts as movement for the no-movement rule.
	MovingSpeed = 0.8
	// HardStopFrom and HardStopTo bound the speed drop that arms the hard-stop timer.
	HardStopFrom = 25.0
	HardStopTo   = 2.0

	earthRadiusMeters = 6371000.0
)

// Ack is one acknowledgement of an active SOS.
type Ack struct {
	By string    `json:"by"`
	At time.Time `json:"at"`
}

// SOS is the alert state. Active false means Idle.
type SOS struct {
	Active    bool
	Reason    string
	Type      SOSType
	Token     string
	StartedAt time.Time
	Acks      []Ack
}

// Geofence is a circular boundary around a center point.
type Geofence struct {
	Enabled      bool    `json:"enabled"`
	Lat          float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng          float64 `json:"lng" validate:"gte=-180,lte=180"`
	RadiusMeters float64 `json:"radiusMeters" validate:"gte=0,lte=1000000"`
}

// AutoRules configures automatic SOS triggers.
type AutoRules struct {
	NoMoveEnabled   bool `json:"noMoveEnabled"`
	NoMoveMinutes   int  `json:"noMoveMinutes" validate:"gte=0,lte=1440"`
	HardStopEnabled bool `json:"hardStopEnabled"`
	HardStopMinutes int  `json:"hardStopMinutes" validate:"gte=0,lte=1440"`
}

// CheckIn configures periodic check-in requests.
type CheckIn struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"intervalMinutes" validate:"gte=0,lte=10080"`
	OverdueMinutes  int  `json:"overdueMinutes" validate:"gte=0,lte=10080"`
}

// Sample is an accepted position observation.
type Sample struct {
	Lat   float64
	Lng   float64
	Speed float64
	At    time.Time
}

// Cause describes an automatic trigger raised by Observe or Tick.
type Cause struct {
	Type   SOSType
	Reason string
}

// CheckInStatus reports newly raised check-in notices. Each flag is raised once per check-in cycle.
type CheckInStatus struct {
	Request bool
	Overdue bool
}

// Profile is the safety state of one user.
type Profile struct {
	SOS       SOS
	Geofence  Geofence
	AutoRules AutoRules
	CheckIn   CheckIn

	wasInside       *bool
	hasSample       bool
	lastSpeed       float64
	lastMovingAt    time.Time
	hardStopArmedAt time.Time

	lastCheckInAt    time.Time
	checkInRequested bool
	checkInOverdue   bool
}

// Clone returns a deep copy, used when freezing a session into an offline record.
func (p Profile) Clone() Profile {
	out := p
	if p.SOS.Acks != nil {
		out.SOS.Acks = append([]Ack(nil), p.SOS.Acks...)
	}
	if p.wasInside != nil {
		v := *p.wasInside
		out.wasInside = &v
	}
	return out
}

// Trigger moves Idle to SosActive. A geofence trigger on an already active SOS escalates its
// type (keeping the token); any other trigger while active is a no-op. Returns true on change.
func (p *Profile) Trigger(reason string, typ SOSType, token string, now time.Time) bool {
	if p.SOS.Active {
		if typ == SOSGeofence && p.SOS.Type != SOSGeofence {
			p.SOS.Type = SOSGeofence
			p.SOS.Reason = reason
			return true
		}
		return false
	}
	p.SOS = SOS{Active: true, Reason: reason, Type: typ, Token: token, StartedAt: now}
	return true
}

// Cancel moves SosActive to Idle and returns the watch token to delete.
// Automatic rule clocks restart so a stale timer does not immediately re-trigger.
func (p *Profile) Cancel(now time.Time) (string, bool) {
	if !p.SOS.Active {
		return "", false
	}
	token := p.SOS.Token
	p.SOS = SOS{}
	p.lastMovingAt = now
	p.hardStopArmedAt = time.Time{}
	return token, true
}

// Ack records an acknowledgement once per identity. Returns false if inactive or already acked by.
func (p *Profile) Ack(by string, now time.Time) bool {
	if !p.SOS.Active || by == "" {
		return false
	}
	for _, a := range p.SOS.Acks {
		if a.By == by {
			return false
		}
	}
	p.SOS.Acks = append(p.SOS.Acks, Ack{By: by, At: now})
	return true
}

// SetGeofence replaces the geofence; the inside flag is re-seeded by the next sample.
func (p *Profile) SetGeofence(g Geofence) {
	p.Geofence = g
	p.wasInside = nil
}

// SetAutoRules replaces the auto rules and restarts their clocks at now.
func (p *Profile) SetAutoRules(r AutoRules, now time.Time) {
	p.AutoRules = r
	p.lastMovingAt = now
	p.hardStopArmedAt = time.Time{}
}

// SetCheckIn replaces the check-in config and starts a fresh cycle at now.
func (p *Profile) SetCheckIn(c CheckIn, now time.Time) {
	p.CheckIn = c
	p.CheckedIn(now)
}

// CheckedIn records a check-in acknowledgement at now.
func (p *Profile) CheckedIn(now time.Time) {
	p.lastCheckInAt = now
	p.checkInRequested = false
	p.checkInOverdue = false
}

// Observe evaluates an accepted sample: geofence transitions, movement tracking and
// hard-stop arming. A non-nil Cause is returned only on an inside→outside transition.
func (p *Profile) Observe(s Sample) *Cause {
	var cause *Cause
	if p.Geofence.Enabled && p.Geofence.RadiusMeters > 0 {
		inside := Distance(p.Geofence.Lat, p.Geofence.Lng, s.Lat, s.Lng) <= p.Geofence.RadiusMeters
		if p.wasInside != nil && *p.wasInside && !inside {
			cause = &Cause{Type: SOSGeofence, Reason: "geofence breach"}
		}
		p.wasInside = &inside
	}

	if s.Speed > MovingSpeed || p.lastMovingAt.IsZero() {
		p.lastMovingAt = s.At
	}
	switch {
	case p.hasSample && p.lastSpeed > HardStopFrom && s.Speed < HardStopTo:
		p.hardStopArmedAt = s.At
	case !p.hardStopArmedAt.IsZero() && s.Speed >= HardStopTo:
		p.hardStopArmedAt = time.Time{}
	}
	p.lastSpeed = s.Speed
	p.hasSample = true
	return cause
}

// Tick evaluates the timer-driven auto rules at now. Returns a Cause when one fires.
// Nothing fires while an SOS is already active.
func (p *Profile) Tick(now time.Time) *Cause {
	if p.SOS.Active {
		return nil
	}
	r := p.AutoRules
	if r.HardStopEnabled && !p.hardStopArmedAt.IsZero() &&
		now.Sub(p.hardStopArmedAt) >= time.Duration(r.HardStopMinutes)*time.Minute {
		p.hardStopArmedAt = time.Time{}
		return &Cause{Type: SOSAuto, Reason: "hard stop detected"}
	}
	if r.NoMoveEnabled && r.NoMoveMinutes > 0 && !p.lastMovingAt.IsZero() &&
		now.Sub(p.lastMovingAt) > time.Duration(r.NoMoveMinutes)*time.Minute {
		return &Cause{Type: SOSAuto, Reason: "no movement detected"}
	}
	return nil
}

// CheckInDue returns the check-in notices newly due at now. It never touches SOS state.
func (p *Profile) CheckInDue(now time.Time) CheckInStatus {
	var st CheckInStatus
	c := p.CheckIn
	if !c.Enabled || c.IntervalMinutes <= 0 || p.lastCheckInAt.IsZero() {
		return st
	}
	elapsed := now.Sub(p.lastCheckInAt)
	if !p.checkInRequested && elapsed >= time.Duration(c.IntervalMinutes)*time.Minute {
		p.checkInRequested = true
		st.Request = true
	}
	if c.OverdueMinutes > 0 && !p.checkInOverdue && elapsed >= time.Duration(c.OverdueMinutes)*time.Minute {
		p.checkInOverdue = true
		st.Overdue = true
	}
	return st
}

// LastCheckIn returns the time of the last check-in (or config change).
func (p *Profile) LastCheckIn() time.Time { return p.lastCheckInAt }

// Distance returns the haversine great-circle distance in meters.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
