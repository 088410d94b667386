package safety

import "time"

// SOSView is the outbound shape of an SOS. Acks is set only for privileged viewers
// (global admins and the subject); everyone else gets AckCount alone.
type SOSView struct {
	Active    bool       `json:"active"`
	Type      SOSType    `json:"type,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	AckCount  int        `json:"ackCount"`
	Acks      []Ack      `json:"acks,omitempty"`
}

// View shapes s for a viewer.
func (s SOS) View(privileged bool) SOSView {
	if !s.Active {
		return SOSView{}
	}
	started := s.StartedAt
	v := SOSView{
		Active:    true,
		Type:      s.Type,
		Reason:    s.Reason,
		StartedAt: &started,
		AckCount:  len(s.Acks),
	}
	if privileged {
		v.Acks = append([]Ack{}, s.Acks...)
	}
	return v
}
