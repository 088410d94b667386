package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"waypoint/internal/audit"
	"waypoint/internal/bridge"
	"waypoint/internal/consensus"
	"waypoint/internal/event"
	"waypoint/internal/state"
	"waypoint/internal/store"
)

// emitRoomMembers sends the current member list of code to its members.
func (e *Engine) emitRoomMembers(code string) {
	r, ok := e.st.Room(code)
	if !ok {
		return
	}
	e.router.EmitToUsers(e.st.MembersOf(code), event.New(event.RoomMembers, e.roomView(r)))
}

func (e *Engine) roomCreate(c caller, cr event.CreateRoom) error {
	now := e.now()
	code := cr.Code
	if code == "" {
		var err error
		if code, err = e.st.NewRoomCode(); err != nil {
			return fmt.Errorf("room code: %w", err)
		}
	} else if !state.ValidCode(code) {
		return ErrValidation
	}
	r, err := e.st.CreateRoom(code, cr.Name, c.userID, now)
	if errors.Is(err, state.ErrRoomExists) {
		return Public(ErrConflict, "room code already in use")
	}
	if err != nil {
		return err
	}
	row := state.Room{Code: r.Code, Name: r.Name, CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt}
	creator := store.Member{Room: code, UserID: c.userID, Role: r.Roles[c.userID]}
	userID := c.userID
	e.persist(event.KindCreateRoom, c.connID, func(ctx context.Context, s store.Store) error {
		if err := s.UpsertRoom(ctx, row); err != nil {
			return err
		}
		return s.UpsertMember(ctx, creator)
	}, func() {
		e.st.DeleteRoom(code)
		e.router.EmitToUsers([]string{userID}, event.New(event.RoomDeleted, RoomDeletedPayload{Code: code}))
	})
	e.publish(bridge.Delta{Op: bridge.OpRoomPut, Room: &row})
	e.publish(bridge.Delta{Op: bridge.OpMemberJoin, Code: code, UserID: userID})
	role := creator.Role
	e.publish(bridge.Delta{Op: bridge.OpRoleSet, Code: code, UserID: userID, Role: &role})

	e.router.EmitToUsers([]string{userID}, event.New(event.RoomCreated, e.roomView(r)))
	return nil
}

func (e *Engine) roomJoin(c caller, j event.JoinRoom) error {
	code, userID := j.Code, c.userID
	joined, err := e.st.Join(code, userID)
	if errors.Is(err, state.ErrRoomNotFound) {
		return Public(ErrNotFound, "room not found")
	}
	if err != nil {
		return err
	}
	if !joined {
		return errNoChange
	}
	member := store.Member{Room: code, UserID: userID, Role: state.Role{Role: state.MemberRole}}
	e.persist(event.KindJoinRoom, c.connID, func(ctx context.Context, s store.Store) error {
		return s.UpsertMember(ctx, member)
	}, func() {
		members := e.st.MembersOf(code)
		if e.st.Leave(code, userID) != nil {
			return
		}
		e.router.EmitToUsers(members, event.New(event.RoomLeft, RoomMemberPayload{Code: code, UserID: userID}))
		e.emitRoomMembers(code)
		e.regraph(members...)
	})
	e.publish(bridge.Delta{Op: bridge.OpMemberJoin, Code: code, UserID: userID})

	members := e.st.MembersOf(code)
	e.router.EmitToUsers(members, event.New(event.RoomJoined, RoomMemberPayload{Code: code, UserID: userID}))
	e.emitRoomMembers(code)
	e.regraph(members...)
	return nil
}

func (e *Engine) roomLeave(c caller, l event.LeaveRoom) error {
	now := e.now()
	code, userID := l.Code, c.userID
	r, ok := e.st.Room(code)
	if !ok {
		return Public(ErrNotFound, "room not found")
	}
	prev := r.Roles[userID]
	members := e.st.MembersOf(code)
	ballots := e.st.BallotsIn(code)
	if err := e.st.Leave(code, userID); err != nil {
		return Public(ErrNotFound, "not a member of this room")
	}
	e.persist(event.KindLeaveRoom, c.connID, func(ctx context.Context, s store.Store) error {
		return s.DeleteMember(ctx, code, userID)
	}, func() {
		if _, err := e.st.Join(code, userID); err != nil {
			return
		}
		_ = e.st.SetRole(code, userID, prev)
		e.st.RestoreBallots(code, userID, ballots)
		e.router.EmitToUsers(e.st.MembersOf(code), event.New(event.RoomJoined, RoomMemberPayload{Code: code, UserID: userID}))
		e.emitRoomMembers(code)
		e.regraph(members...)
	})
	e.publish(bridge.Delta{Op: bridge.OpMemberLeave, Code: code, UserID: userID})

	e.router.EmitToUsers(members, event.New(event.RoomLeft, RoomMemberPayload{Code: code, UserID: userID}))
	e.emitRoomMembers(code)
	for _, t := range e.authority.Reevaluate(code, now) {
		e.settle("", t, now)
	}
	e.regraph(members...)
	return nil
}

// settle announces a ballot tally to the room. A promotion is persisted and replicated; if the write
// fails the target reverts to member.
func (e *Engine) settle(actor string, t consensus.Tally, now time.Time) {
	members := e.st.MembersOf(t.Room)
	if t.Outcome == consensus.Pending {
		e.router.EmitToUsers(members, event.New(event.RoomAdminRequest, t))
		return
	}
	e.router.EmitToUsers(members, event.New(event.RoomAdminResult, t))
	if t.Outcome != consensus.Promoted {
		return
	}
	r, ok := e.st.Room(t.Room)
	if !ok {
		return
	}
	role := r.Roles[t.Target]
	code, target := t.Room, t.Target
	member := store.Member{Room: code, UserID: target, Role: role}
	e.persist("room-admin:promote", actor, func(ctx context.Context, s store.Store) error {
		return s.UpsertMember(ctx, member)
	}, func() {
		if e.st.SetRole(code, target, state.Role{Role: state.MemberRole}) == nil {
			e.emitRoomMembers(code)
		}
	})
	e.publish(bridge.Delta{Op: bridge.OpRoleSet, Code: code, UserID: target, Role: &role})
	meta := map[string]string{"room": code, "approvals": strconv.Itoa(t.Approvals), "eligible": strconv.Itoa(t.Eligible)}
	if role.ExpiresAt != nil {
		meta["expires_at"] = role.ExpiresAt.Format(time.RFC3339)
	}
	e.auditAction(target, audit.ActionAdminPromoted, "room_admin", meta)
	e.emitRoomMembers(code)
}

func (e *Engine) roomAdminRequest(c caller, r event.RequestRoomAdmin) error {
	now := e.now()
	if _, ok := e.st.Room(r.Code); !ok {
		return Public(ErrNotFound, "room not found")
	}
	t, err := e.authority.RequestAdmin(r.Code, c.userID, time.Duration(r.TTLMinutes)*time.Minute, now)
	switch {
	case errors.Is(err, consensus.ErrNotMember):
		return Public(ErrPermissionDenied, "not a member of this room")
	case errors.Is(err, consensus.ErrAlreadyAdmin), errors.Is(err, consensus.ErrBallotExists):
		return Public(ErrConflict, err.Error())
	case err != nil:
		return err
	}
	e.settle(c.connID, t, now)
	return nil
}

func (e *Engine) roomAdminVote(c caller, v event.VoteRoomAdmin) error {
	now := e.now()
	t, err := e.authority.Vote(v.Code, v.Target, c.userID, v.Approve, now)
	switch {
	case errors.Is(err, consensus.ErrNoBallot):
		return Public(ErrNotFound, "no open promotion request")
	case errors.Is(err, consensus.ErrSelfVote):
		return Public(ErrPermissionDenied, "cannot vote on own request")
	case errors.Is(err, consensus.ErrNotMember):
		return ErrPermissionDenied
	case err != nil:
		return err
	}
	e.settle(c.connID, t, now)
	return nil
}

func (e *Engine) roomAdminRevoke(c caller, r event.RevokeRoomAdmin) error {
	prev, err := e.authority.RevokeAdmin(r.Code, r.UserID, c.userID, e.now())
	switch {
	case errors.Is(err, state.ErrRoomNotFound):
		return Public(ErrNotFound, "room not found")
	case errors.Is(err, consensus.ErrNotAdmin):
		return Public(ErrNotFound, "user is not a room admin")
	case errors.Is(err, consensus.ErrRevokeNotAllowed):
		return Public(ErrPermissionDenied, "not allowed to revoke")
	case err != nil:
		return err
	}
	code, target := r.Code, r.UserID
	member := store.Member{Room: code, UserID: target, Role: state.Role{Role: state.MemberRole}}
	e.persist(event.KindRevokeRoomAdmin, c.connID, func(ctx context.Context, s store.Store) error {
		return s.UpsertMember(ctx, member)
	}, func() {
		if e.st.SetRole(code, target, prev) == nil {
			e.emitRoomMembers(code)
		}
	})
	role := member.Role
	e.publish(bridge.Delta{Op: bridge.OpRoleSet, Code: code, UserID: target, Role: &role})
	e.router.EmitToUsers(e.st.MembersOf(code), event.New(event.RoomAdminRevoked, RoomAdminPayload{
		Code: code, UserID: target, By: c.userID,
	}))
	e.emitRoomMembers(code)
	return nil
}

// collectRooms deletes rooms that have been empty past the retention window.
func (e *Engine) collectRooms(now time.Time) {
	retention := e.cfg.RoomRetention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	for _, code := range e.st.ExpiredRooms(now, retention) {
		e.st.DeleteRoom(code)
		e.persist("room:collect", "", func(ctx context.Context, s store.Store) error { return s.DeleteRoom(ctx, code) }, nil)
		e.publish(bridge.Delta{Op: bridge.OpRoomDelete, Code: code})
		e.log.Debug("engine: room collected", zap.String("code", code))
	}
}
