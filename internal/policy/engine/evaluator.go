package engine

import "context"

// ManageInput holds the facts about an actor and a target that decide whether the actor may change
// the target's safety configuration.
type ManageInput struct {
	ActorID  string
	TargetID string
	// ActorIsAdmin is true when the actor holds the global admin role.
	ActorIsAdmin bool
	// SharedRoomAdmin is true when the actor is an unexpired admin of a room containing the target.
	SharedRoomAdmin bool
	// ActiveGuardian is true when the actor is an unexpired active guardian of the target.
	ActiveGuardian bool
}

// Evaluator decides manage permission.
type Evaluator interface {
	// CanManage reports whether the actor may configure the target's geofence, auto-rules or check-in.
	CanManage(ctx context.Context, in ManageInput) (bool, error)
}

// NativeManage is the built-in rule: any single grant suffices.
func NativeManage(in ManageInput) bool {
	return in.ActorID == in.TargetID || in.ActorIsAdmin || in.SharedRoomAdmin || in.ActiveGuardian
}

// NativeEvaluator evaluates NativeManage without a policy engine.
type NativeEvaluator struct{}

// CanManage implements Evaluator.
func (NativeEvaluator) CanManage(_ context.Context, in ManageInput) (bool, error) {
	return NativeManage(in), nil
}
