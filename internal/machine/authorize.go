package machine

import "context"

// OwnerAuthorizer allows admins, the starting user, and teammates of the
// owning team. Platforms with richer RBAC plug in their own Authorizer.
type OwnerAuthorizer struct{}

var _ Authorizer = OwnerAuthorizer{}

func (OwnerAuthorizer) CanManage(_ context.Context, actor Actor, inst Instance) error {
	if actor.Admin {
		return nil
	}
	if actor.UserID != "" && actor.UserID == inst.UserID {
		return nil
	}
	if inst.TeamID != "" && actor.TeamID == inst.TeamID {
		return nil
	}
	return ErrNotAllowed
}
