package deal

import "context"

// Actor is the user performing an operation
type Actor struct {
	UserID string
	Role   Role
}

// System is the actor for operations nobody initiated interactively
var System = Actor{UserID: "system", Role: RoleAdmin}

type actorKey struct{}

// WithActor stores the acting user in the context
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the acting user stored in the context
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok && a.UserID != ""
}
