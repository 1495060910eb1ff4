package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the acting user's identity in context.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the acting user's identity from context.
// Returns an empty string when no identity was supplied.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorContextKey{}).(string)
	return actor
}
