package credential

import "context"

type unauthenticatedKey struct{}

// Unauthenticated marks ctx so requests made with it are sent without a
// credential and never trigger a refresh. Issuance calls carry it.
func Unauthenticated(ctx context.Context) context.Context {
	return context.WithValue(ctx, unauthenticatedKey{}, true)
}

func IsUnauthenticated(ctx context.Context) bool {
	v, _ := ctx.Value(unauthenticatedKey{}).(bool)
	return v
}
