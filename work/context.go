package work

import "context"

type itemCtxKey struct{}

// ContextWithItem attaches the in-flight item to the context. The
// executor does this before invoking the handler so handlers that need
// attempt or budget information can reach it.
func ContextWithItem(ctx context.Context, it *Item) context.Context {
	return context.WithValue(ctx, itemCtxKey{}, it)
}

// ItemFromContext returns the in-flight item, if any.
func ItemFromContext(ctx context.Context) (*Item, bool) {
	it, ok := ctx.Value(itemCtxKey{}).(*Item)
	return it, ok
}
