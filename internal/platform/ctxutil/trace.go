package ctxutil

import "context"

// TraceData carries the request-scoped trace/request identifiers threaded
// through middleware -> handlers -> structured logs.
type TraceData struct {
	TraceID   string
	RequestID string
}

type traceDataKey struct{}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	val := ctx.Value(traceDataKey{})
	if td, ok := val.(*TraceData); ok {
		return td
	}
	return nil
}

// OwnerData carries the authenticated owner identity (spec §6.2: an opaque
// string, not a structured user/session pair — there is no per-user session
// concept in this service, only per-owner job scoping).
type OwnerData struct {
	OwnerID string
}

type ownerDataKey struct{}

func WithOwnerData(ctx context.Context, od *OwnerData) context.Context {
	return context.WithValue(ctx, ownerDataKey{}, od)
}

func GetOwnerData(ctx context.Context) *OwnerData {
	val := ctx.Value(ownerDataKey{})
	if od, ok := val.(*OwnerData); ok {
		return od
	}
	return nil
}
