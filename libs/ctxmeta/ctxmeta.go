// Package ctxmeta carries request correlation metadata on the context,
// explicitly, instead of any ambient per-goroutine state. The pipeline
// treats the values as opaque strings.
package ctxmeta

import "context"

type ctxKey int

const ctxKeyMeta ctxKey = iota

// Meta is the correlation metadata propagated across HTTP and broker
// boundaries.
type Meta struct {
	CorrelationID string
	RequestID     string
	UserID        string
}

func With(ctx context.Context, meta Meta) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, meta)
}

func From(ctx context.Context) Meta {
	meta, _ := ctx.Value(ctxKeyMeta).(Meta)
	return meta
}

// Merge fills empty fields of m from other.
func (m Meta) Merge(other Meta) Meta {
	if m.CorrelationID == "" {
		m.CorrelationID = other.CorrelationID
	}
	if m.RequestID == "" {
		m.RequestID = other.RequestID
	}
	if m.UserID == "" {
		m.UserID = other.UserID
	}
	return m
}
