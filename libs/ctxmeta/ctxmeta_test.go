package ctxmeta

import (
	"context"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	meta := Meta{CorrelationID: "c1", RequestID: "r1", UserID: "u1"}
	ctx := With(context.Background(), meta)
	if got := From(ctx); got != meta {
		t.Fatalf("got %+v", got)
	}
}

func TestFromEmptyContext(t *testing.T) {
	if got := From(context.Background()); got != (Meta{}) {
		t.Fatalf("got %+v", got)
	}
}

func TestMergeFillsOnlyEmptyFields(t *testing.T) {
	m := Meta{CorrelationID: "keep"}
	got := m.Merge(Meta{CorrelationID: "other", RequestID: "r2", UserID: "u2"})
	want := Meta{CorrelationID: "keep", RequestID: "r2", UserID: "u2"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
