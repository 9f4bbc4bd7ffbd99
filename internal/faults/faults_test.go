package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_WrappedChain(t *testing.T) {
	base := Input("seq.validate", "symbol %q not in alphabet", "1")
	wrapped := fmt.Errorf("load request: %w", base)
	if got := KindOf(wrapped); got != KindInput {
		t.Fatalf("kind=%v", got)
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatalf("plain error should be unknown")
	}
}

func TestIsKind_NestedFaults(t *testing.T) {
	inner := Resource("scorer.dial", "connect refused")
	outer := Wrap(KindPartial, "panel.unit", inner)
	if !IsKind(outer, KindPartial) {
		t.Fatalf("outer kind missing")
	}
	if !IsKind(outer, KindResource) {
		t.Fatalf("inner kind missing")
	}
	if IsKind(outer, KindNumerical) {
		t.Fatalf("unexpected kind match")
	}
}

func TestFatal_OnlyConfigAndResource(t *testing.T) {
	if !Fatal(Config("config.load", "steps must be >= 1")) {
		t.Fatalf("config should be fatal")
	}
	if !Fatal(Resource("store.open", "dial")) {
		t.Fatalf("resource should be fatal")
	}
	if Fatal(Input("synergy.positions", "out of range")) {
		t.Fatalf("input should not be fatal")
	}
	if Fatal(nil) {
		t.Fatalf("nil should not be fatal")
	}
}

func TestError_MessageShape(t *testing.T) {
	err := Numerical("attribution.integrate", "non-finite gradient at point %d", 7)
	want := "attribution.integrate: numerical: non-finite gradient at point 7"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
}
