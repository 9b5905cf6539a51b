package shared

import (
	"context"
	"testing"
)

func TestSessionID_DefaultsToDash(t *testing.T) {
	if got := SessionID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	id := NewSessionID()
	if got := SessionID(WithSessionID(context.Background(), id)); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestRequestID_RoundTripsThroughContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-7")
	if RequestID(ctx) != "req-7" {
		t.Fatalf("request id lost")
	}
	if RequestID(context.Background()) != "" {
		t.Fatalf("expected empty request id")
	}
}
