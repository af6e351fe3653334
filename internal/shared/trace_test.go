package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestEnsureTraceID(t *testing.T) {
	ctx := EnsureTraceID(context.Background())
	first := TraceID(ctx)
	if first == "-" || first == "" {
		t.Fatalf("expected generated trace id, got %q", first)
	}
	if got := TraceID(EnsureTraceID(ctx)); got != first {
		t.Fatalf("trace id replaced: %q -> %q", first, got)
	}
}

func TestSessionAndTask_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if SessionKey(ctx) != "" || TaskID(ctx) != "" || TriggerSource(ctx) != "" {
		t.Fatal("expected empty values on bare context")
	}
	ctx = WithSessionKey(ctx, "telegram:42")
	ctx = WithTaskID(ctx, "deadbeef")
	ctx = WithTriggerSource(ctx, "scheduler:deadbeef")
	if got := SessionKey(ctx); got != "telegram:42" {
		t.Fatalf("session key = %q", got)
	}
	if got := TaskID(ctx); got != "deadbeef" {
		t.Fatalf("task id = %q", got)
	}
	if got := TriggerSource(ctx); got != "scheduler:deadbeef" {
		t.Fatalf("trigger source = %q", got)
	}
}

func TestCaller_RoundTrip(t *testing.T) {
	if _, ok := CallerFrom(context.Background()); ok {
		t.Fatal("empty context has no caller")
	}
	ctx := WithCaller(context.Background(), Caller{UserID: 42})
	c, ok := CallerFrom(ctx)
	if !ok || c.UserID != 42 || c.Owner {
		t.Fatalf("caller = %+v ok=%v", c, ok)
	}
}
