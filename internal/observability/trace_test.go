package observability

import (
	"context"
	"testing"
)

func TestNewTrace(t *testing.T) {
	tc := NewTrace()
	if tc.TraceID == "" {
		t.Fatal("trace id is empty")
	}
	if len(tc.TraceID) != 36 {
		t.Fatalf("trace id %q is not a UUID", tc.TraceID)
	}
	if tc.ParentSpanID != "" {
		t.Fatalf("fresh trace has parent %q", tc.ParentSpanID)
	}

	other := NewTrace()
	if other.TraceID == tc.TraceID {
		t.Fatal("two traces share an id")
	}
}

func TestNewSpanPromotesParent(t *testing.T) {
	parent := NewTrace()
	child := parent.NewSpan()

	if child.TraceID == parent.TraceID {
		t.Fatal("child did not mint a fresh id")
	}
	if child.ParentSpanID != parent.TraceID {
		t.Fatalf("child parent = %q, want %q", child.ParentSpanID, parent.TraceID)
	}

	grandchild := child.NewSpan()
	if grandchild.ParentSpanID != child.TraceID {
		t.Fatalf("grandchild parent = %q, want %q", grandchild.ParentSpanID, child.TraceID)
	}
}

func TestWithTraceRoundTrip(t *testing.T) {
	tc := NewTrace()
	ctx := WithTrace(context.Background(), tc)

	got, ok := TraceFromContext(ctx)
	if !ok {
		t.Fatal("trace context not found")
	}
	if got != tc {
		t.Fatalf("got %+v, want %+v", got, tc)
	}
	if GetTraceID(ctx) != tc.TraceID {
		t.Fatalf("log correlation id = %q, want %q", GetTraceID(ctx), tc.TraceID)
	}

	if _, ok := TraceFromContext(context.Background()); ok {
		t.Fatal("empty context reported a trace")
	}
}
