package observability

import (
	"context"

	"github.com/google/uuid"
)

// TraceContext is the immutable correlation record carried through one turn
// or background job. NewSpan derives a child context by minting a fresh id
// and promoting the current id to the parent slot.
type TraceContext struct {
	TraceID      string `json:"trace_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// NewTrace creates a fresh trace context with a v4 UUID id.
func NewTrace() TraceContext {
	return TraceContext{TraceID: uuid.NewString()}
}

// NewSpan returns a child context: a new id with the old id as parent.
func (t TraceContext) NewSpan() TraceContext {
	return TraceContext{TraceID: uuid.NewString(), ParentSpanID: t.TraceID}
}

type traceCtxKey struct{}

// WithTrace attaches a trace context and its id (for log correlation) to ctx.
func WithTrace(ctx context.Context, tc TraceContext) context.Context {
	ctx = context.WithValue(ctx, traceCtxKey{}, tc)
	return WithTraceID(ctx, tc.TraceID)
}

// TraceFromContext returns the trace context attached to ctx, if any.
func TraceFromContext(ctx context.Context) (TraceContext, bool) {
	tc, ok := ctx.Value(traceCtxKey{}).(TraceContext)
	return tc, ok
}
