package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordingTracer(t *testing.T) (*tracetest.InMemoryExporter, trace.Tracer) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, tp.Tracer("balance-test")
}

func TestStartSpan_NilTracerKeepsParent(t *testing.T) {
	t.Parallel()

	exporter, tracer := recordingTracer(t)
	parentCtx, parent := tracer.Start(context.Background(), "POST /update-balance")

	ctx, span := StartSpan(parentCtx, nil, "ledger.ApplyDelta")
	assert.Equal(t, parentCtx, ctx)
	assert.Equal(t, parent.SpanContext(), span.SpanContext())

	parent.End()
	assert.Len(t, exporter.GetSpans(), 1, "no child span without a tracer")

	_, orphan := StartSpan(context.Background(), nil, "bootstrap.EnsureBootstrapped")
	assert.False(t, orphan.SpanContext().IsValid())
	assert.NotPanics(t, func() { orphan.End() })
}

func TestStartSpan_ChildOfRequest(t *testing.T) {
	t.Parallel()

	exporter, tracer := recordingTracer(t)
	reqCtx, req := tracer.Start(context.Background(), "POST /update-balance")

	_, span := StartSpan(reqCtx, tracer, "ledger.ApplyDelta",
		trace.WithAttributes(AttrAccountID.Int64(1), AttrDelta.Int64(-2)),
	)
	span.SetAttributes(AttrOutcome.String("applied"), AttrBalance.Int64(9998))
	span.End()
	req.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	child := spans[0]
	assert.Equal(t, "ledger.ApplyDelta", child.Name)
	assert.Equal(t, req.SpanContext().SpanID(), child.Parent.SpanID())

	attrs := make(map[string]any)
	for _, kv := range child.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, map[string]any{
		"account.id":    int64(1),
		"balance.delta": int64(-2),
		"outcome":       "applied",
		"balance.value": int64(9998),
	}, attrs)
}

func TestRecordError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus codes.Code
		wantEvents int
	}{
		{name: "nil error leaves span untouched", err: nil, wantStatus: codes.Unset},
		{
			name:       "error hides details from status",
			err:        errors.New(`pq: password authentication failed for user "balance"`),
			wantStatus: codes.Error,
			wantEvents: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			exporter, tracer := recordingTracer(t)
			_, span := tracer.Start(context.Background(), "bootstrap.Step")
			RecordError(span, tt.err)
			span.End()

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			assert.Equal(t, tt.wantStatus, spans[0].Status.Code)
			require.Len(t, spans[0].Events, tt.wantEvents)
			if tt.wantEvents > 0 {
				assert.Equal(t, "operation failed", spans[0].Status.Description)
				assert.Equal(t, "exception", spans[0].Events[0].Name)
			}
		})
	}

	assert.NotPanics(t, func() { RecordError(nil, errors.New("lock timeout")) })
}
