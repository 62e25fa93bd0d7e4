package observability

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the tracer used for spans around outbound Trino calls. It is a
// package-level var rather than a constructor argument threaded everywhere,
// matching how otel itself expects tracers to be obtained (otel.Tracer is
// already a global registry lookup).
var Tracer = otel.Tracer("trino-lb")

// InjectTraceContext writes W3C tracecontext headers for ctx's current span
// onto req, so that the Trino coordinator's span nests under ours.
func InjectTraceContext(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// ExtractTraceContext reads W3C tracecontext headers from an inbound
// request (used by the event-listener ingest endpoint) and returns a
// context carrying the remote span.
func ExtractTraceContext(ctx context.Context, header http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
}

// StartSpan starts a child span named name under ctx's current span.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name)
}
