package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// sensitiveHeaders are never recorded verbatim on spans.
var sensitiveHeaders = []string{
	"authorization",
	"cookie",
	"x-api-key",
}

var safeHeaders = []string{
	"content-type",
	"content-length",
	"accept",
	"user-agent",
}

// TracingMiddleware starts a server span per request, continuing any trace
// context sent by the caller.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer("fieldcrypt/http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route := routeName(r)
			ctx, span := tracer.Start(ctx, spanName(r.Method, route),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
					semconv.URLPath(r.URL.Path),
					attribute.String("client.address", clientIP(r)),
				),
			)
			defer span.End()

			if id := RequestID(r.Context()); id != "" {
				span.SetAttributes(attribute.String("http.request_id", id))
			}
			addHeadersToSpan(span, r.Header, redactSensitive)

			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPResponseStatusCode(sw.statusCode))
			if sw.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(sw.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

func spanName(method, route string) string {
	return "HTTP " + method + " " + route
}

func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, h := range safeHeaders {
		if v := headers.Get(h); v != "" {
			span.SetAttributes(attribute.String("http.request.header."+h, v))
		}
	}
	for _, h := range sensitiveHeaders {
		v := headers.Get(h)
		if v == "" {
			continue
		}
		if redactSensitive {
			v = "[REDACTED]"
		}
		span.SetAttributes(attribute.String("http.request.header."+h, v))
	}
}
