package observability

import (
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// RequestIDHeader carries the caller-supplied request id. When absent the
// middleware assigns one, and it is always echoed on the response so
// clients can quote it when reporting a failed inference.
const RequestIDHeader = "X-Request-ID"

// HTTPMiddleware traces the inference API surface. It resumes the trace
// from incoming W3C headers, opens a server span per request, stamps the
// request id on span and response, and records the outcome. With tracing
// disabled it only handles the request id.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, reqID)

		if !Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		ctx := ExtractHTTPHeaders(r.Context(), r.Header)
		ctx, span := StartServerSpan(ctx, r.Method+" "+r.URL.Path,
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
			attribute.String("http.host", r.Host),
			AttrRequestID.String(reqID),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(
			semconv.HTTPResponseStatusCode(rec.status),
			attribute.Int64("http.response_size", rec.written),
		)
		if rec.status >= 400 {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

// statusRecorder captures the status code and body size for the span. It
// forwards Flush so SSE streams keep flushing per chunk through the
// traced handler chain.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.written += int64(n)
	return n, err
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
