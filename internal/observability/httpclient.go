package observability

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient wraps base's transport with otelhttp so every outbound call
// (WAHA session/typing/send requests, the embedding endpoint) produces a
// span attached to the trace that originated the pipeline turn. base's
// Timeout is preserved; only Transport is replaced.
func NewHTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	base.Transport = otelhttp.NewTransport(rt)
	return base
}
