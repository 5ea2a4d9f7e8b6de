package ai

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient builds the outbound client shared by provider adapters. The
// otelhttp transport makes every provider call visible in traces; name
// prefixes the span so providers are distinguishable.
func NewHTTPClient(name string, timeout time.Duration) *http.Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("%s %s %s", name, r.Method, r.URL.Host)
		}),
	)
	return &http.Client{Timeout: timeout, Transport: transport}
}
