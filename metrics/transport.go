package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// InstrumentedTransport wraps an outbound RoundTripper with metrics instrumentation
type InstrumentedTransport struct {
	Next http.RoundTripper
}

// NewInstrumentedTransport wraps next, defaulting to http.DefaultTransport
func NewInstrumentedTransport(next http.RoundTripper) *InstrumentedTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &InstrumentedTransport{Next: next}
}

// RoundTrip records count and duration for every request, labelling transport failures as status "error"
func (t *InstrumentedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	startTime := time.Now()

	resp, err := t.Next.RoundTrip(r)

	duration := time.Since(startTime).Seconds()
	host := r.URL.Host
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}

	OutboundRequestsTotal.WithLabelValues(host, r.Method, status).Inc()
	OutboundRequestDuration.WithLabelValues(host, r.Method).Observe(duration)
	return resp, err
}
