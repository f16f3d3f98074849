package filterapi

import (
	"net/http"
	"net/http/httputil"
)

// traceTransport is an http.RoundTripper that logs the request and response
// while delegating the real work to another http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
}

// RoundTrip logs a dump of the request and response around the delegate's
// round trip. The API key is redacted.
func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	logged := req.Clone(req.Context())
	if logged.Header.Get("X-Api-Key") != "" {
		logged.Header.Set("X-Api-Key", "REDACTED")
	}
	// Headers only, so the outgoing body stays unread.
	if dump, err := httputil.DumpRequestOut(logged, false); err == nil {
		log.Tracef("%s", dump)
	}

	resp, err := t.delegate.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if dump, err := httputil.DumpResponse(resp, true); err == nil {
		log.Tracef("%s", dump)
	}

	return resp, nil
}

func wrapTrace(d http.RoundTripper) http.RoundTripper {
	return &traceTransport{delegate: d}
}
