package response

import "net/http"

// RequestIDFromRequest extracts the request id the middleware echoed onto
// the response headers, falling back to the inbound header.
func RequestIDFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Request-Id"); v != "" {
		return v
	}
	return r.Header.Get("X-Request-ID")
}
