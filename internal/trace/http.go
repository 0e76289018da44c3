// Package trace - HTTP middleware for the control API.
package trace

import "net/http"

// TraceIDHeader carries an inbound trace id on control-API requests; the
// middleware echoes it (or the minted one) back on the response so clients
// can correlate.
const TraceIDHeader = "x-trace-id"

// Middleware tags each request with a trace at the "http" stage.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := Trace{ID: r.Header.Get(TraceIDHeader)}
		if t.ID == "" {
			t.ID = newID()
		}
		t = t.Hop("http")

		w.Header().Set(TraceIDHeader, t.ID)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), t)))
	})
}
