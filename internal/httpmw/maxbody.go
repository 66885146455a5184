package httpmw

import "net/http"

// MaxBody caps the request body forwarded upstream. Reads past n fail and the
// proxy answers 502, a handler reading the body itself can map the
// *http.MaxBytesError to 413. n <= 0 disables the cap.
func MaxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if n <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
