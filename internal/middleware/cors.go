// Package middleware holds cross-cutting HTTP wrappers, adapted from
// the teacher's control_plane/middleware package (auth/tenant stripped:
// InferOps has no multi-tenancy or auth layer per the spec's non-goals,
// CORS and request logging carry over since they're ambient concerns).
package middleware

import "net/http"

// CORS allows cross-origin requests from a browser-based dashboard,
// ported near-verbatim from the teacher's CORSMiddleware.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
