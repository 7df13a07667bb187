package validation

import (
	"mime"
	"net/http"

	"github.com/teilomillet/lindagate/errors"
)

// RequireJSON rejects bodies that declare a content type other than
// application/json with 415. Requests without a body or without a
// Content-Type header pass.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			if ct := r.Header.Get("Content-Type"); ct != "" {
				mt, _, err := mime.ParseMediaType(ct)
				if err != nil || mt != "application/json" {
					errors.WriteError(w, errors.NewUnsupportedMediaError(w.Header().Get("X-Request-ID"), ct))
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}
