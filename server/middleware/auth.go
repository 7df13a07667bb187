package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/teilomillet/lindagate/errors"
)

// ClientSecret requires X-Client-Secret to equal secret on requests that
// carry a body. An empty secret disables the check. GET, HEAD and OPTIONS
// pass so status probes and preflights work without it.
func ClientSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
			default:
				got := r.Header.Get("X-Client-Secret")
				if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
					errors.WriteError(w, errors.NewAuthError(GetRequestID(r.Context()), "Unauthorized", nil))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
