package middleware

import (
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/teilomillet/lindagate/errors"
)

// Origins is the CORS allow-list. It can be replaced while serving.
type Origins struct {
	set atomic.Pointer[map[string]bool]
}

// NewOrigins creates an allow-list.
func NewOrigins(origins []string) *Origins {
	o := &Origins{}
	o.Set(origins)
	return o
}

// Set replaces the allow-list.
func (o *Origins) Set(origins []string) {
	m := make(map[string]bool, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			m[origin] = true
		}
	}
	o.set.Store(&m)
}

// Empty reports whether no allow-list is configured.
func (o *Origins) Empty() bool {
	return len(*o.set.Load()) == 0
}

// Allowed reports whether origin is on the list.
func (o *Origins) Allowed(origin string) bool {
	return (*o.set.Load())[origin]
}

// OriginGuard rejects browser requests whose Origin is not allow-listed
// with 403. Requests without Origin are server-to-server and pass. With
// an empty allow-list every request passes and no CORS headers are set.
func OriginGuard(origins *Origins, allowedHeaders []string) func(http.Handler) http.Handler {
	headers := strings.Join(allowedHeaders, ", ")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || origins.Empty() {
				next.ServeHTTP(w, r)
				return
			}
			if !origins.Allowed(origin) {
				errors.WriteError(w, errors.NewOriginError(GetRequestID(r.Context()), origin))
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			if headers != "" {
				w.Header().Set("Access-Control-Allow-Headers", headers)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SameOrigin admits a request when its Origin, or the origin of its
// Referer if Origin is absent, is the serving host itself. Requests with
// neither header pass. The check is skipped while an allow-list is
// configured; OriginGuard decides then.
func SameOrigin(origins *Origins) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !origins.Empty() || sameOrigin(r) {
				next.ServeHTTP(w, r)
				return
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = r.Header.Get("Referer")
			}
			errors.WriteError(w, errors.NewOriginError(GetRequestID(r.Context()), origin))
		})
	}
}

func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	referer := r.Header.Get("Referer")
	if origin == "" && referer == "" {
		return true
	}
	host := r.Host
	if host == "" {
		return false
	}

	allowed := map[string]bool{
		"https://" + host: true,
		"http://" + host:  true,
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		allowed[proto+"://"+host] = true
	}

	if origin != "" {
		return allowed[originOf(origin)]
	}
	return allowed[originOf(referer)]
}

// originOf reduces a URL to scheme://host[:port], or "" when it is not
// an absolute URL.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + u.Host
}

// Methods answers OPTIONS with 204 and the allowed methods, and rejects
// every other method not in allowed with 405 and an Allow header.
func Methods(allowed ...string) func(http.Handler) http.Handler {
	set := make(map[string]bool, len(allowed))
	for _, m := range allowed {
		set[strings.ToUpper(m)] = true
	}
	allow := strings.Join(append(append([]string{}, allowed...), http.MethodOptions), ", ")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				w.Header().Set("Allow", allow)
				w.Header().Set("Access-Control-Allow-Methods", allow)
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if !set[r.Method] {
				errors.WriteError(w, errors.NewMethodError(GetRequestID(r.Context()), r.Method, allowed))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
