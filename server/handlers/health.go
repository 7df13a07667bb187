package handlers

import (
	"net/http"
	"strings"

	"github.com/teilomillet/lindagate/server/provider"
)

// isoMillis is the timestamp layout of the health answer.
const isoMillis = "2006-01-02T15:04:05.000Z"

// HealthResponse reports which credentials are present. Providers holds the
// observed state of every provider called since start.
type HealthResponse struct {
	OK        bool                             `json:"ok"`
	Checks    map[string]bool                  `json:"checks"`
	TS        string                           `json:"ts"`
	Providers map[string]provider.HealthStatus `json:"providers,omitempty"`
	Rules     string                           `json:"rules,omitempty"`
}

// Health answers 200 with ok set when every required variable is present.
// Optional variables are reported but do not affect ok.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		OK:     true,
		Checks: make(map[string]bool, len(h.cfg.Health.Required)+len(h.cfg.Health.Optional)),
		TS:     h.now().UTC().Format(isoMillis),
		Rules:  h.filter.Version(),
	}
	for _, name := range h.cfg.Health.Required {
		set := h.isSet(name)
		resp.Checks[name] = set
		resp.OK = resp.OK && set
	}
	for _, name := range h.cfg.Health.Optional {
		resp.Checks[name] = h.isSet(name)
	}

	if names := h.client.Providers(); len(names) > 0 {
		resp.Providers = make(map[string]provider.HealthStatus, len(names))
		for _, name := range names {
			if st, ok := h.client.HealthStatus(name); ok {
				resp.Providers[name] = st
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) isSet(name string) bool {
	return strings.TrimSpace(h.getenv(name)) != ""
}
