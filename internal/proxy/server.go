package proxy

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the proxy's HTTP surface: the two provider paths, the
// subscriber channel, health, and metrics.
func NewRouter(interceptor *Interceptor, ws http.Handler) *mux.Router {
	start := time.Now()

	r := mux.NewRouter()
	r.Handle("/v1/chat/completions", interceptor).Methods(http.MethodPost)
	r.Handle("/v1/messages", interceptor).Methods(http.MethodPost)
	r.Handle("/ws", ws).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"uptime": int64(time.Since(start).Seconds()),
		})
	}).Methods(http.MethodGet)

	return r
}
