package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// SetupRoutes returns the application router wrapped in panic recovery.
// metrics serves the Prometheus exposition on /metrics.
func SetupRoutes(hub *Hub, metrics http.Handler) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/", HealthHandler)
	router.HandleFunc("/test", TestPageHandler).Methods(http.MethodGet)
	router.HandleFunc("/ws", hub.ServeWS)
	router.HandleFunc("/api/chat/history/{peerId}", hub.HistoryHandler).Methods(http.MethodGet)
	if metrics != nil {
		router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	router.Use(handlers.ProxyHeaders)
	router.Use(RequestLogger(hub.logger))

	return handlers.RecoveryHandler()(router)
}

// RequestLogger logs every request routed through the application router.
func RequestLogger(logger *slog.Logger) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr, "user_agent", r.UserAgent())
			h.ServeHTTP(w, r)
		})
	}
}
