package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// LogRequests logs every handled request with its status and duration.
func LogRequests(log *zap.Logger) mux.MiddlewareFunc {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			log.Info("handled",
				zap.String("method", request.Method),
				zap.String("url", request.URL.String()),
				zap.Duration("duration", m.Duration),
				zap.Int("status", m.Code),
			)
		})
	}
}

// Router serves the websocket endpoint, health and metrics.
func (g *Gateway) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(LogRequests(g.log.Named("http")))
	r.Methods(http.MethodGet).Path("/sync").Handler(g)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(g.health)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	return r
}

func (g *Gateway) health(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(map[string]interface{}{
		"origin":      g.opts.Origin,
		"sessions":    g.registry.Len(),
		"connections": g.Connections(),
		"head":        g.Head(),
	}); err != nil {
		g.log.Error("failed to write", zap.Error(err))
	}
}
