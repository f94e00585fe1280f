package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/denis-ea7/cluely-sub000/internal/capture"
	"github.com/denis-ea7/cluely-sub000/internal/config"
	"github.com/denis-ea7/cluely-sub000/internal/provider"
	"github.com/denis-ea7/cluely-sub000/internal/storage/sqlite"
	"github.com/denis-ea7/cluely-sub000/internal/websocket"
	"github.com/denis-ea7/cluely-sub000/pkg/logger"
)

// Router wraps the API handlers with route registration
type Router struct {
	handler *Handler
	config  *config.Config
}

// NewRouter creates a new API router
func NewRouter(captureService *capture.Service, providerRouter *provider.Router, transcriptStorage *sqlite.TranscriptStorage, cfg *config.Config, log *logger.Logger, wsServer *websocket.Server) *Router {
	return &Router{
		handler: NewHandler(captureService, providerRouter, transcriptStorage, cfg, log, wsServer),
		config:  cfg,
	}
}

// Routes returns the configured chi router
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(rt.corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", rt.handler.GetHealth)
		r.Get("/devices", rt.handler.GetDevices)

		r.Route("/capture", func(r chi.Router) {
			r.Post("/start", rt.handler.StartCapture)
			r.Post("/stop", rt.handler.StopCapture)
			r.Get("/status", rt.handler.GetCaptureStatus)
		})

		r.Get("/transcripts", rt.handler.GetTranscripts)

		r.Post("/generate", rt.handler.Generate)
		r.Route("/providers", func(r chi.Router) {
			r.Get("/status", rt.handler.GetProviderStatus)
			r.Post("/cloud", rt.handler.SwitchProviderToCloud)
		})
	})

	r.Get("/ws", rt.handler.HandleWebSocket)

	return r
}

// corsMiddleware applies the configured CORS policy
func (rt *Router) corsMiddleware(next http.Handler) http.Handler {
	allowed := rt.config.Server.CORSAllowedOrigins

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, o := range allowed {
				if o == "*" || o == origin {
					w.Header().Set("Access-Control-Allow-Origin", o)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
					break
				}
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
