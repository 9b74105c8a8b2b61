package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	myMiddleware "kronos/internal/middleware"
	"kronos/internal/relay"
	"kronos/internal/user"
)

func newRouter(logger zerolog.Logger, origins []string, users *user.Service, userHandler *user.Handler, relayHandler *relay.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(myMiddleware.Logger(logger))
	r.Use(chimw.Recoverer)

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Public routes
	r.Post("/api/auth/register", userHandler.Register)
	r.Post("/api/auth/login", userHandler.Login)
	r.Get("/uploads/files/{id}", relayHandler.File)

	// Protected routes (bearer token, or ?token= for the websocket)
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.NewAuthMiddleware(users).Handle)
		r.Get("/api/me", userHandler.Me)
		r.Get("/api/users/search", userHandler.Search)
		relayHandler.Mount(r)
	})

	return r
}
