// cmd/server/server.go
package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codr1/courtbook/internal/api"
	"github.com/codr1/courtbook/internal/api/admin"
	"github.com/codr1/courtbook/internal/api/apiutil"
	"github.com/codr1/courtbook/internal/api/bookings"
	"github.com/codr1/courtbook/internal/api/facilities"
	"github.com/codr1/courtbook/internal/api/slots"
	"github.com/codr1/courtbook/internal/config"
)

const healthTimeout = 2 * time.Second

type serverDeps struct {
	finder     slots.Finder
	courts     facilities.CourtFinder
	bookings   bookings.Lifecycle
	sweeper    admin.Sweeper
	adminToken string
	trustProxy bool
	health     func(ctx context.Context) error
}

func newServer(cfg *config.Config, deps serverDeps) *http.Server {
	router := http.NewServeMux()

	// Setup middleware chain
	handler := api.ChainMiddleware(
		router,
		api.WithLogging,
		api.WithRecovery,
		api.WithRequestID,
		api.WithContentType,
	)

	// Register routes
	registerRoutes(router, deps)

	return &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.App.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, deps serverDeps) {
	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if deps.health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := deps.health(ctx); err != nil {
				log.Ctx(r.Context()).Error().Err(err).Msg("Health check failed")
				apiutil.WriteErrorBody(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
				return
			}
		}
		_ = apiutil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Availability
	slotHandler := slots.NewHandler(deps.finder)
	mux.HandleFunc("GET /api/v1/slots/available", slotHandler.HandleAvailable)
	courtHandler := facilities.NewHandler(deps.courts)
	mux.HandleFunc("GET /api/v1/facilities/{id}/courts/available", courtHandler.HandleAvailableCourts)

	// Booking lifecycle
	bookingHandler := bookings.NewHandler(deps.bookings, deps.trustProxy)
	mux.HandleFunc("POST /api/v1/bookings", bookingHandler.HandleCreate)
	mux.HandleFunc("GET /api/v1/bookings/{id}", bookingHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/bookings/{id}/confirm", bookingHandler.HandleConfirm)
	mux.HandleFunc("POST /api/v1/bookings/{id}/cancel", bookingHandler.HandleCancel)

	// Admin routes
	adminHandler := admin.NewHandler(deps.bookings, deps.sweeper, nil)
	requireAdmin := api.WithAdminToken(deps.adminToken)
	mux.Handle("POST /api/v1/admin/bookings/{id}/cancel", requireAdmin(http.HandlerFunc(adminHandler.HandleCancel)))
	mux.Handle("POST /api/v1/admin/sweep", requireAdmin(http.HandlerFunc(adminHandler.HandleSweep)))
}
