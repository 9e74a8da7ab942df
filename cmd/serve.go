package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wave-social/ripple/internal/engine"
	"github.com/wave-social/ripple/internal/geo"
)

var servePort int

// locationReporter is the slice of the engine the HTTP layer needs.
type locationReporter interface {
	ReportLocation(ctx context.Context, userID string, loc geo.Coordinate, partyMode bool, now time.Time) (*engine.Result, error)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the location reporting server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := migrateSchemas(ctx, env); err != nil {
			return err
		}

		router := newRouter(env.Engine, env.Metrics.Handler())

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newRouter(reporter locationReporter, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metricsHandler)
	r.Post("/api/location", handleLocation(reporter))

	return r
}

type locationRequest struct {
	UserID string `json:"userId"`

	// Pointers distinguish an absent coordinate from a real (0,0) report.
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	PartyMode bool     `json:"partyMode"`
}

func (req *locationRequest) validate() error {
	if req.UserID == "" {
		return eris.New("userId is required")
	}
	if req.Latitude == nil || req.Longitude == nil {
		return eris.New("latitude and longitude are required")
	}
	if math.IsNaN(*req.Latitude) || *req.Latitude < -90 || *req.Latitude > 90 {
		return eris.New("latitude must be between -90 and 90")
	}
	if math.IsNaN(*req.Longitude) || *req.Longitude < -180 || *req.Longitude > 180 {
		return eris.New("longitude must be between -180 and 180")
	}
	return nil
}

func handleLocation(reporter locationReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req locationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if err := req.validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		loc := geo.Coordinate{Latitude: *req.Latitude, Longitude: *req.Longitude}
		result, err := reporter.ReportLocation(r.Context(), req.UserID, loc, req.PartyMode, time.Now().UTC())
		if err != nil {
			zap.L().Error("location report failed",
				zap.String("user_id", req.UserID),
				zap.Error(err),
			)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
