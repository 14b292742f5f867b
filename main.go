package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stdlog "log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"
	"github.com/username/tradefolio/backend/src/config"
	"github.com/username/tradefolio/backend/src/database"
	"github.com/username/tradefolio/backend/src/engine"
	"github.com/username/tradefolio/backend/src/handlers"
	"github.com/username/tradefolio/backend/src/logger"
	"github.com/username/tradefolio/backend/src/services"
	"github.com/username/tradefolio/backend/src/storage/sqlitestore"
	"golang.org/x/time/rate"
)

func proxyHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-Proto") == "https" {
			r.URL.Scheme = "https"
			r.TLS = &tls.ConnectionState{}
		}
		next.ServeHTTP(w, r)
	})
}

var limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 30)

func initRateLimiter() {
	limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), config.Cfg.RateLimitBurst)
}

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			logger.L.Warn("Rate limit exceeded", "path", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigins := map[string]bool{
			"http://localhost:3000": true,
		}

		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Requested-With, X-User-ID")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// startExpirationSweep schedules the daily pass that flips option positions
// past their expiration date to expired for every user that still holds open
// option positions.
func startExpirationSweep(spec string, svc services.ReconciliationService) *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		rows, err := database.DB.QueryContext(ctx,
			`SELECT DISTINCT user_id FROM positions WHERE status = 'open' AND asset_type = 'option'`)
		if err != nil {
			logger.L.Error("Expiration sweep: listing users failed", "error", err)
			return
		}
		var userIDs []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				logger.L.Error("Expiration sweep: scanning user id failed", "error", err)
				return
			}
			userIDs = append(userIDs, id)
		}
		rows.Close()

		now := time.Now().UTC()
		for _, userID := range userIDs {
			result, err := svc.ProcessExpirations(ctx, userID, now)
			if err != nil {
				logger.L.Error("Expiration sweep failed for user", "userID", userID, "error", err)
				continue
			}
			if result.PositionsResolved > 0 {
				logger.L.Info("Expiration sweep resolved positions",
					"userID", userID, "positions", result.PositionsResolved)
			}
		}
	})
	if err != nil {
		stdlog.Fatalf("invalid expiration sweep spec %q: %v", spec, err)
	}
	c.Start()
	return c
}

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)
	initRateLimiter()

	logger.L.Info("Tradefolio reconciliation backend starting...")

	logger.L.Info("Initializing database...", "path", config.Cfg.DatabasePath)
	database.InitDB(config.Cfg.DatabasePath)
	database.RunMigrations(config.Cfg.DatabasePath)

	store := sqlitestore.New(database.DB)

	specCache := cache.New(config.Cfg.SpecCacheTTL, 2*config.Cfg.SpecCacheTTL)
	reportCache := cache.New(config.Cfg.ResultCacheTTL, 2*config.Cfg.ResultCacheTTL)

	matcher := engine.NewMatcher(store)
	resolver := engine.NewLifecycleResolver(store)
	detector := engine.NewStrategyDetector(store)
	translator := engine.NewCashFlowTranslator(store, specCache)

	reconciliationService := services.NewReconciliationService(
		store, matcher, resolver, detector, translator, reportCache)

	reconciliationHandler := handlers.NewReconciliationHandler(reconciliationService)

	sweep := startExpirationSweep(config.Cfg.ExpirationSweepSpec, reconciliationService)
	defer sweep.Stop()

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(handlers.ContextualLoggerMiddleware)
	r.Use(proxyHeadersMiddleware)
	r.Use(enableCORS)
	r.Use(rateLimitMiddleware)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": "Tradefolio reconciliation backend is running"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(handlers.UserContextMiddleware)

			r.Post("/reconcile", reconciliationHandler.HandleReconcile)
			r.Post("/reconcile/expirations", reconciliationHandler.HandleProcessExpirations)
			r.Get("/positions", reconciliationHandler.HandleGetPositions)
			r.Get("/strategies", reconciliationHandler.HandleGetStrategies)
			r.Get("/cash-ledger", reconciliationHandler.HandleGetCashLedger)
			r.Delete("/transactions/{id}", reconciliationHandler.HandleDeleteTransaction)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r)
		}
	})

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.L.Info("Server starting", "address", serverAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stdlog.Fatalf("Failed to start server: %v", err)
	}
}
