package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/classbank/exchange/internal/api"
	"github.com/classbank/exchange/internal/auth"
	"github.com/classbank/exchange/internal/config"
	"github.com/classbank/exchange/internal/db"
	"github.com/classbank/exchange/internal/engine"
	"github.com/classbank/exchange/internal/notify"
)

// Main entry point: sets up database, matching engine, and HTTP server
func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := config.Load()
	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	hub := notify.NewHub(log)
	hub.Start()
	defer hub.Stop()

	eng := engine.New(engine.Config{SelfTradePrevention: cfg.SelfTradePrevention}, database, hub, log)

	insts, err := database.GetInstruments(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load instruments")
	}
	for _, inst := range insts {
		eng.AddInstrument(inst)
	}
	log.Info().Int("instruments", len(insts)).Msg("market loaded")

	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.OpeningBalance)
	handler := api.NewHandler(eng, database, authService, hub, log, cfg.BasePoint)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/", handler.Routes())

	log.Info().Str("addr", cfg.Addr).Msg("starting server")
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}
