package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/classbank/exchange/internal/config"
	"github.com/classbank/exchange/internal/db"
	"github.com/classbank/exchange/internal/models"
)

// Seed the database with a demo classroom: a teacher account, a few
// student citizens, and the starting instruments.
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

	users := []struct {
		name    string
		role    string
		balance int64
	}{
		{"teacher", "teacher", 1_000_000},
		{"alice", "student", cfg.OpeningBalance},
		{"bob", "student", cfg.OpeningBalance},
		{"carol", "student", cfg.OpeningBalance},
	}

	for _, u := range users {
		if _, err := database.GetUserByUsername(ctx, u.name); err == nil {
			log.Info().Str("user", u.name).Msg("already exists, skipping")
			continue
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(u.name+"123"), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to hash password")
		}
		if _, err := database.CreateUser(ctx, u.name, string(hash), u.role, u.balance); err != nil {
			log.Fatal().Err(err).Str("user", u.name).Msg("failed to create user")
		}
		log.Info().Str("user", u.name).Str("role", u.role).Msg("created")
	}

	instruments := []models.Instrument{
		{ID: "chalk", Name: "Chalk Industries", CurrentPrice: 500, OpenPrice: 500, TotalShares: 1000},
		{ID: "eraser", Name: "Eraser Corp", CurrentPrice: 120, OpenPrice: 120, TotalShares: 5000},
		{ID: "globe", Name: "Globe Holdings", CurrentPrice: 2400, OpenPrice: 2400, TotalShares: 250},
	}
	for _, inst := range instruments {
		if err := database.UpsertInstrument(ctx, inst); err != nil {
			log.Fatal().Err(err).Str("instrument", inst.ID).Msg("failed to upsert instrument")
		}
		log.Info().Str("instrument", inst.ID).Msg("seeded")
	}

	fmt.Println("Successfully seeded the classroom market!")
}
