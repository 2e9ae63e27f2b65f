package main

import (
	"os"

	"github.com/fox-gonic/fox"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fleetops/appcontrol/internal/admin"
	"github.com/fleetops/appcontrol/internal/config"
	"github.com/fleetops/appcontrol/internal/orchestrator/database"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Msg("Starting appcontrol admin server")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if addr := os.Getenv("ADMIN_PORT"); addr != "" {
		cfg.Server.AdminBindAddr = ":" + addr
	}

	db, err := database.New(cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	srv := admin.NewServer(db, database.NewTaskRepo(db))

	router := fox.New()
	srv.UseApi(router)

	log.Info().Msgf("Starting admin server on %s", cfg.Server.AdminBindAddr)
	if err := router.Run(cfg.Server.AdminBindAddr); err != nil {
		log.Fatal().Err(err).Msg("start admin server failed")
	}
}
