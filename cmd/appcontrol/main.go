package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fleetops/appcontrol/internal/config"
	"github.com/fleetops/appcontrol/internal/middleware"
	"github.com/fleetops/appcontrol/internal/orchestrator"
)

func main() {
	log.Info().Msg("Starting appcontrol api server")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	srv, err := orchestrator.NewServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create orchestrator")
	}
	defer srv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv.Start(ctx)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.Authentication)
	if err := srv.UseApi(router); err != nil {
		log.Fatal().Err(err).Msg("bind task api failed.")
	}

	log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
	if err := router.Run(cfg.Server.BindAddr); err != nil {
		log.Fatal().Err(err).Msg("start appcontrol api server failed.")
	}
	log.Info().Msg("appcontrol api server exit...")
}
