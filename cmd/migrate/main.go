// migrate applies the embedded schema migrations to DATABASE_URL.
package main

import (
	"flag"
	"os"

	"sessionguard/internal/config"
	"sessionguard/internal/db/migrate"
	"sessionguard/internal/logging"
)

func main() {
	direction := flag.String("direction", migrate.Up, "Migration direction: up or down")
	list := flag.Bool("list", false, "List embedded migration versions and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, "info", "production").Fatal().Err(err).Msg("config")
	}
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.Env)

	if *list {
		versions, err := migrate.Versions()
		if err != nil {
			log.Fatal().Err(err).Msg("list migrations")
		}
		log.Info().Interface("versions", versions).Msg("embedded migrations")
		return
	}

	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		log.Fatal().Err(err).Str("direction", *direction).Msg("migrate")
	}
	log.Info().Str("direction", *direction).Msg("migrations applied")
}
