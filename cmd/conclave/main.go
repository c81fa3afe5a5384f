package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/nevindra/conclave/internal/app"
	"github.com/nevindra/conclave/internal/config"
)

// version is stamped at build time via -ldflags "-X main.version=v1.2.3".
var version = "dev"

func main() {
	// 1. Load environment and config. A missing .env is fine; real
	// environment variables win either way.
	_ = godotenv.Load()
	configPath := flag.String("config", os.Getenv("CONCLAVE_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg := config.Load(*configPath)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("conclave: invalid configuration: %v", err)
	}

	// 2. Wire the service
	a, err := app.New(context.Background(), &cfg, version)
	if err != nil {
		log.Fatalf("conclave: %v", err)
	}

	// 3. Serve until interrupted
	if err := a.RunWithSignal(); err != nil {
		log.Fatalf("conclave: %v", err)
	}
}
