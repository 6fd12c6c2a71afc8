package main

import (
	"context"
	"flag"
	"log"

	"github.com/joho/godotenv"

	"github.com/herdvision/herdvision/internal/config"
	"github.com/herdvision/herdvision/internal/server"
	"github.com/herdvision/herdvision/internal/telemetry"
)

func main() {
	addrFlag := flag.String("addr", "", "HTTP listen address (overrides config)")
	configPath := flag.String("config", "herdvision.yaml", "Path to Herdvision config file")
	flag.Parse()

	// .env is optional; real environment values win over it.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	addr := cfg.Server.Addr
	if *addrFlag != "" {
		addr = *addrFlag
	}

	ctx := context.Background()
	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  "herdvision",
		Version:  cfg.Model.Version,
	})
	if err != nil {
		log.Fatalf("failed to set up telemetry: %v", err)
	}
	defer tel.Shutdown(ctx)

	srv := server.New(cfg, tel)

	log.Printf("Starting Herdvision on %s...", addr)
	if err := srv.Start(addr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
