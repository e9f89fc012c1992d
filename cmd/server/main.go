package main

import (
	"log"

	"cat-emails/internal/app"
	"cat-emails/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := app.NewLogger(cfg.LogLevel)

	service, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize service: %v", err)
	}

	if err := service.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
