package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/cuongbtq/catalog-enricher/cmd/enricher-cli/commands"
)

func main() {
	// a missing .env is fine for the CLI
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.NewApp().Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
