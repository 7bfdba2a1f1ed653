// Command seed fills the database with generated WhatsApp traffic.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"lopeswhatsapp/internal/config"
	"lopeswhatsapp/internal/database"
	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/normalizer"
	"lopeswhatsapp/internal/repository"
	"lopeswhatsapp/internal/seed"
	"lopeswhatsapp/internal/service"
)

func main() {
	conversations := flag.Int("conversations", 5, "number of conversations to generate")
	messages := flag.Int("messages", 8, "messages per conversation")
	seedValue := flag.Int64("seed", 0, "random seed, 0 picks one from the clock")
	days := flag.Int("days", 1, "how many days back the traffic starts")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatal("refusing to seed a production database")
	}
	middleware.ConfigureLogger(cfg.Env, cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	store := repository.NewStore(db)
	registry := service.NewPendingRegistry(store, nil, cfg.PendingGrace())
	reconciler := service.NewReconciler(store, registry, nil)

	seeder := seed.NewSeeder(normalizer.New(nil), reconciler, seed.Options{
		Conversations: *conversations,
		MessagesPer:   *messages,
		Instance:      cfg.InstanceName,
		Seed:          *seedValue,
		Start:         time.Now().AddDate(0, 0, -*days),
	})

	stats, err := seeder.Run(context.Background())
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	log.Printf("Seeding complete: %s", stats)
}
