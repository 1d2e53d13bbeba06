package main

import (
	"context"
	"log"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"golmm/adapters/postgres"
	"golmm/app"
	"golmm/internal/config"
	"golmm/internal/container"
	"golmm/internal/testkit"
	"golmm/ports"
	"golmm/ui"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var reader ports.LedgerReaderPort
	if cfg.Database.URL != "" {
		db, err := sqlx.Connect("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		reader = postgres.NewLedgerRepository(db)
		log.Println("Exploring the PostgreSQL run ledger")
	} else {
		reader, err = seedDemoLedger(context.Background(), cfg)
		if err != nil {
			log.Fatalf("Failed to seed demo ledger: %v", err)
		}
		log.Println("DATABASE_URL not set, exploring a seeded in-memory demo ledger")
	}

	explorer, err := ui.NewApp(reader, ui.Config{Port: ":" + cfg.Server.UIPort})
	if err != nil {
		log.Fatal("Failed to create report explorer:", err)
	}
	log.Fatal(explorer.Start())
}

// seedDemoLedger fits one synthetic priming dataset into an in-memory
// ledger so the explorer has a complete run to show without a database.
func seedDemoLedger(ctx context.Context, cfg *config.Config) (ports.LedgerReaderPort, error) {
	appContainer, err := container.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := appContainer.InitInMemory(); err != nil {
		return nil, err
	}

	generator, err := testkit.NewTrialGenerator(testkit.DefaultTrialConfig())
	if err != nil {
		return nil, err
	}
	dataset, err := generator.GenerateTrials()
	if err != nil {
		return nil, err
	}

	if _, err := appContainer.Service.Analyze(ctx, app.AnalysisRequest{
		Dataset: &dataset,
		Options: appContainer.Options,
	}); err != nil {
		return nil, err
	}
	return appContainer.Ledger, nil
}
