package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"golmm/adapters/postgres/migrations"
	"golmm/internal/api"
	"golmm/internal/config"
	"golmm/internal/container"
	"golmm/internal/errors"
)

// initDatabase connects to PostgreSQL and brings the ledger schema up to date
func initDatabase(appConfig *config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", appConfig.Database.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping database")
	}

	// Run migrations
	migrator := migrations.NewMigrator(db.DB)
	if err := migrator.Up(context.Background()); err != nil {
		return nil, errors.Wrap(err, "database migration failed")
	}

	return db, nil
}

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	appConfig, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	gin.SetMode(appConfig.Server.GinMode)

	appContainer, err := container.New(appConfig)
	if err != nil {
		log.Fatalf("Failed to create application container: %v", err)
	}
	defer appContainer.Shutdown(context.Background())

	if appConfig.Database.URL != "" {
		db, err := initDatabase(appConfig)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer db.Close()

		if err := appContainer.InitWithDatabase(db); err != nil {
			log.Fatalf("Failed to initialize container: %v", err)
		}
	} else {
		log.Println("DATABASE_URL not set, keeping runs in memory only")
		if err := appContainer.InitInMemory(); err != nil {
			log.Fatalf("Failed to initialize container: %v", err)
		}
	}

	handler := api.NewRunHandler(appContainer.Service, appContainer.Options)
	router := api.NewRouter(handler, appContainer.Hub)

	log.Printf("🚀 Starting analysis server on port %s", appConfig.Server.Port)
	log.Fatal(router.Run(":" + appConfig.Server.Port))
}
