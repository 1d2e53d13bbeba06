package container

import (
	"context"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"

	"golmm/adapters/excel"
	"golmm/adapters/memory"
	"golmm/adapters/optim"
	"golmm/adapters/postgres"
	"golmm/app"
	"golmm/internal/api"
	"golmm/internal/config"
	"golmm/internal/lmm"
	"golmm/internal/pipeline"
	"golmm/ports"
)

// CodeVersion tags run fingerprints; release builds override it through
// -ldflags "-X golmm/internal/container.CodeVersion=...".
var CodeVersion = "dev"

// Container holds all application dependencies and manages their lifecycle
type Container struct {
	Config *config.Config

	// Infrastructure
	DB *sqlx.DB

	// Ports
	Ledger ports.LedgerPort
	Reader ports.TrialReaderPort

	// Progress streaming
	Hub *api.SSEHub

	// Fitting stack
	Fitter   *lmm.Fitter
	Pipeline *pipeline.Pipeline

	// Application surface
	Service *app.AnalysisService
	Options app.AnalysisOptions
}

// New creates a new dependency injection container
func New(cfg *config.Config) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	return &Container{Config: cfg}, nil
}

// InitWithDatabase wires the container onto the PostgreSQL run ledger
func (c *Container) InitWithDatabase(db *sqlx.DB) error {
	if db == nil {
		return fmt.Errorf("database connection cannot be nil")
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("database connection test failed: %w", err)
	}

	c.DB = db
	c.Ledger = postgres.NewLedgerRepository(db)

	if err := c.initComponents(); err != nil {
		return err
	}
	log.Printf("Container initialized with PostgreSQL run ledger")
	return nil
}

// InitInMemory wires the container onto the in-memory run ledger. Runs and
// reports do not survive a restart.
func (c *Container) InitInMemory() error {
	c.Ledger = memory.NewLedger()

	if err := c.initComponents(); err != nil {
		return err
	}
	log.Printf("Container initialized with in-memory run ledger")
	return nil
}

// initComponents wires everything above the ledger
func (c *Container) initComponents() error {
	c.Reader = excel.NewDataReader()
	c.Hub = api.NewSSEHub()

	c.Fitter = lmm.NewFitter(optim.NewFactory(),
		lmm.WithPrimaryOptimizer(c.Config.Fitting.PrimaryOptimizer),
		lmm.WithMaxEvaluations(c.Config.Fitting.MaxEvaluations),
		lmm.WithGradientTolerance(c.Config.Fitting.GradientTolerance),
	)
	c.Pipeline = pipeline.New(c.Fitter, c.Ledger, c.pipelineConfig(),
		pipeline.WithProgress(c.Hub))

	options, err := app.OptionsFromConfig(c.Config)
	if err != nil {
		return fmt.Errorf("failed to map analysis options: %w", err)
	}
	c.Options = options

	c.Service = app.NewAnalysisService(c.Reader, c.Pipeline, c.Ledger, nil)
	return nil
}

// pipelineConfig maps the fitting section of the configuration onto the
// pipeline knobs.
func (c *Container) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		PrimaryOptimizer:    c.Config.Fitting.PrimaryOptimizer,
		RetryOptimizer:      c.Config.Fitting.RetryOptimizer,
		OptimizerPanel:      c.Config.Fitting.OptimizerPanel,
		MaxEvaluations:      c.Config.Fitting.MaxEvaluations,
		RetryMaxEvaluations: c.Config.Fitting.RetryMaxEvaluations,
		PCANegligibleShare:  c.Config.Fitting.PCANegligibleShare,
		LogLikTolerance:     c.Config.Fitting.LogLikTolerance,
		SignificanceLevel:   c.Config.Analysis.SignificanceLevel,
		MaxWorkers:          c.Config.Fitting.MaxWorkers,
		Seed:                c.Config.Fitting.Seed,
		CodeVersion:         CodeVersion,
	}
}

// Shutdown gracefully shuts down all components
func (c *Container) Shutdown(ctx context.Context) error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
