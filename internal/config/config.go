package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"golmm/internal/errors"
)

// Config represents the complete application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Data     DataConfig     `validate:"required"`
	Analysis AnalysisConfig `validate:"required"`
	Fitting  FittingConfig  `validate:"required"`
}

// DatabaseConfig holds database connection settings. URL may be empty, in
// which case the service runs on the in-memory ledger only.
type DatabaseConfig struct {
	URL     string
	SSLMode string
}

// ServerConfig holds web server settings
type ServerConfig struct {
	Port    string `validate:"required"`
	UIPort  string
	GinMode string
}

// DataConfig holds dataset ingestion settings
type DataConfig struct {
	// DataFile is the xlsx or csv file with one row per trial. Empty means
	// synthetic demo data from the test kit.
	DataFile string

	// Column mapping, matched case-insensitively against the header row.
	SubjectColumn   string
	ItemColumn      string
	ConditionColumn string
	ResponseColumn  string
	CorrectColumn   string
	RTColumn        string
}

// AnalysisConfig holds the data-preparation and testing surface
type AnalysisConfig struct {
	// ContrastSpecJSON is an inline JSON contrast specification (levels plus
	// named weight maps). Empty means default sum coding over observed levels.
	ContrastSpecJSON string

	// Response-time trimming bounds in milliseconds.
	RTLowerBound float64
	RTUpperBound float64

	// KeepIncorrect retains error trials instead of filtering to correct-only.
	KeepIncorrect bool

	// Transform is the outcome transform for gaussian fits:
	// identity, reciprocal or log.
	Transform string

	// Family/Link select a non-normal response distribution instead of a
	// transform: gaussian, binomial or gamma with identity, log, inverse
	// or logit.
	Family string
	Link   string

	// SignificanceLevel is the alpha for nested-model comparisons.
	SignificanceLevel float64
}

// FittingConfig holds optimizer and simplification settings
type FittingConfig struct {
	// OptimizerPanel is the ordered list of optimizer names used for
	// cross-optimizer verification.
	OptimizerPanel []string

	// PrimaryOptimizer runs first; RetryOptimizer is tried when the primary
	// fit carries convergence warnings.
	PrimaryOptimizer string
	RetryOptimizer   string

	// MaxEvaluations caps objective evaluations per optimizer run and acts
	// as the per-fit budget.
	MaxEvaluations int

	// RetryMaxEvaluations is the raised cap for the convergence retry.
	RetryMaxEvaluations int

	// PCANegligibleShare is the explained-variance share at or below which
	// a variance component counts as negligible.
	PCANegligibleShare float64

	// GradientTolerance bounds the deviance gradient norm at the optimum
	// before a fit is flagged with a convergence warning.
	GradientTolerance float64

	// LogLikTolerance is the relative log-likelihood agreement required by
	// cross-optimizer verification.
	LogLikTolerance float64

	// EstimateCorrelations estimates random-effect correlations; false
	// constrains them to zero.
	EstimateCorrelations bool

	// REML selects the restricted criterion for gaussian fits.
	REML bool

	// MaxWorkers bounds concurrent fits (optimizer panel, nested comparisons).
	MaxWorkers int

	// Seed drives every stochastic choice (starting points, synthetic data).
	Seed int64
}

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	config := &Config{}

	config.Database = loadDatabaseConfig()
	config.Server = loadServerConfig()
	config.Data = loadDataConfig()

	analysisConfig, err := loadAnalysisConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load analysis configuration")
	}
	config.Analysis = *analysisConfig

	fittingConfig, err := loadFittingConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load fitting configuration")
	}
	config.Fitting = *fittingConfig

	// Validate required fields
	if err := validateConfig(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return config, nil
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:     getEnvOrDefault("DATABASE_URL", ""),
		SSLMode: getEnvOrDefault("SSL_MODE", "disable"),
	}
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Port:    getEnvOrDefault("PORT", "8080"),
		UIPort:  getEnvOrDefault("UI_PORT", "8090"),
		GinMode: getEnvOrDefault("GIN_MODE", "debug"),
	}
}

func loadDataConfig() DataConfig {
	return DataConfig{
		DataFile:        getEnvOrDefault("DATA_FILE", ""),
		SubjectColumn:   getEnvOrDefault("COL_SUBJECT", "subject"),
		ItemColumn:      getEnvOrDefault("COL_ITEM", "item"),
		ConditionColumn: getEnvOrDefault("COL_CONDITION", "condition"),
		ResponseColumn:  getEnvOrDefault("COL_RESPONSE", ""),
		CorrectColumn:   getEnvOrDefault("COL_CORRECT", "correct"),
		RTColumn:        getEnvOrDefault("COL_RT", "rt"),
	}
}

func loadAnalysisConfig() (*AnalysisConfig, error) {
	transform := strings.ToLower(getEnvOrDefault("OUTCOME_TRANSFORM", "identity"))
	family := strings.ToLower(getEnvOrDefault("RESPONSE_FAMILY", "gaussian"))
	link := strings.ToLower(getEnvOrDefault("RESPONSE_LINK", ""))

	return &AnalysisConfig{
		ContrastSpecJSON:  getEnvOrDefault("CONTRAST_SPEC", ""),
		RTLowerBound:      getEnvFloatOrDefault("RT_LOWER_MS", 200),
		RTUpperBound:      getEnvFloatOrDefault("RT_UPPER_MS", 3000),
		KeepIncorrect:     getEnvBoolOrDefault("KEEP_INCORRECT", false),
		Transform:         transform,
		Family:            family,
		Link:              link,
		SignificanceLevel: getEnvFloatOrDefault("SIGNIFICANCE_LEVEL", 0.05),
	}, nil
}

func loadFittingConfig() (*FittingConfig, error) {
	panelCSV := getEnvOrDefault("OPTIMIZER_PANEL", "neldermead,bfgs,quadapprox")
	panel := splitCSV(panelCSV)
	if len(panel) == 0 {
		return nil, errors.ConfigInvalid("OPTIMIZER_PANEL must name at least one optimizer")
	}

	return &FittingConfig{
		OptimizerPanel:       panel,
		PrimaryOptimizer:     getEnvOrDefault("PRIMARY_OPTIMIZER", panel[0]),
		RetryOptimizer:       getEnvOrDefault("RETRY_OPTIMIZER", "quadapprox"),
		MaxEvaluations:       getEnvIntOrDefault("MAX_EVALUATIONS", 20000),
		RetryMaxEvaluations:  getEnvIntOrDefault("RETRY_MAX_EVALUATIONS", 200000),
		PCANegligibleShare:   getEnvFloatOrDefault("PCA_NEGLIGIBLE_SHARE", 1e-4),
		GradientTolerance:    getEnvFloatOrDefault("GRADIENT_TOLERANCE", 2e-3),
		LogLikTolerance:      getEnvFloatOrDefault("LOGLIK_TOLERANCE", 1e-3),
		EstimateCorrelations: getEnvBoolOrDefault("ESTIMATE_CORRELATIONS", true),
		REML:                 getEnvBoolOrDefault("REML", true),
		MaxWorkers:           getEnvIntOrDefault("MAX_WORKERS", 4),
		Seed:                 int64(getEnvIntOrDefault("SEED", 42)),
	}, nil
}

func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return errors.ConfigInvalid("server port is required")
	}
	if config.Analysis.RTLowerBound < 0 {
		return errors.ConfigInvalid("RT_LOWER_MS must be non-negative")
	}
	if config.Analysis.RTUpperBound <= config.Analysis.RTLowerBound {
		return errors.ConfigInvalid("RT_UPPER_MS must exceed RT_LOWER_MS")
	}
	if config.Analysis.SignificanceLevel <= 0 || config.Analysis.SignificanceLevel >= 1 {
		return errors.ConfigInvalid("SIGNIFICANCE_LEVEL must be in (0, 1)")
	}
	switch config.Analysis.Transform {
	case "identity", "reciprocal", "log":
	default:
		return errors.ConfigInvalid("OUTCOME_TRANSFORM must be identity, reciprocal or log")
	}
	switch config.Analysis.Family {
	case "gaussian", "binomial", "gamma":
	default:
		return errors.ConfigInvalid("RESPONSE_FAMILY must be gaussian, binomial or gamma")
	}
	if config.Fitting.MaxEvaluations <= 0 {
		return errors.ConfigInvalid("MAX_EVALUATIONS must be positive")
	}
	if config.Fitting.PCANegligibleShare < 0 || config.Fitting.PCANegligibleShare >= 1 {
		return errors.ConfigInvalid("PCA_NEGLIGIBLE_SHARE must be in [0, 1)")
	}
	if config.Fitting.MaxWorkers <= 0 {
		return errors.ConfigInvalid("MAX_WORKERS must be positive")
	}
	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// Duration parsing helper (for future use)
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
