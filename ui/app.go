package ui

import (
	"embed"
	"fmt"
	"html/template"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"golmm/ports"
)

//go:embed templates/* static/*
var embeddedFiles embed.FS

// App is the report explorer: a read-only web view over the run ledger
// and its model reports.
type App struct {
	router    *chi.Mux
	reader    ports.LedgerReaderPort
	templates *template.Template
	addr      string
}

// Config holds explorer configuration
type Config struct {
	Port string
}

// NewApp creates the explorer over a ledger reader
func NewApp(reader ports.LedgerReaderPort, config Config) (*App, error) {
	funcMap := template.FuncMap{
		"pct": func(v float64) string { return fmt.Sprintf("%.1f%%", v*100) },
	}
	templates, err := template.New("").Funcs(funcMap).ParseFS(embeddedFiles, "templates/*.html", "templates/fragments/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	addr := config.Port
	if addr == "" {
		addr = ":8080"
	}

	app := &App{
		router:    chi.NewRouter(),
		reader:    reader,
		templates: templates,
		addr:      addr,
	}

	app.setupMiddleware()
	app.setupRoutes()

	return app, nil
}

// setupMiddleware configures HTTP middleware
func (a *App) setupMiddleware() {
	a.router.Use(middleware.Logger)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Compress(5))

	// Embedded paths already carry the static/ prefix, so no strip is needed.
	a.router.Handle("/static/*", http.FileServer(http.FS(embeddedFiles)))
}

// setupRoutes configures the explorer routes
func (a *App) setupRoutes() {
	a.router.Get("/", a.handleIndex)
	a.router.Get("/runs/{id}", a.handleRunDetail)
	a.router.Get("/runs/{id}/report", a.handleReportDocument)
	a.router.Get("/reports", a.handleReports)
}

// Start starts the HTTP server
func (a *App) Start() error {
	log.Printf("Starting report explorer on %s", a.addr)
	return http.ListenAndServe(a.addr, a.router)
}

// Template helpers
func (a *App) renderTemplate(w http.ResponseWriter, templateName string, data interface{}) {
	w.Header().Set("Content-Type", "text/html")
	if err := a.templates.ExecuteTemplate(w, templateName, data); err != nil {
		log.Printf("Template error: %v", err)
		http.Error(w, "Template error", http.StatusInternalServerError)
	}
}
