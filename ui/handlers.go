package ui

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"golmm/domain/core"
	"golmm/ports"
)

// handleIndex renders the run table with coarse status counts
func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	records, err := a.reader.ListRuns(r.Context(), ports.RunFilters{Limit: 200})
	if err != nil {
		log.Printf("[UI] list runs: %v", err)
		http.Error(w, "Failed to load runs", http.StatusInternalServerError)
		return
	}
	a.renderTemplate(w, "index.html", buildIndexView(records))
}

// handleRunDetail renders one run with its report when the run has finished
func (a *App) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	runID := core.RunID(chi.URLParam(r, "id"))
	record, err := a.reader.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, core.ErrRunNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		log.Printf("[UI] get run %s: %v", runID, err)
		http.Error(w, "Failed to load run", http.StatusInternalServerError)
		return
	}

	view := runDetailView{
		Run:         buildRunRow(*record),
		Fingerprint: record.Fingerprint.String(),
		DatasetHash: record.DatasetHash.String(),
	}
	rep, err := a.reader.GetReportByRun(r.Context(), runID)
	switch {
	case err == nil:
		rv := buildReportView(*rep)
		view.Report = &rv
	case !errors.Is(err, core.ErrReportNotFound):
		log.Printf("[UI] report for run %s: %v", runID, err)
	}
	a.renderTemplate(w, "run.html", view)
}

// handleReportDocument renders the full report document as HTML
func (a *App) handleReportDocument(w http.ResponseWriter, r *http.Request) {
	runID := core.RunID(chi.URLParam(r, "id"))
	rep, err := a.reader.GetReportByRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, core.ErrReportNotFound) || errors.Is(err, core.ErrRunNotFound) {
			http.Error(w, "Report not found", http.StatusNotFound)
			return
		}
		log.Printf("[UI] report for run %s: %v", runID, err)
		http.Error(w, "Failed to load report", http.StatusInternalServerError)
		return
	}

	a.renderTemplate(w, "report.html", map[string]interface{}{
		"RunID":   rep.RunID.String(),
		"Formula": rep.Formula,
		"HTML":    renderMarkdown(rep.Markdown()),
	})
}

// handleReports renders the report archive, newest first
func (a *App) handleReports(w http.ResponseWriter, r *http.Request) {
	reports, err := a.reader.ListReports(r.Context(), 100, 0)
	if err != nil {
		log.Printf("[UI] list reports: %v", err)
		http.Error(w, "Failed to load reports", http.StatusInternalServerError)
		return
	}
	a.renderTemplate(w, "reports.html", buildReportListView(reports))
}
