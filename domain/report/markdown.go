package report

import (
	"fmt"
	"math"
	"strings"
)

// Markdown renders the report as a markdown document for the explorer UI and
// the CLI summary output.
func (r ModelReport) Markdown() string {
	var b strings.Builder

	b.WriteString("# Model Report\n\n")
	b.WriteString(fmt.Sprintf("**Formula:** `%s`\n\n", r.Formula))
	b.WriteString(fmt.Sprintf("**Family:** %s (%s link) | **Outcome:** %s\n\n", r.Family, r.Link, r.Outcome))
	b.WriteString(fmt.Sprintf("**Observations:** %d across %d subjects and %d items\n\n",
		r.NumObs, r.Subjects, r.Items))

	if r.Provisional {
		b.WriteString("> **Provisional fit.** No optimizer converged cleanly; estimates below come from the best attempt and should not be trusted without follow-up.\n\n")
	}

	b.WriteString("## Fixed Effects\n\n")
	b.WriteString("| Term | Estimate | Std. Error | z | p |\n")
	b.WriteString("|------|---------:|-----------:|----:|----:|\n")
	for _, row := range r.FixedEffects {
		b.WriteString(fmt.Sprintf("| %s | %.4f | %.4f | %.3f | %s%s |\n",
			row.Term, row.Estimate, row.StdError, row.Statistic,
			formatP(row.PValue), significanceMark(row.Significant)))
	}
	b.WriteString(fmt.Sprintf("\nSignificance assessed at α = %.3g.\n\n", r.Alpha))

	b.WriteString("## Fit Indices\n\n")
	b.WriteString("| AIC | BIC | logLik | Deviance | R²m | R²c |\n")
	b.WriteString("|----:|----:|-------:|---------:|----:|----:|\n")
	b.WriteString(fmt.Sprintf("| %.2f | %.2f | %.2f | %.2f | %.3f | %.3f |\n\n",
		r.Indices.AIC, r.Indices.BIC, r.Indices.LogLik, r.Indices.Deviance,
		r.Indices.R2Marginal, r.Indices.R2Conditional))

	b.WriteString("## Random Effects\n\n")
	for _, re := range r.Random {
		b.WriteString(fmt.Sprintf("**%s**\n\n", re.Grouping))
		b.WriteString("| Term | Std. Dev |\n|------|---------:|\n")
		for i, term := range re.Terms {
			b.WriteString(fmt.Sprintf("| %s | %.4f |\n", displayTerm(term), re.StdDevs[i]))
		}
		b.WriteString("\n")
	}

	if len(r.Reductions) > 0 {
		b.WriteString("## Structure Reductions\n\n")
		for _, red := range r.Reductions {
			b.WriteString(fmt.Sprintf("- Pass %d: dropped random slope `%s` for %s (weakest component share %.2g)\n",
				red.Iteration, red.DroppedSlope, red.Grouping, red.SmallestShare))
		}
		b.WriteString("\n")
	}

	if len(r.Comparisons) > 0 {
		b.WriteString("## Term Comparisons\n\n")
		b.WriteString("| Term | χ² | df | p | Retained |\n")
		b.WriteString("|------|---:|---:|----:|:--------:|\n")
		for _, c := range r.Comparisons {
			kept := "no"
			if c.Retained {
				kept = "yes"
			}
			b.WriteString(fmt.Sprintf("| %s | %.3f | %d | %s | %s |\n",
				c.Term, c.Statistic, c.DF, formatP(c.PValue), kept))
		}
		b.WriteString("\n")
	}

	if len(r.Panel) > 0 {
		b.WriteString("## Optimizer Panel\n\n")
		b.WriteString("| Optimizer | Converged | logLik | Evaluations |\n")
		b.WriteString("|-----------|:---------:|-------:|------------:|\n")
		for _, p := range r.Panel {
			status := "yes"
			if !p.Converged {
				status = "no"
				if p.Failure != "" {
					status = fmt.Sprintf("no (%s)", p.Failure)
				}
			}
			b.WriteString(fmt.Sprintf("| %s | %s | %.4f | %d |\n",
				p.Name, status, p.LogLik, p.Evaluations))
		}
		b.WriteString("\n")
	}

	if len(r.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, w := range r.Warnings {
			b.WriteString(fmt.Sprintf("- **%s**: %s\n", w.Code, w.Message))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Data Preparation\n\n")
	t := r.Trimming
	b.WriteString(fmt.Sprintf("%d trials ingested; %d incorrect removed, %d outside [%.0f, %.0f] ms; %d analyzed.\n",
		t.TotalTrials, t.IncorrectRemoved, t.OutOfBounds, t.LowerBound, t.UpperBound, t.Remaining))

	return b.String()
}

// displayTerm renders the random-intercept placeholder readably
func displayTerm(term string) string {
	if term == "1" {
		return "(Intercept)"
	}
	return term
}

func significanceMark(significant bool) string {
	if significant {
		return " *"
	}
	return ""
}

// formatP keeps tiny p-values legible instead of printing 0.0000
func formatP(p float64) string {
	switch {
	case math.IsNaN(p):
		return "NA"
	case p < 1e-4:
		return fmt.Sprintf("%.2e", p)
	default:
		return fmt.Sprintf("%.4f", p)
	}
}
