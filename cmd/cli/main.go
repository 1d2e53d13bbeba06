package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"golmm/app"
	"golmm/domain/observation"
	"golmm/internal/config"
	"golmm/internal/container"
	"golmm/internal/testkit"
	"golmm/ports"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "golmm",
		Short: "Mixed-effects analysis for trial-level reaction time and accuracy data",
	}

	rootCmd.AddCommand(
		newAnalyzeCmd(),
		newDemoCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newAnalyzeCmd() *cobra.Command {
	var (
		contrastJSON  string
		family        string
		transform     string
		keepIncorrect bool
		output        string
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "analyze [data-file]",
		Short: "Run one analysis to completion and write the report",
		Long: `Run the full fitting pipeline on a trial-level dataset.

The file may be .xlsx or .csv with one row per trial. Column names come
from the COL_* environment variables and are matched case-insensitively;
trimming bounds, contrast coding and the response family come from the
same environment surface and can be overridden per invocation.

Example: golmm analyze trials.xlsx --transform log --output report.md`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if contrastJSON != "" {
				cfg.Analysis.ContrastSpecJSON = contrastJSON
			}
			if family != "" {
				cfg.Analysis.Family = family
			}
			if transform != "" {
				cfg.Analysis.Transform = transform
			}
			if cmd.Flags().Changed("keep-incorrect") {
				cfg.Analysis.KeepIncorrect = keepIncorrect
			}
			return runAnalyze(cmd.Context(), cfg, args[0], output, asJSON)
		},
	}

	cmd.Flags().StringVar(&contrastJSON, "contrast", "", "Inline JSON contrast specification")
	cmd.Flags().StringVar(&family, "family", "", "Response family: gaussian|binomial|gamma")
	cmd.Flags().StringVar(&transform, "transform", "", "Outcome transform for gaussian fits: identity|reciprocal|log")
	cmd.Flags().BoolVar(&keepIncorrect, "keep-incorrect", false, "Keep error trials instead of filtering to correct-only")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the report to this file instead of stdout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the report as JSON instead of markdown")

	return cmd
}

func newDemoCmd() *cobra.Command {
	var (
		subjects int
		items    int
		seed     int64
		binomial bool
		output   string
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Fit a seeded synthetic priming dataset end to end",
		Long: `Generate a synthetic two-condition priming dataset and run the full
pipeline on it. The data are seeded, so the same invocation always
produces the same report. Useful for checking an installation and for
seeing a complete report without real data.

Example: golmm demo --subjects 32 --items 16 --seed 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), subjects, items, seed, binomial, output)
		},
	}

	cmd.Flags().IntVar(&subjects, "subjects", 24, "Number of simulated subjects")
	cmd.Flags().IntVar(&items, "items", 12, "Number of simulated items")
	cmd.Flags().Int64Var(&seed, "seed", 42, "Random seed for data generation")
	cmd.Flags().BoolVar(&binomial, "binomial", false, "Model trial accuracy instead of response time")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the report to this file instead of stdout")

	return cmd
}

func runAnalyze(ctx context.Context, cfg *config.Config, dataFile, output string, asJSON bool) error {
	appContainer, err := container.New(cfg)
	if err != nil {
		return err
	}
	if err := appContainer.InitInMemory(); err != nil {
		return err
	}

	result, err := appContainer.Service.Analyze(ctx, app.AnalysisRequest{
		DatasetPath: dataFile,
		Mapping:     columnMapping(cfg),
		Options:     appContainer.Options,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Fitted %s in %d ms (run %s)\n", result.Formula, result.RuntimeMs, result.RunID)
	return writeReport(result, output, asJSON)
}

func runDemo(ctx context.Context, subjects, items int, seed int64, binomial bool, output string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if binomial {
		cfg.Analysis.Family = "binomial"
		cfg.Analysis.Link = ""
	}

	genConfig := testkit.DefaultTrialConfig()
	genConfig.SubjectCount = subjects
	genConfig.ItemCount = items
	genConfig.Seed = seed

	generator, err := testkit.NewTrialGenerator(genConfig)
	if err != nil {
		return err
	}

	var dataset observation.Dataset
	if binomial {
		dataset, err = generator.GenerateAccuracyTrials()
	} else {
		dataset, err = generator.GenerateTrials()
		fmt.Fprintf(os.Stderr, "Synthetic design: %d subjects x %d items, true grand mean %.0f ms, true slope %.1f ms\n",
			subjects, items, generator.TrueIntercept(), generator.TrueSlope(0))
	}
	if err != nil {
		return err
	}

	appContainer, err := container.New(cfg)
	if err != nil {
		return err
	}
	if err := appContainer.InitInMemory(); err != nil {
		return err
	}

	result, err := appContainer.Service.Analyze(ctx, app.AnalysisRequest{
		Dataset: &dataset,
		Options: appContainer.Options,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Fitted %s in %d ms\n", result.Formula, result.RuntimeMs)
	return writeReport(result, output, false)
}

// writeReport emits the report document, markdown by default. The document
// goes to stdout unless an output file is named, so reports pipe cleanly.
func writeReport(result *app.AnalysisResult, output string, asJSON bool) error {
	var out []byte
	if asJSON {
		encoded, err := json.MarshalIndent(result.Report, "", "  ")
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		out = append(encoded, '\n')
	} else {
		out = []byte(result.Report.Markdown())
	}

	if output == "" {
		_, err := os.Stdout.Write(out)
		return err
	}
	if err := os.WriteFile(output, out, 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	fmt.Printf("Report for run %s written to %s\n", result.RunID, output)
	return nil
}

func columnMapping(cfg *config.Config) ports.ColumnMapping {
	return ports.ColumnMapping{
		Subject:   cfg.Data.SubjectColumn,
		Item:      cfg.Data.ItemColumn,
		Condition: cfg.Data.ConditionColumn,
		Response:  cfg.Data.ResponseColumn,
		Correct:   cfg.Data.CorrectColumn,
		RT:        cfg.Data.RTColumn,
	}
}
