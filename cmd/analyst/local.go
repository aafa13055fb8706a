package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"safe-analysis-sandbox/internal/app"
	"safe-analysis-sandbox/internal/config"
	"safe-analysis-sandbox/internal/pipeline"
	"safe-analysis-sandbox/internal/profile"
	"safe-analysis-sandbox/internal/sandbox"
	"safe-analysis-sandbox/internal/validator"
)

func readAllStdin() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}

func loadTable(path, sheet string, maxRows int) (*profile.Table, error) {
	if path == "" {
		return nil, fmt.Errorf("--data is required")
	}
	return profile.LoadFile(path, profile.LoadOptions{Sheet: sheet, MaxRows: maxRows})
}

func profileCmd() *cobra.Command {
	var sheet string
	var listSheets bool

	cmd := &cobra.Command{
		Use:   "profile <file>",
		Short: "Profile a CSV or Excel file and run the data-quality checks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if listSheets {
				sheets, err := profile.Sheets(args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(sheets)
				}
				for _, s := range sheets {
					fmt.Printf("%-24s %6d rows %4d columns\n", s.Name, s.Rows, s.Columns)
				}
				return nil
			}

			t, err := loadTable(args[0], sheet, 0)
			if err != nil {
				return err
			}
			p, err := profile.Compute(cmd.Context(), t)
			if err != nil {
				return err
			}
			checks := profile.CheckQuality(t, p)
			if jsonOutput {
				return printJSON(map[string]any{"profile": p, "quality": checks})
			}
			fmt.Println(p.Text())
			fmt.Println("Quality checks:")
			for _, c := range checks {
				fmt.Printf("  [%s] %s\n", c.Status, c.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sheet, "sheet", "", "Workbook sheet (default: first)")
	cmd.Flags().BoolVar(&listSheets, "sheets", false, "List workbook sheets instead of profiling")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <script|->",
		Short: "Check a script against the import and call deny-lists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readSource(args[0])
			if err != nil {
				return err
			}
			v := validator.Validate(code)
			if jsonOutput {
				if err := printJSON(v); err != nil {
					return err
				}
			} else if v.OK {
				fmt.Println("ok")
			} else {
				fmt.Printf("%s (line %d): %s\n", v.Kind, v.Line, v.Reason)
			}
			if !v.OK {
				return fmt.Errorf("script rejected")
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var dataPath, sheet, chartsOut string

	cmd := &cobra.Command{
		Use:   "run <script|->",
		Short: "Validate and execute a script locally against a data file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			code, err := readSource(args[0])
			if err != nil {
				return err
			}
			if v := validator.Validate(code); !v.OK {
				return fmt.Errorf("script rejected: %s", v.Reason)
			}
			t, err := loadTable(dataPath, sheet, cfg.Pipeline.MaxUploadRows)
			if err != nil {
				return err
			}

			exec, err := sandbox.ExecutorFromConfig(cmd.Context(), cfg, nil, nil)
			if err != nil {
				return err
			}
			defer exec.Close()

			res := exec.Execute(cmd.Context(), sandbox.ExecutionRequest{
				Code:    code,
				Table:   t,
				Binding: cfg.Pipeline.Binding,
			})
			if chartsOut != "" {
				if err := writeCharts(chartsOut, res); err != nil {
					return err
				}
			}
			if jsonOutput {
				if err := printJSON(res); err != nil {
					return err
				}
			} else {
				printExecution(res)
			}
			if res.Failed() {
				return fmt.Errorf("script failed: %s", res.ErrorType)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dataPath, "data", "d", "", "CSV or Excel file bound to the script")
	cmd.Flags().StringVar(&sheet, "sheet", "", "Workbook sheet (default: first)")
	cmd.Flags().StringVar(&chartsOut, "charts-out", "", "Write chart JSON to this file")
	return cmd
}

func askCmd() *cobra.Command {
	var dataPath, sheet, deep, chartsOut string

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Run the three analysis stages locally",
		Long: `ask profiles the data (stage 1), has the model write and run an
analysis script for the question (stage 2) and, with --deep, writes a
report building on that result (stage 3).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			t, err := loadTable(dataPath, sheet, cfg.Pipeline.MaxUploadRows)
			if err != nil {
				return err
			}
			return ask(cmd.Context(), cfg, t, args[0], deep, chartsOut)
		},
	}
	cmd.Flags().StringVarP(&dataPath, "data", "d", "", "CSV or Excel file to analyse")
	cmd.Flags().StringVar(&sheet, "sheet", "", "Workbook sheet (default: first)")
	cmd.Flags().StringVar(&deep, "deep", "", "Follow-up question for the stage 3 report")
	cmd.Flags().StringVar(&chartsOut, "charts-out", "", "Write stage 2 chart JSON to this file")
	return cmd
}

func ask(ctx context.Context, cfg *config.Config, t *profile.Table, question, deep, chartsOut string) error {
	var progress pipeline.Observer
	if !jsonOutput {
		progress = pipeline.ObserverFunc(func(e pipeline.Event) {
			switch e.Kind {
			case pipeline.EventStageStarted:
				fmt.Fprintf(os.Stderr, "» %s\n", e.Stage)
			case pipeline.EventValidated, pipeline.EventExecuted:
				fmt.Fprintf(os.Stderr, "  %s %s\n", e.Kind, e.Message)
			}
		})
	}
	stack, err := app.Build(ctx, cfg, app.Options{Observer: progress})
	if err != nil {
		return err
	}
	defer stack.Close()

	orch := stack.Orchestrator
	state := pipeline.NewSessionState(t)

	results := []*pipeline.StageResult{orch.RunSummary(ctx, state, nil)}
	if results[0].Status.Succeeded() {
		results = append(results, orch.RunPreanalysis(ctx, state, question))
	}
	last := results[len(results)-1]
	if deep != "" && last.Stage == pipeline.StagePreanalysis && last.Status.Succeeded() {
		results = append(results, orch.RunDeepAnalysis(ctx, state, deep))
	}

	if chartsOut != "" {
		if s2 := state.Result(pipeline.StagePreanalysis); s2 != nil && s2.Payload.Execution != nil {
			if err := writeCharts(chartsOut, s2.Payload.Execution); err != nil {
				return err
			}
		}
	}

	if jsonOutput {
		return printJSON(results)
	}
	for _, res := range results {
		printStage(res)
	}
	if last := results[len(results)-1]; last.Status == pipeline.StatusFailure {
		return fmt.Errorf("%s failed", last.Stage)
	}
	return nil
}

func printStage(res *pipeline.StageResult) {
	fmt.Printf("\n== Stage %d: %s [%s]\n%s\n", res.Stage, res.Stage, res.Status, res.Message)
	if res.Error != "" {
		fmt.Println("error:", res.Error)
	}
	p := res.Payload
	switch res.Stage {
	case pipeline.StageSummary:
		for _, c := range p.Quality {
			if c.Status != profile.QualitySuccess {
				fmt.Printf("  [%s] %s\n", c.Status, c.Message)
			}
		}
	case pipeline.StagePreanalysis:
		if len(p.Fixes) > 0 {
			fmt.Println("fixes:", strings.Join(p.Fixes, "; "))
		}
		if p.Code != "" {
			fmt.Printf("--- code\n%s\n", strings.TrimRight(p.Code, "\n"))
		}
		if p.Execution != nil {
			printExecution(p.Execution)
		}
		for _, h := range p.Hints {
			fmt.Printf("hint (%s): %s\n", h.Category, h.Message)
		}
	case pipeline.StageDeepAnalysis:
		fmt.Println(p.Narrative)
	}
}

func printExecution(res *sandbox.ExecutionResult) {
	if res.Stdout != "" {
		fmt.Printf("--- stdout\n%s", res.Stdout)
		if !strings.HasSuffix(res.Stdout, "\n") {
			fmt.Println()
		}
	}
	if res.Stderr != "" {
		fmt.Printf("--- stderr\n%s\n", strings.TrimRight(res.Stderr, "\n"))
	}
	for _, w := range res.Warnings {
		fmt.Println("warning:", w)
	}
	if res.Error != "" {
		fmt.Printf("--- error\n%s\n", res.Error)
	}
	fmt.Printf("--- %d charts, %d ms\n", len(res.Charts), res.DurationMS)
}

func writeCharts(path string, res *sandbox.ExecutionResult) error {
	f, err := os.Create(path) // #nosec G304 -- path is a CLI flag
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(res.Charts)
}
