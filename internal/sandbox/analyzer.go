package sandbox

const (
	slowExecutionMS = 5000
	verboseStdout   = 10000
)

var errorHints = map[ErrorType]string{
	ZeroDivisionError:   "Guard divisions: check that the denominator is non-zero or filter such rows first.",
	NameError:           "A name is used before it is defined. Check spelling and define variables before use.",
	KeyError:            "A column or key does not exist. Print df.columns and use the exact column names.",
	AttributeError:      "The method or attribute is not available on this value. Check its type and the supported API.",
	IndexError:          "An index is out of range. Check lengths before indexing and handle empty results.",
	SyntaxError:         "The code does not parse. Avoid f-strings, classes and try/except; use str.format instead.",
	ValueError:          "A value has the wrong content. Check for empty data or non-numeric values before computing.",
	TypeError:           "A value has the wrong type. Column comparisons use .gt()/.lt()/.eq() instead of operators.",
	ModuleNotFoundError: "Only pandas, numpy, statistics, plotly, math, json and time are available.",
	TimeoutError:        "The script ran too long. Avoid row-by-row loops over large tables and aggregate instead.",
	RuntimeError:        "The script failed at runtime. Read the traceback and simplify the failing step.",
	SandboxError:        "The sandbox failed to run the script. Retry, and report it if it persists.",
}

// Analyze derives remediation hints from a result.
func Analyze(res *ExecutionResult) []Hint {
	if res == nil {
		return nil
	}
	var hints []Hint
	if res.Failed() {
		if msg, ok := errorHints[res.ErrorType]; ok {
			hints = append(hints, Hint{Category: string(res.ErrorType), Message: msg})
		}
	}
	if res.FiguresCreated > 0 && len(res.Charts) == 0 {
		hints = append(hints, Hint{
			Category: "charts",
			Message:  "A figure was created but charts is empty. Append fig.to_json() to charts.",
		})
	}
	if res.DurationMS > slowExecutionMS {
		hints = append(hints, Hint{
			Category: "performance",
			Message:  "Execution took over 5s. Prefer vectorized column operations and groupby over loops.",
		})
	}
	if len(res.Stdout) > verboseStdout {
		hints = append(hints, Hint{
			Category: "output",
			Message:  "Output is very long. Print summaries instead of whole tables.",
		})
	}
	return hints
}
