// Package report writes narratives about finished executions. It never
// runs code; it only describes results it is handed.
package report

import (
	"context"
	"fmt"
	"strings"

	"safe-analysis-sandbox/internal/llm"
	"safe-analysis-sandbox/internal/sandbox"
)

const (
	summaryMaxTokens = 1000
	deepMaxTokens    = 3000

	// maxEvidenceStdout caps the stdout quoted in the deep-analysis prompt.
	maxEvidenceStdout = 4000
)

// Completer is the slice of the gateway the reporter needs.
type Completer interface {
	CompleteText(ctx context.Context, prompt string, opts ...llm.Option) (string, error)
}

// Evidence is what the deep analysis is allowed to look at.
type Evidence struct {
	Stage2Question string
	Stage3Question string
	Stage2Code     string
	Stage2Exec     *sandbox.ExecutionResult
	DataSummary    string
}

type Reporter struct {
	llm Completer
}

func New(c Completer) *Reporter {
	return &Reporter{llm: c}
}

// Summarize writes a short narrative answering question from one
// execution's output.
func (r *Reporter) Summarize(ctx context.Context, question, code string, exec *sandbox.ExecutionResult) (string, error) {
	prompt := fmt.Sprintf(`Summarize this data analysis.

Question: %s

Code that ran:
`+"```python\n%s\n```"+`

Output:
%s

Error: %s
Charts generated: %d

Write a short, precise summary that covers:
1. A direct answer to the question.
2. The key findings in the data.
3. What the charts show, if there are any.
4. If there was an error, its likely cause and how to fix it.`,
		question, code, orNA(exec.Stdout), orNone(exec.Error), len(exec.Charts))

	text, err := r.llm.CompleteText(ctx, prompt, llm.WithMaxTokens(summaryMaxTokens))
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// DeepAnalysis writes the five-section report from earlier evidence.
func (r *Reporter) DeepAnalysis(ctx context.Context, ev Evidence) (string, error) {
	exec := ev.Stage2Exec
	if exec == nil {
		exec = &sandbox.ExecutionResult{}
	}
	status := "succeeded"
	if exec.Failed() {
		status = "failed: " + exec.Error
	} else if exec.Stderr != "" || len(exec.Warnings) > 0 {
		status = "partially succeeded, with warnings"
	}

	prompt := fmt.Sprintf(`You are a senior data analyst and business advisor. Write an in-depth report based only on the analysis below. Do not write code.

[Background]
Earlier question: %s
Follow-up question: %s

[Completed analysis]
Code that ran:
`+"```python\n%s\n```"+`

Output:
%s

Charts generated: %d
Status: %s

[Data summary]
%s

[Report]
Use exactly these five sections:
1. Direct answer: answer the follow-up question with facts from the results.
2. Key insights: the important findings, trends, patterns and anomalies.
3. Business meaning: what the results mean in practice, with opportunities and risks.
4. Recommendations: concrete next actions and what to watch.
5. Chart explanation: what each generated chart shows and its main takeaway.

Write for decision makers: objective, clear and actionable.`,
		ev.Stage2Question, ev.Stage3Question, ev.Stage2Code,
		orNA(truncate(exec.Stdout, maxEvidenceStdout)), len(exec.Charts), status, orNA(ev.DataSummary))

	text, err := r.llm.CompleteText(ctx, prompt, llm.WithMaxTokens(deepMaxTokens))
	if err != nil {
		return "", fmt.Errorf("deep analysis: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n... [output truncated]"
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
