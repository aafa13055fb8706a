// Package app assembles the analysis pipeline from configuration. Both
// binaries use it so the server and the local CLI run the same stack.
package app

import (
	"context"
	"fmt"

	"safe-analysis-sandbox/internal/config"
	"safe-analysis-sandbox/internal/llm"
	"safe-analysis-sandbox/internal/monitor"
	"safe-analysis-sandbox/internal/pipeline"
	"safe-analysis-sandbox/internal/report"
	"safe-analysis-sandbox/internal/sandbox"
	"safe-analysis-sandbox/internal/synth"
)

// Stack is a wired pipeline and the parts callers need to close or report on.
type Stack struct {
	Gateway      *llm.Client
	Executor     *sandbox.Executor
	Orchestrator *pipeline.Orchestrator
}

// Options carries the optional collaborators of a Stack.
type Options struct {
	Metrics  *monitor.Metrics
	Tracer   *monitor.Tracer
	Auditor  pipeline.Auditor
	Observer pipeline.Observer
}

// Build wires gateway, synthesizers, executor and orchestrator from cfg.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Stack, error) {
	gateway := llm.New(llm.SettingsFromConfig(cfg.LLM),
		llm.WithMetrics(opts.Metrics),
		llm.WithTracer(opts.Tracer),
	)

	exec, err := sandbox.ExecutorFromConfig(ctx, cfg, opts.Metrics, opts.Tracer)
	if err != nil {
		return nil, fmt.Errorf("sandbox backend: %w", err)
	}

	pipeOpts := []pipeline.Option{
		pipeline.WithBinding(cfg.Pipeline.Binding),
		pipeline.WithMetrics(opts.Metrics),
		pipeline.WithTracer(opts.Tracer),
	}
	if opts.Auditor != nil {
		pipeOpts = append(pipeOpts, pipeline.WithAuditor(opts.Auditor))
	}
	if opts.Observer != nil {
		pipeOpts = append(pipeOpts, pipeline.WithObserver(opts.Observer))
	}

	orch := pipeline.New(synth.New(gateway), exec, report.New(gateway), pipeOpts...)
	return &Stack{Gateway: gateway, Executor: exec, Orchestrator: orch}, nil
}

// Close releases the sandbox backend.
func (s *Stack) Close() error {
	return s.Executor.Close()
}
