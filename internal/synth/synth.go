// Package synth turns questions into analysis scripts through the LLM
// gateway and extracts the script from the model's reply.
package synth

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"safe-analysis-sandbox/internal/llm"
)

const (
	analysisMaxTokens      = 4000
	visualizationMaxTokens = 3000
)

// Completer is the slice of the gateway the synthesizer needs.
type Completer interface {
	CompleteText(ctx context.Context, prompt string, opts ...llm.Option) (string, error)
}

// Synthesizer generates scripts.
type Synthesizer struct {
	llm Completer
}

func New(c Completer) *Synthesizer {
	return &Synthesizer{llm: c}
}

// SynthesizeAnalysisCode asks the model for a script answering question.
// Gateway failures wrap ErrSynthesis; an empty extraction is ErrNoCode.
func (s *Synthesizer) SynthesizeAnalysisCode(ctx context.Context, question, profileText, binding string) (string, error) {
	if binding == "" {
		binding = "df"
	}
	reply, err := s.llm.CompleteText(ctx, analysisPrompt(question, profileText, binding), llm.WithMaxTokens(analysisMaxTokens))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	code, tier := ExtractCode(reply)
	if code == "" {
		return "", ErrNoCode
	}
	log.Debug().Str("tier", tier.String()).Int("code_bytes", len(code)).Msg("analysis code extracted")
	return code, nil
}

// SynthesizeVisualizationCode asks the model for chart code. It does not
// fail: when the gateway errors or the reply holds no code, the
// deterministic fallback is returned instead.
func (s *Synthesizer) SynthesizeVisualizationCode(ctx context.Context, columns []string, chartHint string) (string, error) {
	reply, err := s.llm.CompleteText(ctx, visualizationPrompt(columns, chartHint), llm.WithMaxTokens(visualizationMaxTokens))
	if err != nil {
		log.Warn().Err(err).Msg("visualization synthesis failed, using fallback charts")
		return FallbackVisualizationCode(columns, chartHint), nil
	}
	code, tier := ExtractCode(reply)
	if code == "" {
		log.Warn().Msg("no visualization code in reply, using fallback charts")
		return FallbackVisualizationCode(columns, chartHint), nil
	}
	log.Debug().Str("tier", tier.String()).Msg("visualization code extracted")
	return code, nil
}
