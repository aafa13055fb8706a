package llm

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// readStream consumes a server-sent event body. Each "data:" line carries
// one JSON chunk; "data: [DONE]" ends the stream. Other fields, comment
// lines and chunks that do not decode are skipped.
func readStream(r io.Reader, h StreamHandler) (*Completion, error) {
	comp := &Completion{}
	var content strings.Builder

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	done := false
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			done = true
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Debug().Err(err).Int("bytes", len(data)).Msg("skipping malformed stream chunk")
			continue
		}
		if chunk.Model != "" {
			comp.Model = chunk.Model
		}
		if chunk.Usage != nil {
			comp.Usage = *chunk.Usage
		}
		for _, ch := range chunk.Choices {
			if d := ch.Delta.Content; d != "" {
				content.WriteString(d)
				if h != nil {
					h(d)
				}
			}
			if ch.FinishReason != nil {
				comp.FinishReason = *ch.FinishReason
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &APIError{Kind: ErrConnection, Message: "stream interrupted", Err: err}
	}
	if !done && comp.FinishReason == "" {
		return nil, &APIError{Kind: ErrResponse, Message: "stream ended before [DONE]"}
	}
	comp.Content = content.String()
	return comp, nil
}
