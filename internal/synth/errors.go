package synth

import "errors"

var (
	// ErrNoCode means the model replied but no script could be extracted.
	ErrNoCode = errors.New("no code in model reply")
	// ErrSynthesis wraps a gateway failure while generating code.
	ErrSynthesis = errors.New("code synthesis failed")
)
