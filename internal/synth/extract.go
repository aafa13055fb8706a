package synth

import (
	"regexp"
	"strings"
)

// Tier names the extraction rule that produced the code.
type Tier int

const (
	TierNone Tier = iota
	TierTag
	TierPythonFence
	TierAnyFence
	TierKeyword
	TierRaw
)

func (t Tier) String() string {
	switch t {
	case TierTag:
		return "tag"
	case TierPythonFence:
		return "python_fence"
	case TierAnyFence:
		return "fence"
	case TierKeyword:
		return "keyword"
	case TierRaw:
		return "raw"
	}
	return "none"
}

var (
	tagRe         = regexp.MustCompile(`(?is)<python>\s*(.*?)\s*</python>`)
	pythonFenceRe = regexp.MustCompile("(?is)```python3?\\b\\s*(.*?)\\s*```")
	anyFenceRe    = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")
	langTagRe     = regexp.MustCompile(`^\w+[ \t]*\n`)
	openFenceRe   = regexp.MustCompile("^```\\w*[ \\t]*(\\n|$)")

	codeKeywords = []string{"import pandas", "plotly", "plt.show", "fig.show", "print("}
)

type extractor struct {
	tier Tier
	fn   func(string) string
}

var extractors = []extractor{
	{TierTag, submatch(tagRe)},
	{TierPythonFence, submatch(pythonFenceRe)},
	{TierAnyFence, fromAnyFence},
	{TierKeyword, fromKeywords},
	{TierRaw, strings.TrimSpace},
}

// ExtractCode pulls the script out of a model reply. Each rule runs only
// when the ones before it found nothing.
func ExtractCode(reply string) (string, Tier) {
	for _, e := range extractors {
		if code := e.fn(reply); code != "" {
			return code, e.tier
		}
	}
	return "", TierNone
}

func submatch(re *regexp.Regexp) func(string) string {
	return func(s string) string {
		m := re.FindStringSubmatch(s)
		if m == nil {
			return ""
		}
		return strings.TrimSpace(m[1])
	}
}

func fromAnyFence(s string) string {
	return stripLangTag(submatch(anyFenceRe)(s))
}

func fromKeywords(s string) string {
	found := false
	for _, k := range codeKeywords {
		if strings.Contains(s, k) {
			found = true
			break
		}
	}
	if !found {
		return ""
	}
	code := strings.TrimSpace(s)
	if loc := openFenceRe.FindStringIndex(code); loc != nil {
		code = strings.TrimSpace(code[loc[1]:])
	}
	if rest, ok := strings.CutSuffix(code, "```"); ok {
		code = strings.TrimSpace(rest)
	}
	return code
}

// stripLangTag drops a one-word language tag (python, py, r, ...) left on
// the first line of a fenced block.
func stripLangTag(code string) string {
	if loc := langTagRe.FindStringIndex(code); loc != nil {
		return strings.TrimSpace(code[loc[1]:])
	}
	return code
}
