package synth

import (
	"regexp"
	"strings"
)

var (
	legacyChartsRe = regexp.MustCompile(`\bplotly_figures_json\b`)
	chartsDefRe    = regexp.MustCompile(`(?m)^\s*charts\s*=`)
	figShowRe      = regexp.MustCompile(`\b(fig\w*)\.show\(\s*\)`)
	print2Re       = regexp.MustCompile(`(?m)^([ \t]*)print[ \t]+([^\s(=].*?)[ \t]*$`)

	implicitImports = []struct {
		use  *regexp.Regexp
		stmt string
	}{
		{regexp.MustCompile(`\bpx\.`), "import plotly.express as px"},
		{regexp.MustCompile(`\bgo\.`), "import plotly.graph_objects as go"},
		{regexp.MustCompile(`\bnp\.`), "import numpy as np"},
	}
)

// FixCommonErrors repairs the mistakes models make most often and returns
// the fixed code together with a description of each fix applied.
func FixCommonErrors(code string) (string, []string) {
	var fixes []string

	if legacyChartsRe.MatchString(code) {
		code = legacyChartsRe.ReplaceAllString(code, "charts")
		fixes = append(fixes, "renamed plotly_figures_json to charts")
	}
	if figShowRe.MatchString(code) {
		code = figShowRe.ReplaceAllString(code, "charts.append(${1}.to_json())")
		fixes = append(fixes, "replaced fig.show() with charts.append(fig.to_json())")
	}
	if print2Re.MatchString(code) {
		code = print2Re.ReplaceAllString(code, "${1}print(${2})")
		fixes = append(fixes, "added parentheses to print statements")
	}

	var prelude []string
	for _, imp := range implicitImports {
		if imp.use.MatchString(code) && !strings.Contains(code, imp.stmt) {
			prelude = append(prelude, imp.stmt)
			fixes = append(fixes, "added missing "+imp.stmt)
		}
	}
	if strings.Contains(code, "charts.append") && !chartsDefRe.MatchString(code) {
		prelude = append(prelude, "charts = []")
		fixes = append(fixes, "initialized the charts list")
	}
	if len(prelude) > 0 {
		code = strings.Join(prelude, "\n") + "\n" + code
	}
	return code, fixes
}
