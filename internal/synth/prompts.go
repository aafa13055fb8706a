package synth

import (
	"fmt"
	"strings"
)

const dialectRules = `The script runs in a restricted Python dialect:
- Available modules: pandas (pd), numpy (np), statistics, plotly.express (px),
  plotly.graph_objects (go), math, json and time. Nothing else can be imported.
- No classes, no try/except, no with-statements, no f-strings. Use "{}".format(x).
- Compare columns with .gt(), .lt(), .eq() and friends.
- Call warn("...") to report caveats; they go to stderr.
- There is no file, network or process access.`

func analysisPrompt(question, profileText, binding string) string {
	return fmt.Sprintf(`You are an expert data analyst. Write a Python script that answers the user's question about a tabular dataset.

Question: %s

Dataset profile:
%s

The dataset is already loaded as the DataFrame %[3]s.

Requirements:
1. Use the variable %[3]s. Do not assume column order and do not treat the first row as a header; use the column names from the profile or %[3]s.columns.
2. For every chart, append its serialized form to the predefined list charts: charts.append(fig.to_json()).
3. Print every finding with print(), including the numbers behind it.
4. The script must be complete and self-contained; check that columns exist before using them.
5. Produce at least one chart when the question allows it.

%s

Return only the script, wrapped in XML tags:

<python>
# analysis script
</python>`, question, profileText, binding, dialectRules)
}

func visualizationPrompt(columns []string, hint string) string {
	if strings.TrimSpace(hint) == "" {
		hint = "auto"
	}
	return fmt.Sprintf(`Write plotly visualization code for a dataset with these columns:

Columns: %s
Chart type: %s

Requirements:
1. When the chart type is auto, pick chart types that suit the columns.
2. Produce 2 to 4 charts from different angles.
3. Append each chart to the predefined list charts with charts.append(fig.to_json()).
4. Give every chart a title and axis labels.
5. The DataFrame is named df.

%s

Return only the script, wrapped in XML tags:

<python>
# visualization script
</python>`, strings.Join(columns, ", "), hint, dialectRules)
}
