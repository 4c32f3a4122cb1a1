package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"duck-audit/internal/audit/classify"
	"duck-audit/internal/sqltag"
)

// classification is the audit view of one statement.
type classification struct {
	Command    string   `json:"command"`
	Class      string   `json:"class"`
	Level      string   `json:"level"`
	ObjectType string   `json:"object_type,omitempty"`
	Object     string   `json:"object,omitempty"`
	Relations  []string `json:"relations,omitempty"`
	Text       string   `json:"text"`
}

func classifySQL(sql string) []classification {
	var out []classification
	for _, text := range sqltag.Split(sql) {
		st := sqltag.Describe(text)
		if st.Empty() {
			continue
		}
		d := classify.Descriptor{Level: st.Level, Tag: st.Tag, Command: st.Command, Text: st.Text}
		_, className := classify.ClassifyStatement(&d)

		c := classification{
			Command:    st.Command,
			Class:      className,
			Level:      st.Level.String(),
			ObjectType: st.ObjectType,
			Object:     st.ObjectName,
			Text:       d.Text,
		}
		if st.Function != "" {
			c.ObjectType, c.Object = "FUNCTION", st.Function
		}
		for _, rel := range st.Relations {
			c.Relations = append(c.Relations, fmt.Sprintf("%s(%s)", rel.QualifiedName(), rel.Access))
		}
		out = append(out, c)
	}
	return out
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify [sql]",
		Short: "Show how statements are classified for auditing",
		Long:  "Print the command tag, audit class, target object and redacted text of each statement. The SQL is read from the arguments, or from stdin when none are given.",
		Example: `  duck-audit classify "SELECT * FROM accounts; DELETE FROM orders"
  echo "CREATE ROLE bob PASSWORD 'x'" | duck-audit classify`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sql := strings.Join(args, " ")
			if len(args) == 0 {
				in := cmd.InOrStdin()
				if in == os.Stdin && isTerminal(os.Stdin) {
					return fmt.Errorf("no SQL given: pass it as an argument or on stdin")
				}
				data, err := io.ReadAll(in)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				sql = string(data)
			}

			results := classifySQL(sql)
			if len(results) == 0 {
				return fmt.Errorf("no statements found")
			}

			out := cmd.OutOrStdout()
			if getOutputFormat(cmd) == "json" {
				return printJSON(out, results)
			}
			rows := make([][]string, 0, len(results))
			for _, c := range results {
				rows = append(rows, []string{
					c.Command, c.Class, c.ObjectType, c.Object, strings.Join(c.Relations, ","), c.Text,
				})
			}
			printTable(out, []string{"command", "class", "object_type", "object", "relations", "text"}, rows)
			return nil
		},
	}
}
