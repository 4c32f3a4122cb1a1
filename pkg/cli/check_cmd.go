package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"duck-audit/internal/config"
)

// policySummary is what check reports for a valid policy file.
type policySummary struct {
	Path             string `json:"path"`
	Logger           string `json:"logger"`
	Sections         int    `json:"sections"`
	CustomFormats    int    `json:"custom_formats"`
	Grants           int    `json:"grants"`
	Role             string `json:"role,omitempty"`
	LogCatalog       bool   `json:"log_catalog"`
	LogParameter     bool   `json:"log_parameter"`
	LogStatementOnce bool   `json:"log_statement_once"`
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <policy-file>",
		Short: "Validate an audit policy file",
		Long:  "Parse and validate an audit policy file (YAML, or TOML by .toml extension) and print a summary. Every problem found is reported.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAuditConfig(args[0])
			if err != nil {
				return err
			}

			p := cfg.Policy
			s := policySummary{
				Path:             args[0],
				Logger:           cfg.Output.Logger,
				Sections:         len(p.Rules),
				Grants:           len(p.Grants),
				Role:             p.Options.Role,
				LogCatalog:       p.Options.LogCatalog,
				LogParameter:     p.Options.LogParameter,
				LogStatementOnce: p.Options.LogStatementOnce,
			}
			for _, f := range p.Formats {
				if f != nil {
					s.CustomFormats++
				}
			}

			out := cmd.OutOrStdout()
			if getOutputFormat(cmd) == "json" {
				return printJSON(out, s)
			}
			_, _ = fmt.Fprintf(out, "%s: ok\n", s.Path)
			printTable(out, []string{"setting", "value"}, [][]string{
				{"logger", s.Logger},
				{"rule sections", strconv.Itoa(s.Sections)},
				{"custom formats", strconv.Itoa(s.CustomFormats)},
				{"grants", strconv.Itoa(s.Grants)},
				{"audit role", s.Role},
				{"log_catalog", onOff(s.LogCatalog)},
				{"log_parameter", onOff(s.LogParameter)},
				{"log_statement_once", onOff(s.LogStatementOnce)},
			})
			return nil
		},
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
