package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"duck-audit/internal/db"
	"duck-audit/internal/store"
)

const recordTimeLayout = "2006-01-02 15:04:05"

type recordsOptions struct {
	dbPath  string
	session string
	class   string
	since   string
	after   int64
	limit   int
}

// recordJSON is one stored record in JSON output.
type recordJSON struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	Kind           string    `json:"kind"`
	Class          string    `json:"class"`
	StatementID    int64     `json:"statement_id"`
	SubstatementID int64     `json:"substatement_id"`
	User           string    `json:"user"`
	Database       string    `json:"database"`
	Time           time.Time `json:"time"`
	Line           string    `json:"line"`
	ArchiveKey     string    `json:"archive_key,omitempty"`
}

func newRecordsCmd() *cobra.Command {
	opts := recordsOptions{}
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List audit records from the audit store",
		Long: `List audit records stored by the gateway, oldest first. On a terminal the
records are shown as a table; otherwise the raw audit lines are printed, one per
line. Use --output to force a format.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRecords(cmd.Context(), cmd.OutOrStdout(), getOutputFormat(cmd), opts)
		},
	}
	cmd.Flags().StringVar(&opts.dbPath, "db", envOr("AUDIT_DB_PATH", "audit.sqlite"), "SQLite audit store")
	cmd.Flags().StringVar(&opts.session, "session", "", "Only records of this session id")
	cmd.Flags().StringVar(&opts.class, "class", "", "Only records of this audit class (e.g. READ)")
	cmd.Flags().StringVar(&opts.since, "since", "", "Only records at or after this time (RFC3339) or this long ago (e.g. 1h)")
	cmd.Flags().Int64Var(&opts.after, "after", 0, "Only records with an id greater than this")
	cmd.Flags().IntVar(&opts.limit, "limit", 100, "Maximum number of records (at most 1000)")
	return cmd
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: use RFC3339 or a duration such as 30m", v)
	}
	return t, nil
}

func runRecords(ctx context.Context, out io.Writer, format string, opts recordsOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	since, err := parseSince(opts.since, time.Now())
	if err != nil {
		return err
	}
	if _, err := os.Stat(opts.dbPath); err != nil {
		return fmt.Errorf("audit store %s: %w", opts.dbPath, err)
	}

	pool, err := db.Open(opts.dbPath, 1)
	if err != nil {
		return err
	}
	defer pool.Close() //nolint:errcheck

	records, err := store.NewRecords(pool).List(ctx, store.Filter{
		SessionID: opts.session,
		ClassName: opts.class,
		Since:     since,
		AfterID:   opts.after,
		Limit:     opts.limit,
	})
	if err != nil {
		return err
	}

	if format == "" {
		format = "raw"
		if isTerminal(out) {
			format = "table"
		}
	}

	switch format {
	case "json":
		items := make([]recordJSON, 0, len(records))
		for _, r := range records {
			items = append(items, recordJSON{
				ID:             r.ID,
				SessionID:      r.SessionID,
				Kind:           r.Kind,
				Class:          r.ClassName,
				StatementID:    r.StatementID,
				SubstatementID: r.SubstatementID,
				User:           r.User,
				Database:       r.Database,
				Time:           r.Time.UTC(),
				Line:           r.Line,
				ArchiveKey:     r.ArchiveKey,
			})
		}
		return printJSON(out, items)
	case "table":
		rows := make([][]string, 0, len(records))
		for _, r := range records {
			rows = append(rows, []string{
				strconv.FormatInt(r.ID, 10),
				r.Time.Local().Format(recordTimeLayout),
				r.User,
				r.ClassName,
				r.Line,
			})
		}
		printTable(out, []string{"id", "time", "user", "class", "line"}, rows)
	default:
		for _, r := range records {
			if _, err := fmt.Fprintln(out, r.Line); err != nil {
				return err
			}
		}
	}
	return nil
}
