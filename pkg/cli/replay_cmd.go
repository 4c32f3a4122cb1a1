package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"duck-audit/internal/audit"
	"duck-audit/internal/config"
	"duck-audit/internal/engine"
	"duck-audit/internal/gateway"
	"duck-audit/internal/pgwire"
	"duck-audit/internal/sqltag"
)

// dryRun accepts every statement without running it.
type dryRun struct{}

func (dryRun) Query(context.Context, string) (*engine.Rows, error) { return &engine.Rows{}, nil }
func (dryRun) Exec(context.Context, string) (int64, error)         { return 0, nil }

type replayOptions struct {
	policy      string
	user        string
	database    string
	application string
	execute     bool
	duckdb      string
	stopOnError bool
}

func newReplayCmd() *cobra.Command {
	opts := replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay <sql-file>",
		Short: "Run a SQL file through the audit pipeline and print the audit lines",
		Long: `Replay opens one audited session with the given policy, runs every statement
of the file through it, and prints each audit line to stdout. By default
statements are not executed; --execute runs them on DuckDB.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.policy, "policy", envOr("AUDIT_CONFIG", "audit.yaml"), "Audit policy file")
	cmd.Flags().StringVar(&opts.user, "user", "replay", "Session user")
	cmd.Flags().StringVar(&opts.database, "database", "", "Session database (defaults to the user)")
	cmd.Flags().StringVar(&opts.application, "application", "duck-audit replay", "Session application_name")
	cmd.Flags().BoolVar(&opts.execute, "execute", false, "Execute statements on DuckDB")
	cmd.Flags().StringVar(&opts.duckdb, "duckdb", "", "DuckDB database file for --execute (default in-memory)")
	cmd.Flags().BoolVar(&opts.stopOnError, "stop-on-error", false, "Stop at the first failing statement")
	return cmd
}

func runReplay(ctx context.Context, out, errOut io.Writer, path string, opts replayOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := os.ReadFile(path) //nolint:gosec // CLI argument
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := config.LoadAuditConfig(opts.policy)
	if err != nil {
		return err
	}

	var exec gateway.Executor = dryRun{}
	if opts.execute {
		eng, err := engine.Open(ctx, opts.duckdb, nil, nil)
		if err != nil {
			return err
		}
		defer eng.Close() //nolint:errcheck
		exec = eng
	}

	sink := audit.SinkFunc(func(_ context.Context, rec audit.Record) error {
		_, err := fmt.Fprintln(out, rec.Line)
		return err
	})
	gw := gateway.New(exec, audit.NewPolicyHolder(cfg.Policy), sink, slog.New(slog.DiscardHandler))

	database := opts.database
	if database == "" {
		database = opts.user
	}
	h, err := gw.Connect(ctx, pgwire.ConnInfo{
		User:            opts.user,
		Database:        database,
		ApplicationName: opts.application,
		RemoteHost:      "[local]",
		ProcessID:       int32(os.Getpid()), //nolint:gosec // pids fit in int32
	})
	if err != nil {
		return err
	}
	defer h.Close()

	failed := 0
	for _, stmt := range sqltag.Split(string(data)) {
		if _, err := h.Query(ctx, stmt); err != nil {
			failed++
			_, _ = fmt.Fprintf(errOut, "statement failed: %v\n", err)
			if opts.stopOnError {
				return fmt.Errorf("replay stopped: %w", err)
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d statement(s) failed", failed)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
