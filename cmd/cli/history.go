package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/portscribe/internal/db"
)

const defaultHistoryLimit = 10

var (
	historyLimit int
	historyPorts bool
)

// historyCmd lists findings stored by the postgres sink.
var historyCmd = &cobra.Command{
	Use:   "history <hostname>",
	Short: "List findings recorded for a host",
	Long: `List the most recent findings the postgres sink recorded for a host,
newest first. Requires the database section of the config file.`,
	Example: `  portscribe history example.com
  portscribe history example.com --limit 3 --ports`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the findings database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, database *db.DB) error {
			if err := db.NewMigrator(database.DB).Up(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out(cmd), "Migrations applied")
			return nil
		})
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which migrations have been applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, database *db.DB) error {
			return writeMigrationStatus(ctx, out(cmd), db.NewMigrator(database.DB))
		})
	},
}

func init() {
	rootCmd.AddCommand(historyCmd, dbCmd)
	dbCmd.AddCommand(dbMigrateCmd, dbStatusCmd)

	historyCmd.Flags().IntVar(&historyLimit, "limit", defaultHistoryLimit, "maximum number of findings")
	historyCmd.Flags().BoolVar(&historyPorts, "ports", false, "list the ports of each finding")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyLimit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", historyLimit)
	}
	return withDatabase(cmd.Context(), func(ctx context.Context, database *db.DB) error {
		repo := db.NewFindingRepository(database)
		return writeHistory(ctx, out(cmd), repo, args[0], historyLimit, historyPorts)
	})
}

// withDatabase connects with the configured database settings and closes
// the connection when fn returns.
func withDatabase(ctx context.Context, fn func(context.Context, *db.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogging(cfg)

	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	return fn(ctx, database)
}

// writeHistory renders the findings of hostname, optionally followed by
// their ports.
func writeHistory(ctx context.Context, w io.Writer, repo *db.FindingRepository, hostname string, limit int, withPorts bool) error {
	records, err := repo.ListByHostname(ctx, hostname, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintf(w, "No findings recorded for %s\n", hostname)
		return nil
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Recorded", "Target", "Title")
	for _, r := range records {
		if err := table.Append([]string{
			r.ID.String(),
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.Target,
			r.Title,
		}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	if !withPorts {
		return nil
	}

	for _, r := range records {
		ports, err := repo.Ports(ctx, r.ID)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "\n%s\n", r.ID)

		portTable := tablewriter.NewWriter(w)
		portTable.Header("IP Address", "Port", "Protocol", "State", "Service", "Version")
		for _, p := range ports {
			if err := portTable.Append([]string{p.IPAddress, p.Port, p.Protocol, p.State, p.Service, p.Version}); err != nil {
				return err
			}
		}
		if err := portTable.Render(); err != nil {
			return err
		}
	}
	return nil
}

// writeMigrationStatus renders every embedded migration and when it was
// applied.
func writeMigrationStatus(ctx context.Context, w io.Writer, migrator *db.Migrator) error {
	statuses, err := migrator.Status(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Migration", "Applied", "Applied At")
	for _, s := range statuses {
		appliedAt := "-"
		if s.Applied {
			appliedAt = s.AppliedAt.UTC().Format(time.RFC3339)
		}
		if err := table.Append([]string{s.Name, strconv.FormatBool(s.Applied), appliedAt}); err != nil {
			return err
		}
	}
	return table.Render()
}
