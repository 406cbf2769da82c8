package cli

import (
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/anstrom/portscribe/internal/config"
)

// scheduleCmd groups schedule helpers.
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect scheduled rescans",
	Long: `Scheduled rescans are declared in the schedule section of the config file
and run by "portscribe serve".`,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured schedules and their next run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return writeSchedules(out(cmd), cfg.Schedule, time.Now())
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
}

// writeSchedules renders schedules as a table. Disabled entries have no
// next run.
func writeSchedules(w io.Writer, schedules []config.ScheduledScan, now time.Time) error {
	table := tablewriter.NewWriter(w)
	table.Header("Name", "Cron", "Hostname", "Enabled", "Next Run")

	for _, s := range schedules {
		next := "-"
		if s.Enabled {
			if schedule, err := cron.ParseStandard(s.Cron); err == nil {
				next = schedule.Next(now).Format(time.RFC3339)
			}
		}
		if err := table.Append([]string{s.Name, s.Cron, s.Hostname, strconv.FormatBool(s.Enabled), next}); err != nil {
			return err
		}
	}
	return table.Render()
}
