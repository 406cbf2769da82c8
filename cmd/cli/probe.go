package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/anstrom/portscribe/internal/config"
	"github.com/anstrom/portscribe/internal/scanning"
)

var probeJSON bool

// probeCmd represents the probe command
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that nmap can be executed",
	Long: `Run "nmap -v" with the configured binary and report whether it was found
and whether it ran successfully.`,
	Example: `  portscribe probe
  portscribe probe --nmap /usr/local/bin/nmap --json`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().BoolVar(&probeJSON, "json", false, "print the result as JSON")
}

func runProbe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initLogging(cfg)
	return executeProbe(cmd.Context(), out(cmd), cfg, probeJSON)
}

// executeProbe probes nmap and writes the result to w. A missing or failing
// binary is returned as an error after the result is written.
func executeProbe(ctx context.Context, w io.Writer, cfg *config.Config, asJSON bool) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Scanner.ProbeTimeout)
	defer cancel()

	result, probeErr := scanning.NewTool(cfg.ToolConfig()).Probe(ctx)

	if asJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(result); err != nil {
			return err
		}
	} else {
		switch {
		case !result.Available:
			_, _ = fmt.Fprintf(w, "nmap:    not found (%s)\n", result.Binary)
		case !result.Healthy:
			_, _ = fmt.Fprintf(w, "nmap:    %s\nstatus:  failed\ndetail:  %s\n", result.Binary, result.Detail)
		default:
			_, _ = fmt.Fprintf(w, "nmap:    %s\nstatus:  ok\nversion: %s\n", result.Binary, result.Version)
		}
	}

	if probeErr != nil {
		return probeErr
	}
	if !result.Healthy {
		return fmt.Errorf("nmap probe failed: %s", result.Detail)
	}
	return nil
}
