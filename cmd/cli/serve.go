package cli

import (
	"github.com/spf13/cobra"

	"github.com/anstrom/portscribe/internal/daemon"
)

// Serve command flags.
var (
	serveHost    string
	servePort    int
	servePIDFile string
	serveNoAPI   bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and scheduled rescans",
	Long: `Run portscribe in the foreground: the HTTP API and WebSocket stream on
the configured address, cron rescans from the schedule section and a
periodic nmap probe. SIGINT or SIGTERM stops any active scan and exits.`,
	Example: `  portscribe serve
  portscribe serve --host 0.0.0.0 --port 9090
  portscribe serve --config /etc/portscribe/config.yaml --pid-file /run/portscribe.pid`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "API listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "API listen port (overrides config)")
	serveCmd.Flags().StringVar(&servePIDFile, "pid-file", "", "write the process ID to this file")
	serveCmd.Flags().BoolVar(&serveNoAPI, "no-api", false, "run only the scheduler")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort != 0 {
		cfg.API.Port = servePort
	}
	if servePIDFile != "" {
		cfg.Daemon.PIDFile = servePIDFile
	}
	if serveNoAPI {
		cfg.API.Enabled = false
	}

	logger := initLogging(cfg)
	return daemon.New(cfg, version, daemon.WithLogger(logger)).Start()
}
