package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/portscribe/internal/config"
	"github.com/anstrom/portscribe/internal/controller"
	"github.com/anstrom/portscribe/internal/findings"
	"github.com/anstrom/portscribe/internal/logging"
	"github.com/anstrom/portscribe/internal/report"
	"github.com/anstrom/portscribe/internal/scanning"
	"github.com/anstrom/portscribe/internal/sink"
)

// Output formats of the scan command.
const (
	formatText   = "text"
	formatPretty = "pretty"
	formatJSON   = "json"
)

var (
	scanToken   string
	scanFormat  string
	scanExport  string
	scanTimeout time.Duration
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <hostname>",
	Short: "Scan one host with nmap",
	Long: `Run an aggressive nmap scan (-A) against a single host. The raw
transcript is streamed to stdout as it arrives, followed by the results
table. The completed scan is recorded as a finding in the configured sink.`,
	Example: `  portscribe scan example.com
  portscribe scan 10.0.0.5 --format pretty
  portscribe scan example.com --token TICKET-42 --export ./reports/example
  portscribe scan example.com --format json --timeout 10m`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVar(&scanToken, "token", "", "opaque context recorded as the finding's target")
	scanCmd.Flags().StringVar(&scanFormat, "format", formatText, "output format: text, pretty, json")
	scanCmd.Flags().StringVar(&scanExport, "export", "", "move the transcript to this path after the scan")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 0, "cancel the scan after this long (0 waits indefinitely)")
}

// scanOptions are the per-invocation settings of a scan.
type scanOptions struct {
	hostname string
	token    string
	format   string
	export   string
	timeout  time.Duration
}

// scanReport is the JSON output of a scan.
type scanReport struct {
	Job      *scanning.Info   `json:"job"`
	Findings []findings.Entry `json:"findings"`
	Export   string           `json:"export,omitempty"`
}

func runScan(cmd *cobra.Command, args []string) error {
	switch scanFormat {
	case formatText, formatPretty, formatJSON:
	default:
		return fmt.Errorf("invalid format %q: must be text, pretty or json", scanFormat)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := initLogging(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return executeScan(ctx, out(cmd), cfg, logger, scanOptions{
		hostname: args[0],
		token:    scanToken,
		format:   scanFormat,
		export:   scanExport,
		timeout:  scanTimeout,
	})
}

// executeScan runs one scan to completion and writes the result to w.
func executeScan(ctx context.Context, w io.Writer, cfg *config.Config, logger *logging.Logger, opts scanOptions) error {
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	s, err := sink.New(ctx, cfg.Sink, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.ErrorSink("Failed to close sink", err)
		}
	}()

	ctrl := controller.New(controller.Config{
		Tool:            cfg.ToolConfig(),
		ShutdownTimeout: cfg.Daemon.ShutdownTimeout,
		SinkTimeout:     cfg.Scanner.SinkTimeout,
	}, findings.NewStore(), s, controller.WithLogger(logger))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout)
		defer cancel()
		_ = ctrl.Shutdown(shutdownCtx)
	}()

	if opts.format == formatText {
		ctrl.AddListener(&transcriptPrinter{w: w})
	}

	if _, err := ctrl.RequestScan(ctx, opts.hostname, opts.token); err != nil {
		return err
	}
	if err := ctrl.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("scan of %s interrupted: %w", opts.hostname, ctx.Err())
		}
		// Findings stored before the failure stay visible.
		if ctrl.Store().Len() > 0 {
			if werr := writeResults(w, ctrl, opts.format, ""); werr != nil {
				logger.Error("Failed to write results", "error", werr)
			}
		}
		return err
	}

	exported := ""
	if opts.export != "" {
		if exported, err = ctrl.Export(opts.export); err != nil {
			return err
		}
	}

	if err := writeResults(w, ctrl, opts.format, exported); err != nil {
		return err
	}
	if exported != "" && opts.format != formatJSON {
		_, _ = fmt.Fprintf(w, "Transcript exported to %s\n", exported)
	}
	return nil
}

// writeResults writes the store in the requested format.
func writeResults(w io.Writer, ctrl *controller.Controller, format, exported string) error {
	switch format {
	case formatPretty:
		return report.WritePretty(w, ctrl.Entries())
	case formatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(scanReport{
			Job:      ctrl.Status().LastCompleted,
			Findings: ctrl.Entries(),
			Export:   exported,
		})
	default:
		_, _ = fmt.Fprintln(w)
		_, err := fmt.Fprint(w, ctrl.Table())
		return err
	}
}

// transcriptPrinter streams transcript lines to a writer.
type transcriptPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *transcriptPrinter) TranscriptAppended(_, line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, line)
}

func (p *transcriptPrinter) TableRefreshed(string) {}

func (p *transcriptPrinter) StatusChanged(controller.Status) {}
