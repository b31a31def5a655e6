package main

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/logging"
	"github.com/calsol/telemetry/internal/ui"
	"github.com/calsol/telemetry/internal/xsp"
)

// statsEvery is how often the monitor's counters are refreshed.
const statsEvery = 250 * time.Millisecond

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Show live decoded values in the terminal",
	Long: `Decode the XSP stream and show the latest value of every message.

Nothing is written to the database, so the monitor can run next to the
logger when both read from a relay.`,
	Example: `  # Watch the first USB adapter
  telemetryd monitor

  # Watch a relay found on the local network
  telemetryd monitor --find-relay`,
	RunE: runMonitor,
}

func init() {
	addUpstreamFlags(monitorCmd)

	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	policy, err := xsp.ParseErrorPolicy(escapePolicy)
	if err != nil {
		return err
	}
	table, err := loadDescriptors()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	port, err := openUpstream(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = port.Close() }()

	// Log lines would tear the full-screen view.
	previous := logging.GetLogger()
	logging.SetLogger(zap.NewNop())
	defer logging.SetLogger(previous)

	handler := xsp.NewHandler(table, xsp.WithErrorPolicy(policy))
	handler.Bind(port)

	program := ui.NewMonitorProgram(ui.NewMonitor(upstreamName(port), table))
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		feedMonitor(ctx, program, handler, cfg.Serial.ReadSize)
	}()

	_, err = program.Run()
	cancel()
	<-fed
	handler.Unbind()
	return err
}

// feedMonitor polls handler and forwards what it decodes until ctx is
// done or the source fails.
func feedMonitor(ctx context.Context, program *tea.Program, handler *xsp.Handler, readSize int) {
	lastStats := time.Now()
	for ctx.Err() == nil {
		messages, err := handler.Poll(readSize)
		if err != nil {
			program.Send(ui.StatsMsg(handler.Stats()))
			program.Send(ui.SourceClosedMsg{Err: err})
			return
		}
		if len(messages) > 0 {
			program.Send(ui.MessagesMsg(messages))
		}
		if time.Since(lastStats) >= statsEvery {
			program.Send(ui.StatsMsg(handler.Stats()))
			lastStats = time.Now()
		}
	}
}
