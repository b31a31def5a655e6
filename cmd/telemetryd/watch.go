package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/codec"
	"github.com/calsol/telemetry/internal/discovery"
	"github.com/calsol/telemetry/internal/logging"
	"github.com/calsol/telemetry/internal/version"
	"github.com/calsol/telemetry/internal/websocket"
)

// Watch command flags
var (
	watchServer   string
	watchFind     bool
	watchEncoding string
	watchFilter   string
	watchAfter    string
	watchBefore   string
)

var watchCmd = &cobra.Command{
	Use:   "watch <id>[/<name>]",
	Short: "Print live records pushed by a telemetry server",
	Long: `Connect to a telemetry server over WebSocket and print every push.

The first line is the query result; each later line holds the records
stored since the previous push. CBOR pushes are printed as JSON.`,
	Example: `  # Follow one message on a local server
  telemetryd watch "0x402/Bus Voltage"

  # Follow a whole packet from the last minute on a discovered server
  telemetryd watch 0x300 --find-server --filter after --after=-1m`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:8000", "Telemetry server base URL")
	watchCmd.Flags().BoolVar(&watchFind, "find-server", false, "Find a telemetry server on the local network over mDNS")
	watchCmd.Flags().DurationVar(&scanTimeout, "scan-timeout", discovery.DefaultScanTimeout, "How long --find-server waits")
	watchCmd.Flags().StringVar(&watchEncoding, "encoding", "json", "Push encoding (json, cbor)")
	watchCmd.Flags().StringVar(&watchFilter, "filter", "", "Initial query filter (latest, after, before, between)")
	watchCmd.Flags().StringVar(&watchAfter, "after", "", "Lower bound, e.g. -5m or 20240601120000")
	watchCmd.Flags().StringVar(&watchBefore, "before", "", "Upper bound, e.g. -1m or 20240601130000")

	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	enc, err := codec.ParseEncoding(watchEncoding)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	base := watchServer
	if watchFind {
		scanner := discovery.NewScanner(discovery.ServerService)
		scanner.Timeout = scanTimeout
		ep, err := scanner.WaitFor(ctx, "")
		if err != nil {
			return fmt.Errorf("no telemetry server found: %w", err)
		}
		logging.Info("Found server", zap.String("server", ep.String()))
		base = ep.BaseURL()
	}

	target, err := watchURL(base, args[0], enc)
	if err != nil {
		return err
	}

	dialer := gorilla.Dialer{
		Subprotocols:     []string{websocket.Subprotocol},
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{"User-Agent": []string{version.UserAgent()}}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect to %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return fmt.Errorf("connect to %s: %w", target, err)
	}
	defer func() { _ = conn.Close() }()

	go func() {
		<-ctx.Done()
		msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")
		_ = conn.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(time.Second))
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		line, err := printable(kind, data)
		if err != nil {
			logging.Warn("Undecodable push", zap.Error(err))
			continue
		}
		fmt.Println(line)
	}
}

// watchURL builds the WebSocket URL for path ("0x402" or
// "0x402/Bus Voltage") on the server at base.
func watchURL(base, path string, enc codec.Encoding) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	id, name, _ := strings.Cut(path, "/")
	u.Path = "/data/" + id
	if name != "" {
		u.Path += "/" + name
	}

	q := url.Values{}
	if enc != codec.JSON {
		q.Set("encoding", enc.String())
	}
	for param, v := range map[string]string{"filter": watchFilter, "after": watchAfter, "before": watchBefore} {
		if v != "" {
			q.Set(param, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func printable(kind int, data []byte) (string, error) {
	if kind != gorilla.BinaryMessage {
		return string(data), nil
	}
	var v any
	if err := codec.Unmarshal(data, &v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
