//go:build ignore

package main

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/calsol/telemetry/internal/codec"
	"github.com/calsol/telemetry/internal/server"
	"github.com/calsol/telemetry/internal/websocket"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: analyze-frames <jsonl-file> [-v]")
		fmt.Println("Example: analyze-frames captures/session-20240601-120000-3f2a.jsonl")
		os.Exit(1)
	}
	verbose := len(os.Args) > 2 && os.Args[2] == "-v"

	filename := os.Args[1]
	f, err := os.Open(filename)
	if err != nil {
		fmt.Printf("Error reading file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	var (
		records []server.FrameRecord
		counts  = map[string]int{}
		bytes   = map[string]int{}
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), websocket.MaxFrameSize*3)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec server.FrameRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			fmt.Printf("Error parsing line %d: %v\n", line, err)
			continue
		}
		records = append(records, rec)
		k := rec.Direction + " " + rec.FrameType
		counts[k]++
		bytes[k] += rec.PayloadLen
	}
	if err := sc.Err(); err != nil {
		fmt.Printf("Error reading file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== Telemetry Frame Analyzer ===\n")
	fmt.Printf("File: %s\n", filename)
	fmt.Printf("Frames: %d\n", len(records))
	if len(records) > 0 {
		first, last := records[0], records[len(records)-1]
		fmt.Printf("Session: %s from %s\n", first.Session, first.RemoteAddr)
		fmt.Printf("Duration: %s\n", last.Timestamp.Sub(first.Timestamp).Truncate(time.Millisecond))
	}
	fmt.Println()

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Println("Direction / Type             Frames      Bytes")
	fmt.Println("---------------------------- ------ ----------")
	for _, k := range keys {
		fmt.Printf("%-28s %6d %10d\n", k, counts[k], bytes[k])
	}
	fmt.Println()

	pushIntervals(records)

	if verbose {
		for i := range records {
			dumpFrame(&records[i])
		}
	}
}

// pushIntervals reports the spacing of outbound data frames, which should
// track the server's live interval.
func pushIntervals(records []server.FrameRecord) {
	var prev time.Time
	var gaps []time.Duration
	for _, rec := range records {
		if rec.Direction != websocket.Outbound || (rec.Opcode != websocket.OpcodeText && rec.Opcode != websocket.OpcodeBinary) {
			continue
		}
		if !prev.IsZero() {
			gaps = append(gaps, rec.Timestamp.Sub(prev))
		}
		prev = rec.Timestamp
	}
	if len(gaps) == 0 {
		fmt.Println("Fewer than two pushes; no interval to report.")
		return
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	fmt.Printf("Push interval: min %s, median %s, max %s\n\n",
		gaps[0].Truncate(time.Millisecond),
		gaps[len(gaps)/2].Truncate(time.Millisecond),
		gaps[len(gaps)-1].Truncate(time.Millisecond))
}

func dumpFrame(rec *server.FrameRecord) {
	fmt.Printf("========================================\n")
	fmt.Printf("Frame #%d - %s %s - %d bytes - %s\n", rec.FrameNum, rec.Direction, rec.FrameType,
		rec.PayloadLen, rec.Timestamp.Format(server.TimeLayout))
	fmt.Printf("========================================\n")

	payload, err := hex.DecodeString(rec.PayloadHex)
	if err != nil {
		fmt.Printf("Error decoding hex: %v\n\n", err)
		return
	}

	switch rec.Opcode {
	case websocket.OpcodeText:
		fmt.Println(truncate(string(payload), 400))
	case websocket.OpcodeBinary:
		var v any
		if err := codec.Unmarshal(payload, &v); err != nil {
			fmt.Printf("Not CBOR: %v\n", err)
			fmt.Println(rec.PayloadAscii)
			break
		}
		out, _ := json.Marshal(v)
		fmt.Printf("CBOR as JSON: %s\n", truncate(string(out), 400))
	case websocket.OpcodeClose:
		if len(payload) >= 2 {
			fmt.Printf("Close code %d %q\n", int(payload[0])<<8|int(payload[1]), payload[2:])
		} else {
			fmt.Println("Close without status")
		}
	default:
		fmt.Println(rec.PayloadAscii)
	}
	fmt.Println()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
