//go:build ignore

package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/calsol/telemetry/internal/descriptor"
	"github.com/calsol/telemetry/internal/relay"
	"github.com/calsol/telemetry/internal/ui"
	"github.com/calsol/telemetry/internal/xsp"
)

type packetCount struct {
	id       uint16
	name     string
	messages int
	last     xsp.Message
}

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: decode-capture <descriptor-dir> <capture-file>")
		fmt.Println("Example: decode-capture config run-20240601.xsp.zst")
		os.Exit(1)
	}

	set, err := descriptor.LoadDir(os.Args[1])
	if err != nil {
		fmt.Printf("Error loading descriptors: %v\n", err)
		os.Exit(1)
	}
	r, err := relay.OpenCapture(os.Args[2])
	if err != nil {
		fmt.Printf("Error opening capture: %v\n", err)
		os.Exit(1)
	}
	defer r.Close()

	handler := xsp.NewHandler(descriptor.NewTable(set))
	counts := map[uint16]*packetCount{}
	record := func(msgs []xsp.Message) {
		for _, m := range msgs {
			c, ok := counts[m.ID]
			if !ok {
				c = &packetCount{id: m.ID, name: descriptor.FormatID(m.ID)}
				if d, found := set.Lookup(m.ID); found {
					c.name = d.Name
				}
				counts[m.ID] = c
			}
			c.messages++
			c.last = m
		}
	}

	buf := make([]byte, xsp.DefaultReadSize)
	for {
		n, err := r.Read(buf)
		record(handler.Feed(buf[:n]))
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Printf("Error reading capture: %v\n", err)
			os.Exit(1)
		}
	}
	record(handler.Flush())

	stats := handler.Stats()
	fmt.Printf("=== XSP Capture Decoder ===\n")
	fmt.Printf("File:        %s (%s)\n", os.Args[2], relay.CompressionFor(os.Args[2]))
	fmt.Printf("Descriptors: %d\n", set.Len())
	fmt.Printf("Read:        %s\n", ui.FormatBytes(int64(stats.Bytes)))
	fmt.Printf("Packets:     %d\n", stats.Packets)
	fmt.Printf("Messages:    %d\n", stats.Messages)
	fmt.Printf("Framing errors:      %d\n", stats.FramingErrors)
	fmt.Printf("Missing descriptors: %d\n\n", stats.MissingDescriptors)

	ordered := make([]*packetCount, 0, len(counts))
	for _, c := range counts {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].id < ordered[j].id })

	fmt.Println("ID     Packet                   Messages  Last")
	fmt.Println("------ ------------------------ --------  ------------------------------")
	for _, c := range ordered {
		fmt.Printf("%-6s %-24s %8d  %s = %s\n", descriptor.FormatID(c.id), c.name, c.messages,
			c.last.Name, ui.FormatValue(c.last.Value))
	}
}
