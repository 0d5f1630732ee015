// Command usb-capture summarises the torque reports in a usbmon capture.
//
// Record the wheel base bus with, for example,
//
//	tcpdump -i usbmon1 -w wheel.pcap
//
// and then run
//
//	go run ./cmd/tools/usb-capture -pcap wheel.pcap
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/banshee-data/wheelcore/internal/device"
)

func main() {
	pcapFile := flag.String("pcap", "", "Path to a usbmon pcap file")
	asJSON := flag.Bool("json", false, "Print the summary as JSON")
	flag.Parse()

	if *pcapFile == "" {
		log.Fatal("-pcap is required")
	}
	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", *pcapFile, err)
	}
	defer f.Close()

	sum, err := device.AnalyzeUSBCapture(f)
	if err != nil {
		log.Fatalf("Failed to analyse %s: %v", *pcapFile, err)
	}
	if err := printSummary(os.Stdout, sum, *asJSON); err != nil {
		log.Fatalf("Failed to print summary: %v", err)
	}
}

func printSummary(w io.Writer, sum device.CaptureSummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	_, err := fmt.Fprintf(w, `packets:     %d
reports:     %d
malformed:   %d
seq gaps:    %d
saturated:   %d
peak torque: %.4f
duration:    %v
period:      mean %v, p99 %v, stddev %v
`,
		sum.Packets, sum.Reports, sum.Malformed, sum.SeqGaps, sum.Saturated, sum.PeakTorque,
		sum.Last.Sub(sum.First), sum.MeanPeriod, sum.P99Period,
		time.Duration(sum.StdDevNanos).Round(time.Microsecond))
	return err
}
