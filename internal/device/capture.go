package device

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"gonum.org/v1/gonum/stat"
)

const (
	// linkTypeLinuxUSBMmapped is usbmon with the 64-byte header.
	linkTypeLinuxUSBMmapped layers.LinkType = 220
	usbmonHeaderSize                        = 48
)

// CaptureSummary describes the torque reports found in a usbmon capture.
type CaptureSummary struct {
	Packets     int           `json:"packets"`
	Reports     int           `json:"reports"`
	Malformed   int           `json:"malformed"`
	SeqGaps     int           `json:"seq_gaps"`
	Saturated   int           `json:"saturated"`
	PeakTorque  float64       `json:"peak_torque"`
	First       time.Time     `json:"first"`
	Last        time.Time     `json:"last"`
	MeanPeriod  time.Duration `json:"mean_period_ns"`
	P99Period   time.Duration `json:"p99_period_ns"`
	StdDevNanos float64       `json:"stddev_period_ns"`
}

// AnalyzeUSBCapture reads a pcap of usbmon traffic and decodes every host to
// device transfer that starts with the torque report ID.
func AnalyzeUSBCapture(r io.Reader) (CaptureSummary, error) {
	var sum CaptureSummary
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return sum, fmt.Errorf("failed to read pcap header: %w", err)
	}
	if lt := pr.LinkType(); lt != layers.LinkTypeLinuxUSB && lt != linkTypeLinuxUSBMmapped {
		return sum, fmt.Errorf("unsupported link type %v, want usbmon", lt)
	}

	var (
		periods []float64
		lastTS  time.Time
		lastSeq uint64
		haveSeq bool
	)
	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sum, fmt.Errorf("failed to read packet %d: %w", sum.Packets+1, err)
		}
		sum.Packets++

		payload, ok := usbOutPayload(data)
		if !ok || len(payload) == 0 || payload[0] != ReportID {
			continue
		}
		rep, err := DecodeReport(payload)
		if err != nil {
			sum.Malformed++
			continue
		}
		sum.Reports++

		if haveSeq && (rep.Seq-lastSeq)&0xffff != 1 {
			sum.SeqGaps++
		}
		lastSeq, haveSeq = rep.Seq, true

		abs := math.Abs(rep.Torque)
		sum.PeakTorque = math.Max(sum.PeakTorque, abs)
		if abs >= 1 {
			sum.Saturated++
		}

		if sum.First.IsZero() {
			sum.First = ci.Timestamp
		} else {
			periods = append(periods, float64(ci.Timestamp.Sub(lastTS)))
		}
		lastTS = ci.Timestamp
		sum.Last = ci.Timestamp
	}

	if len(periods) > 0 {
		sort.Float64s(periods)
		mean, std := stat.MeanStdDev(periods, nil)
		sum.MeanPeriod = time.Duration(mean)
		sum.StdDevNanos = std
		if len(periods) == 1 {
			sum.StdDevNanos = 0
		}
		sum.P99Period = time.Duration(stat.Quantile(0.99, stat.Empirical, periods, nil))
	}
	return sum, nil
}

// usbOutPayload returns the data stage of a submitted host-to-device
// interrupt or bulk URB.
func usbOutPayload(data []byte) ([]byte, bool) {
	if len(data) < usbmonHeaderSize {
		return nil, false
	}
	var usb layers.USB
	if err := usb.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, false
	}
	// Bit 7 of the endpoint byte is set for device-to-host transfers.
	if data[10]&0x80 != 0 || usb.EventType != layers.USBEventTypeSubmit {
		return nil, false
	}
	if usb.TransferType != layers.USBTransportTypeInterrupt && usb.TransferType != layers.USBTransportTypeBulk {
		return nil, false
	}
	n := int(usb.UrbDataLength)
	if n <= 0 || n > len(data) {
		return nil, false
	}
	return data[len(data)-n:], true
}
