package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/wheelcore/internal/device"
)

func TestPrintSummary(t *testing.T) {
	start := time.Unix(1700000000, 0)
	sum := device.CaptureSummary{
		Packets:    10,
		Reports:    8,
		SeqGaps:    1,
		PeakTorque: 0.75,
		First:      start,
		Last:       start.Add(7 * time.Millisecond),
		MeanPeriod: time.Millisecond,
		P99Period:  time.Millisecond,
	}

	var text bytes.Buffer
	if err := printSummary(&text, sum, false); err != nil {
		t.Fatalf("printSummary() error = %v", err)
	}
	for _, want := range []string{"reports:     8", "seq gaps:    1", "peak torque: 0.7500", "duration:    7ms"} {
		if !strings.Contains(text.String(), want) {
			t.Errorf("text summary missing %q:\n%s", want, text.String())
		}
	}

	var js bytes.Buffer
	if err := printSummary(&js, sum, true); err != nil {
		t.Fatalf("printSummary(json) error = %v", err)
	}
	var got device.CaptureSummary
	if err := json.Unmarshal(js.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.Reports != 8 || got.MeanPeriod != time.Millisecond {
		t.Errorf("decoded summary = %+v", got)
	}
}
