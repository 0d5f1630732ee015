package telemetry

import (
	"io"

	"github.com/banshee-data/wheelcore/internal/monitoring"
)

var logs = monitoring.NewStreams("[telemetry] ")

// SetLogWriters configures the logging streams for the telemetry package.
func SetLogWriters(ops, diag, trace io.Writer) {
	logs.SetWriters(ops, diag, trace)
}

func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }
