package device

import (
	"io"

	"github.com/banshee-data/wheelcore/internal/monitoring"
)

var logs = monitoring.NewStreams("[device] ")

// SetLogWriters configures the logging streams for the device package.
func SetLogWriters(ops, diag, trace io.Writer) {
	logs.SetWriters(ops, diag, trace)
}

func opsf(format string, args ...interface{})  { logs.Opsf(format, args...) }
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }
