package engine

import (
	"io"

	"github.com/banshee-data/wheelcore/internal/monitoring"
)

var logs = monitoring.NewStreams("[engine] ")

// SetLogWriters configures the three logging streams for the engine package.
// Pass nil for any writer to disable that stream. The RT tick itself never
// logs.
func SetLogWriters(ops, diag, trace io.Writer) {
	logs.SetWriters(ops, diag, trace)
}

func opsf(format string, args ...interface{})   { logs.Opsf(format, args...) }
func diagf(format string, args ...interface{})  { logs.Diagf(format, args...) }
func tracef(format string, args ...interface{}) { logs.Tracef(format, args...) }
