package health

import (
	"io"

	"github.com/banshee-data/wheelcore/internal/monitoring"
)

var logs = monitoring.NewStreams("[health] ")

// SetLogWriters configures the logging streams for the health package.
func SetLogWriters(ops, diag, trace io.Writer) {
	logs.SetWriters(ops, diag, trace)
}

func opsf(format string, args ...interface{}) { logs.Opsf(format, args...) }
