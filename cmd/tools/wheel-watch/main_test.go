package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/wheelcore/internal/engine"
	"github.com/banshee-data/wheelcore/internal/telemetry"
)

type staticSource struct{}

func (staticSource) Health() engine.HealthSnapshot {
	return engine.HealthSnapshot{Running: true, WatchdogState: "armed"}
}

func TestWatchPrintsJSONLines(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	telemetry.Register(gs, telemetry.NewServer(staticSource{}))
	go func() { _ = gs.Serve(lis) }()
	defer gs.Stop()

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer cc.Close()

	var out bytes.Buffer
	require.NoError(t, watch(context.Background(), cc, telemetry.WatchOptions{Interval: telemetry.MinInterval, Count: 2}, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &snap))
	assert.Equal(t, true, snap["running"])
	assert.Equal(t, "armed", snap["watchdog_state"])
}
