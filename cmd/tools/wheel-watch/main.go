// Command wheel-watch prints the telemetry stream of a running wheelcore as
// one JSON object per line.
//
// Usage:
//
//	go run ./cmd/tools/wheel-watch [flags]
//
// Flags:
//
//	-addr      Telemetry address (default: localhost:50051)
//	-interval  Snapshot interval (default: 100ms)
//	-count     Stop after this many snapshots; 0 streams until interrupted
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/wheelcore/internal/telemetry"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "Telemetry address")
	interval := flag.Duration("interval", telemetry.DefaultInterval, "Snapshot interval")
	count := flag.Int("count", 0, "Stop after this many snapshots (0 = unlimited)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cc, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer cc.Close()

	opts := telemetry.WatchOptions{Interval: *interval, Count: *count}
	if err := watch(ctx, cc, opts, os.Stdout); err != nil {
		log.Fatalf("Watch failed: %v", err)
	}
}

func watch(ctx context.Context, cc grpc.ClientConnInterface, opts telemetry.WatchOptions, w io.Writer) error {
	enc := protojson.MarshalOptions{UseProtoNames: true}
	start := time.Now()
	n := 0
	err := telemetry.Watch(ctx, cc, opts, func(s *structpb.Struct) error {
		b, err := enc.Marshal(s)
		if err != nil {
			return err
		}
		n++
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	})
	log.Printf("received %d snapshots in %v", n, time.Since(start).Round(time.Millisecond))
	return err
}
