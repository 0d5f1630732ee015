// Package telemetry streams control loop health over gRPC.
//
// The service has a single server-streaming method, Watch. Requests and
// responses are google.protobuf.Struct messages so clients in any language
// can consume the stream without generated stubs. A request may set
// "interval_ms" (default 100, range 10..10000) and "count" (0 streams until
// the client goes away).
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/wheelcore/internal/engine"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "wheelcore.telemetry.v1.Telemetry"
	watchMethod = "/" + ServiceName + "/Watch"

	DefaultInterval = 100 * time.Millisecond
	MinInterval     = 10 * time.Millisecond
	MaxInterval     = 10 * time.Second
)

// Source supplies health snapshots.
type Source interface {
	Health() engine.HealthSnapshot
}

// WatchServer is the server side of the Telemetry service.
type WatchServer interface {
	Watch(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WatchServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "wheelcore/telemetry/v1/telemetry.proto",
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(WatchServer).Watch(req, stream)
}

// Register adds the Telemetry service backed by srv to s.
func Register(s grpc.ServiceRegistrar, srv WatchServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Server implements WatchServer over a Source.
type Server struct {
	src Source
}

var _ WatchServer = (*Server)(nil)

// NewServer returns a Server reading from src.
func NewServer(src Source) *Server {
	return &Server{src: src}
}

// Watch sends a snapshot immediately and then once per interval.
func (s *Server) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	if s.src == nil {
		return status.Error(codes.Unavailable, "no health source")
	}
	interval, count, err := parseRequest(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	diagf("watch started: interval=%v count=%d", interval, count)

	t := time.NewTicker(interval)
	defer t.Stop()
	ctx := stream.Context()
	for sent := 0; count == 0 || sent < count; sent++ {
		if sent > 0 {
			select {
			case <-ctx.Done():
				diagf("watch ended after %d snapshots", sent)
				return nil
			case <-t.C:
			}
		}
		msg, err := Snapshot(s.src.Health())
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

func parseRequest(req *structpb.Struct) (time.Duration, int, error) {
	interval, count := DefaultInterval, 0
	if req == nil {
		return interval, count, nil
	}
	if v, ok := req.GetFields()["interval_ms"]; ok {
		ms := v.GetNumberValue()
		if math.IsNaN(ms) || ms < 0 {
			return 0, 0, fmt.Errorf("interval_ms %v must be non-negative", ms)
		}
		if ms > 0 {
			interval = time.Duration(ms * float64(time.Millisecond))
		}
		if interval < MinInterval || interval > MaxInterval {
			return 0, 0, fmt.Errorf("interval_ms %v not in [%d, %d]", ms, MinInterval.Milliseconds(), MaxInterval.Milliseconds())
		}
	}
	if v, ok := req.GetFields()["count"]; ok {
		n := v.GetNumberValue()
		if n < 0 || n != math.Trunc(n) || n > math.MaxInt32 {
			return 0, 0, fmt.Errorf("count %v must be a non-negative integer", n)
		}
		count = int(n)
	}
	return interval, count, nil
}

// Snapshot converts h to a Struct with the same field names as its JSON
// form.
func Snapshot(h engine.HealthSnapshot) (*structpb.Struct, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal health snapshot: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode health snapshot: %w", err)
	}
	return structpb.NewStruct(m)
}

// WatchOptions configure a client Watch call.
type WatchOptions struct {
	Interval time.Duration
	Count    int
}

// Watch opens a Watch stream on cc and calls fn for every snapshot until the
// server ends the stream, ctx is done, or fn returns an error.
func Watch(ctx context.Context, cc grpc.ClientConnInterface, opts WatchOptions, fn func(*structpb.Struct) error) error {
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], watchMethod)
	if err != nil {
		return fmt.Errorf("failed to open watch stream: %w", err)
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"interval_ms": float64(opts.Interval) / float64(time.Millisecond),
		"count":       float64(opts.Count),
	})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("failed to send watch request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close watch request: %w", err)
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if status.Code(err) == codes.Canceled && ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
