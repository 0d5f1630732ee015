package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/wheelcore/internal/engine"
)

// Torque report wire format, little endian:
//
//	[0]   report ID
//	[1:3] int16 torque, full scale 32767
//	[3:5] uint16 sequence
//	[5]   flags
//	[6]   reserved, zero
//	[7]   XOR of bytes 0 through 6
const (
	ReportID   byte = 0x21
	ReportSize      = 8
	torqueFull      = 32767
)

var (
	ErrShortReport = errors.New("short torque report")
	ErrReportID    = errors.New("unexpected report ID")
	ErrChecksum    = errors.New("torque report checksum mismatch")
)

// EncodeReport packs r. Torque is taken as a fraction of full scale and
// clamped to [-1, 1]; a non-finite torque encodes as zero. Only the low 16
// bits of Seq are sent.
func EncodeReport(r engine.Report) [ReportSize]byte {
	t := r.Torque
	switch {
	case math.IsNaN(t) || math.IsInf(t, 0):
		t = 0
	case t > 1:
		t = 1
	case t < -1:
		t = -1
	}

	var b [ReportSize]byte
	b[0] = ReportID
	binary.LittleEndian.PutUint16(b[1:3], uint16(int16(math.Round(t*torqueFull))))
	binary.LittleEndian.PutUint16(b[3:5], uint16(r.Seq))
	b[5] = r.Flags
	b[7] = checksum(b[:7])
	return b
}

// DecodeReport is the inverse of EncodeReport.
func DecodeReport(b []byte) (engine.Report, error) {
	if len(b) < ReportSize {
		return engine.Report{}, fmt.Errorf("%w: %d bytes", ErrShortReport, len(b))
	}
	if b[0] != ReportID {
		return engine.Report{}, fmt.Errorf("%w: 0x%02x", ErrReportID, b[0])
	}
	if sum := checksum(b[:7]); sum != b[7] {
		return engine.Report{}, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrChecksum, b[7], sum)
	}
	return engine.Report{
		Torque: float64(int16(binary.LittleEndian.Uint16(b[1:3]))) / torqueFull,
		Seq:    uint64(binary.LittleEndian.Uint16(b[3:5])),
		Flags:  b[5],
	}, nil
}

func checksum(b []byte) byte {
	var x byte
	for _, v := range b {
		x ^= v
	}
	return x
}
