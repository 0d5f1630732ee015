package incident

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/wheelcore/internal/fmea"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "incidents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func outcome(fault fmea.FaultType, status fmea.RecoveryStatus, started time.Time) fmea.RecoveryOutcome {
	return fmea.RecoveryOutcome{
		ID:             uuid.New(),
		Fault:          fault,
		Status:         status,
		Attempts:       1,
		StepsCompleted: 3,
		Started:        started,
		Ended:          started.Add(250 * time.Millisecond),
	}
}

func TestOpen_AppliesMigrations(t *testing.T) {
	s := openTestStore(t)
	version, dirty, err := s.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.db")
	s, err := Open(path)
	require.NoError(t, err)
	base := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.RecordOutcome(context.Background(), outcome(fmea.UsbStall, fmea.RecoveryCompleted, base)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRecordOutcome_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 5000).UTC()

	o := outcome(fmea.ThermalLimit, fmea.RecoveryFailed, base)
	o.Attempts = 3
	o.Escalated = true
	o.Err = errors.New("temperature still 82.0°C")
	require.NoError(t, s.RecordOutcome(ctx, o))

	got, err := s.Get(ctx, o.ID.String())
	require.NoError(t, err)
	assert.Equal(t, Incident{
		ID:             o.ID.String(),
		Fault:          "thermal_limit",
		Status:         "failed",
		Attempts:       3,
		StepsCompleted: 3,
		Escalated:      true,
		Started:        base,
		Ended:          base.Add(250 * time.Millisecond),
		Error:          "temperature still 82.0°C",
	}, got)
	assert.InDelta(t, 250.0, got.DurationMs(), 1e-9)
}

func TestRecordOutcome_AssignsMissingID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	o := outcome(fmea.PipelineFault, fmea.RecoveryCompleted, time.Unix(1, 0))
	o.ID = uuid.Nil
	require.NoError(t, s.RecordOutcome(ctx, o))

	got, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	_, err = uuid.Parse(got[0].ID)
	assert.NoError(t, err)
	assert.NotEqual(t, uuid.Nil.String(), got[0].ID)
}

func TestRecent_NewestFirstAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	faults := []fmea.FaultType{fmea.UsbStall, fmea.EncoderNaN, fmea.PipelineFault}
	for i, f := range faults {
		require.NoError(t, s.RecordOutcome(ctx, outcome(f, fmea.RecoveryCompleted, base.Add(time.Duration(i)*time.Second))))
	}

	got, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "pipeline_fault", got[0].Fault)
	assert.Equal(t, "encoder_nan", got[1].Fault)

	all, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestCountByFault(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	for i, f := range []fmea.FaultType{fmea.UsbStall, fmea.UsbStall, fmea.TimingViolation} {
		require.NoError(t, s.RecordOutcome(ctx, outcome(f, fmea.RecoveryCompleted, base.Add(time.Duration(i)*time.Second))))
	}

	counts, err := s.CountByFault(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"usb_stall": 2, "timing_violation": 1}, counts)
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestStore_ImplementsRecorder(t *testing.T) {
	var _ fmea.OutcomeRecorder = (*Store)(nil)
}
