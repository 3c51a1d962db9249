package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NEONdAPP/neon-core-go/internal/resolver"
)

type stubDue struct {
	ids []uint64
}

func (s stubDue) DuePositions() []uint64 { return s.ids }

type stubStatus struct {
	st resolver.Status
}

func (s stubStatus) Status() resolver.Status { return s.st }

// logCapture collects slog records so tests can assert on what was emitted.
type logCapture struct {
	records []slog.Record
}

func (h *logCapture) Enabled(context.Context, slog.Level) bool { return true }
func (h *logCapture) Handle(_ context.Context, r slog.Record) error {
	h.records = append(h.records, r)
	return nil
}
func (h *logCapture) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *logCapture) WithGroup(string) slog.Handler      { return h }

func (h *logCapture) messages() []string {
	out := make([]string, 0, len(h.records))
	for _, r := range h.records {
		out = append(out, r.Message)
	}
	return out
}

func TestScanReportsDuePositions(t *testing.T) {
	capture := &logCapture{}
	s := NewScanner(stubDue{ids: []uint64{1, 2, 3}}, stubStatus{}, time.Minute, time.Hour, slog.New(capture))

	s.scan(context.Background())

	require.Len(t, capture.records, 1)
	assert.Equal(t, "pipeline: positions due for execution", capture.records[0].Message)
}

func TestScanQuietWhenNothingDue(t *testing.T) {
	capture := &logCapture{}
	s := NewScanner(stubDue{}, stubStatus{}, time.Minute, time.Hour, slog.New(capture))

	s.scan(context.Background())

	assert.Empty(t, capture.records)
}

func TestScanWarnsOnLongRound(t *testing.T) {
	opened := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	capture := &logCapture{}
	s := NewScanner(stubDue{ids: []uint64{1}}, stubStatus{st: resolver.Status{
		Busy:    true,
		RoundID: "round-1",
		Opened:  opened,
	}}, time.Minute, time.Hour, slog.New(capture))
	s.now = func() time.Time { return opened.Add(2 * time.Hour) }

	s.scan(context.Background())

	require.Len(t, capture.records, 1)
	assert.Equal(t, slog.LevelWarn, capture.records[0].Level)
}

func TestScanSilentDuringFreshRound(t *testing.T) {
	opened := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	capture := &logCapture{}
	s := NewScanner(stubDue{ids: []uint64{1}}, stubStatus{st: resolver.Status{
		Busy:    true,
		RoundID: "round-1",
		Opened:  opened,
	}}, time.Minute, time.Hour, slog.New(capture))
	s.now = func() time.Time { return opened.Add(time.Minute) }

	s.scan(context.Background())

	assert.Empty(t, capture.records)
}

type stubBlobArchiver struct {
	positions int64
	audit     int64
	err       error

	lastCutoff time.Time
}

func (s *stubBlobArchiver) ArchivePositions(_ context.Context, before time.Time) (int64, error) {
	s.lastCutoff = before
	return s.positions, s.err
}

func (s *stubBlobArchiver) ArchiveAudit(context.Context, time.Time) (int64, error) {
	return s.audit, s.err
}

func TestArchiverRunUsesRetentionCutoff(t *testing.T) {
	blob := &stubBlobArchiver{positions: 4, audit: 7}
	a := NewArchiver(blob, time.Hour, 30, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, a.Run(context.Background()))

	expected := time.Now().UTC().Add(-30 * 24 * time.Hour)
	assert.WithinDuration(t, expected, blob.lastCutoff, time.Minute)
}

func TestArchiverRunPropagatesErrors(t *testing.T) {
	blob := &stubBlobArchiver{err: errors.New("bucket gone")}
	a := NewArchiver(blob, time.Hour, 30, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
}
