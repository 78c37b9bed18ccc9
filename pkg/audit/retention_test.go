package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	cutoffs []time.Time
	deleted int64
	err     error
}

func (f *fakePruner) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.deleted, f.err
}

func TestRetentionRunOnce(t *testing.T) {
	p := &fakePruner{deleted: 3}
	r, err := NewRetention(p, 24*time.Hour, "", nil)
	require.NoError(t, err)

	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, now.Add(-24*time.Hour), p.cutoffs[0])

	p.err = errors.New("db down")
	_, err = r.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestNewRetentionValidation(t *testing.T) {
	_, err := NewRetention(&fakePruner{}, 0, "", nil)
	assert.Error(t, err)

	_, err = NewRetention(&fakePruner{}, time.Hour, "not a schedule", nil)
	assert.Error(t, err)
}

func TestRetentionStartStop(t *testing.T) {
	r, err := NewRetention(&fakePruner{}, time.Hour, "@every 1h", nil)
	require.NoError(t, err)

	r.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, r.Stop(ctx))
}

func TestRetentionPrunesSQLite(t *testing.T) {
	ctx := context.Background()
	l := setupSQLite(t)

	now := time.Now().UTC()
	require.NoError(t, l.LogDecision(ctx, sampleRecord("old", true, now.Add(-72*time.Hour))))
	require.NoError(t, l.LogDecision(ctx, sampleRecord("new", true, now)))

	r, err := NewRetention(l, 24*time.Hour, "", nil)
	require.NoError(t, err)
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
