package buffer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack-svr/internal/domain"
)

type fakeAppender struct {
	mu       sync.Mutex
	failures int
	batches  [][]domain.Point
	metas    []domain.TripMeta
}

func (f *fakeAppender) AppendCoordinates(_ context.Context, _ string, points []domain.Point, meta domain.TripMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("store down")
	}
	batch := make([]domain.Point, len(points))
	copy(batch, points)
	f.batches = append(f.batches, batch)
	f.metas = append(f.metas, meta)
	return nil
}

func (f *fakeAppender) all() []domain.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Point
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func (f *fakeAppender) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pt(lat, lng, speed float64) domain.Point {
	return domain.Point{Lat: lat, Lng: lng, SpeedKmh: speed, Timestamp: time.Now()}
}

func TestAddDropsPointsWithinMinDelta(t *testing.T) {
	app := &fakeAppender{}
	b := New(app, 100, 10, time.Minute, testLogger())
	ctx := context.Background()

	b.Add(ctx, "v1", pt(10.0, 10.0, 20))
	b.Add(ctx, "v1", pt(10.00004, 10.0, 20)) // ~4.4m, under the 10m floor
	b.Add(ctx, "v1", pt(10.001, 10.0, 25))   // ~111m

	require.NoError(t, b.Flush(ctx, "v1"))
	points := app.all()
	require.Len(t, points, 2)
	assert.Equal(t, 10.0, points[0].Lat)
	assert.Equal(t, 10.001, points[1].Lat)
}

func TestSeedSetsBaselineWithoutBuffering(t *testing.T) {
	app := &fakeAppender{}
	b := New(app, 100, 10, time.Minute, testLogger())
	ctx := context.Background()

	b.Seed("v1", pt(10.0, 10.0, 20))
	b.Add(ctx, "v1", pt(10.00004, 10.0, 20)) // too close to the seed

	require.NoError(t, b.Flush(ctx, "v1"))
	assert.Zero(t, app.batchCount(), "seed point must not be persisted again")
}

func TestFlushFailureKeepsOrder(t *testing.T) {
	app := &fakeAppender{failures: 1}
	b := New(app, 100, 10, time.Minute, testLogger())
	ctx := context.Background()

	b.Add(ctx, "v1", pt(10.0, 10.0, 20))
	b.Add(ctx, "v1", pt(10.01, 10.0, 21))
	require.Error(t, b.Flush(ctx, "v1"))

	b.Add(ctx, "v1", pt(10.02, 10.0, 22))
	require.NoError(t, b.Flush(ctx, "v1"))

	points := app.all()
	require.Len(t, points, 3)
	assert.Equal(t, []float64{10.0, 10.01, 10.02}, []float64{points[0].Lat, points[1].Lat, points[2].Lat})
}

func TestSizeThresholdTriggersFlush(t *testing.T) {
	app := &fakeAppender{}
	b := New(app, 2, 10, time.Minute, testLogger())
	ctx := context.Background()

	b.Add(ctx, "v1", pt(10.0, 10.0, 20))
	b.Add(ctx, "v1", pt(10.01, 10.0, 21))

	require.Eventually(t, func() bool { return app.batchCount() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Len(t, app.all(), 2)
}

func TestFlushMetaReflectsNewestPoint(t *testing.T) {
	app := &fakeAppender{}
	b := New(app, 100, 10, time.Minute, testLogger())
	ctx := context.Background()

	b.Add(ctx, "v1", pt(10.0, 10.0, 20))
	newest := pt(10.01, 10.0, 33)
	b.Add(ctx, "v1", newest)

	require.NoError(t, b.Flush(ctx, "v1"))
	require.Len(t, app.metas, 1)
	assert.Equal(t, 33.0, app.metas[0].CurrentSpeedKmh)
	assert.Equal(t, newest.Timestamp, app.metas[0].LastUpdate)
}

func TestFlushAllCoversEveryVehicle(t *testing.T) {
	app := &fakeAppender{}
	b := New(app, 100, 10, time.Minute, testLogger())
	ctx := context.Background()

	b.Add(ctx, "v1", pt(10.0, 10.0, 20))
	b.Add(ctx, "v2", pt(20.0, 20.0, 30))

	b.FlushAll(ctx)
	assert.Equal(t, 2, app.batchCount())
	assert.Len(t, app.all(), 2)
}

func TestFlushUnknownVehicleIsNoop(t *testing.T) {
	b := New(&fakeAppender{}, 100, 10, time.Minute, testLogger())
	require.NoError(t, b.Flush(context.Background(), "missing"))
}
