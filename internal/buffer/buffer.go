// Package buffer batches accepted location points per vehicle in
// memory and flushes them to the durable trip record on a timer, a
// size threshold, or a forced flush.
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bustrack-svr/internal/domain"
	"bustrack-svr/internal/geo"
	"bustrack-svr/internal/observability"
)

// Appender is the durable write target for flushed batches.
type Appender interface {
	AppendCoordinates(ctx context.Context, vehicleID string, points []domain.Point, meta domain.TripMeta) error
}

type vehicleBuffer struct {
	mu     sync.Mutex // guards points and last
	points []domain.Point
	last   *domain.Point // last accepted point, delta-filter baseline

	flushMu sync.Mutex // serializes flushes for this vehicle
}

type Buffer struct {
	appender  Appender
	maxPoints int
	minDeltaM float64
	interval  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	vehicles map[string]*vehicleBuffer
}

func New(appender Appender, maxPoints int, minDeltaM float64, interval time.Duration, logger *slog.Logger) *Buffer {
	return &Buffer{
		appender:  appender,
		maxPoints: maxPoints,
		minDeltaM: minDeltaM,
		interval:  interval,
		logger:    logger.With("component", "buffer"),
		vehicles:  make(map[string]*vehicleBuffer),
	}
}

func (b *Buffer) vehicle(vehicleID string) *vehicleBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	vb, ok := b.vehicles[vehicleID]
	if !ok {
		vb = &vehicleBuffer{}
		b.vehicles[vehicleID] = vb
	}
	return vb
}

// Add buffers a point for the vehicle. Points closer than the minimum
// distance delta to the last accepted point are dropped. Add never
// blocks on I/O: a size-triggered flush runs on its own goroutine.
func (b *Buffer) Add(ctx context.Context, vehicleID string, p domain.Point) {
	vb := b.vehicle(vehicleID)

	vb.mu.Lock()
	if vb.last != nil && geo.DistanceM(vb.last.Lat, vb.last.Lng, p.Lat, p.Lng) < b.minDeltaM {
		vb.mu.Unlock()
		observability.PointsDropped.Inc()
		return
	}
	vb.points = append(vb.points, p)
	vb.last = &p
	full := len(vb.points) >= b.maxPoints
	vb.mu.Unlock()

	if full {
		go func() {
			if err := b.flushVehicle(ctx, vehicleID, vb); err != nil {
				b.logger.Error("size-triggered flush failed", "vehicle", vehicleID, "err", err)
			}
		}()
	}
}

// Seed sets the delta-filter baseline without buffering, used for a
// trip's first coordinate which the store already holds.
func (b *Buffer) Seed(vehicleID string, p domain.Point) {
	vb := b.vehicle(vehicleID)
	vb.mu.Lock()
	vb.last = &p
	vb.mu.Unlock()
}

// Flush force-flushes one vehicle's buffer, waiting out any flush
// already in flight.
func (b *Buffer) Flush(ctx context.Context, vehicleID string) error {
	b.mu.Lock()
	vb, ok := b.vehicles[vehicleID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.flushVehicle(ctx, vehicleID, vb)
}

// FlushAll flushes every non-empty buffer. Used by the periodic timer
// and on shutdown.
func (b *Buffer) FlushAll(ctx context.Context) {
	b.mu.Lock()
	snapshot := make(map[string]*vehicleBuffer, len(b.vehicles))
	for id, vb := range b.vehicles {
		snapshot[id] = vb
	}
	b.mu.Unlock()

	for id, vb := range snapshot {
		if err := b.flushVehicle(ctx, id, vb); err != nil {
			b.logger.Error("flush failed, batch re-queued", "vehicle", id, "err", err)
		}
	}
}

// Run flushes all buffers on the configured interval until the context
// ends, then performs one final flush.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.FlushAll(ctx)
		case <-ctx.Done():
			b.FlushAll(context.Background())
			return
		}
	}
}

func (b *Buffer) flushVehicle(ctx context.Context, vehicleID string, vb *vehicleBuffer) error {
	vb.flushMu.Lock()
	defer vb.flushMu.Unlock()

	vb.mu.Lock()
	batch := vb.points
	vb.points = nil
	vb.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	observability.BufferFlushes.Inc()
	newest := batch[len(batch)-1]
	err := b.appender.AppendCoordinates(ctx, vehicleID, batch, domain.TripMeta{
		LastUpdate:      newest.Timestamp,
		CurrentSpeedKmh: newest.SpeedKmh,
	})
	if err != nil {
		observability.BufferFlushErrors.Inc()
		// re-merge at the front so the retry sees the same order
		vb.mu.Lock()
		vb.points = append(batch, vb.points...)
		vb.mu.Unlock()
		return err
	}
	return nil
}
