// Package trip decides trip start and end per vehicle from speed,
// geofence proximity, and inactivity. Trip state lives in the durable
// store's end-time field, so it survives process restarts; only the
// last-movement timestamps are in-process.
package trip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bustrack-svr/internal/domain"
	"bustrack-svr/internal/geo"
	"bustrack-svr/internal/jobs"
	"bustrack-svr/internal/observability"
	"bustrack-svr/internal/realtime"
	"bustrack-svr/internal/store"
)

// Locker suppresses duplicate end-of-trip enqueues.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) bool
}

// Enqueuer hands end-of-trip work to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload interface{}) error
}

// PointBuffer is the coordinate buffer the machine writes through.
type PointBuffer interface {
	Add(ctx context.Context, vehicleID string, p domain.Point)
	Seed(vehicleID string, p domain.Point)
	Flush(ctx context.Context, vehicleID string) error
}

type Config struct {
	ProximityRadiusM  float64
	MinMovingSpeedKmh float64
	EndSpeedKmh       float64
	InactivityEnd     time.Duration
	EndLockTTL        time.Duration
}

type Machine struct {
	cfg    Config
	trips  store.Trips
	buf    PointBuffer
	locks  Locker
	queue  Enqueuer
	pub    realtime.Publisher
	logger *slog.Logger

	mu       sync.Mutex
	lastMove map[string]time.Time
}

func NewMachine(cfg Config, trips store.Trips, buf PointBuffer, locks Locker, queue Enqueuer, pub realtime.Publisher, logger *slog.Logger) *Machine {
	return &Machine{
		cfg:      cfg,
		trips:    trips,
		buf:      buf,
		locks:    locks,
		queue:    queue,
		pub:      pub,
		logger:   logger.With("component", "trip"),
		lastMove: make(map[string]time.Time),
	}
}

// HandlePosition runs one position through the state machine.
func (m *Machine) HandlePosition(ctx context.Context, vehicleID string, p domain.Point) error {
	active, err := m.trips.FindActiveTrip(ctx, vehicleID)
	if err != nil {
		return fmt.Errorf("active trip lookup: %w", err)
	}

	route, err := m.trips.RouteForVehicle(ctx, vehicleID)
	if err != nil {
		// a missing route only disables the geofence conditions
		m.logger.Warn("route lookup failed", "vehicle", vehicleID, "err", err)
		route = nil
	}
	first := route.FirstStation()

	if active == nil {
		return m.maybeStart(ctx, vehicleID, route, first, p)
	}
	return m.continueTrip(ctx, vehicleID, active, first, p)
}

func (m *Machine) maybeStart(ctx context.Context, vehicleID string, route *domain.Route, first *domain.Station, p domain.Point) error {
	if p.SpeedKmh < m.cfg.MinMovingSpeedKmh {
		return nil
	}
	// still parked at the route's first station: not a departure yet
	if first != nil && geo.WithinRadius(p.Lat, p.Lng, first.Lat, first.Lng, m.cfg.ProximityRadiusM) {
		return nil
	}

	routeID := ""
	if route != nil {
		routeID = route.ID
	}
	trip, err := m.trips.CreateTrip(ctx, vehicleID, routeID, p.Timestamp, p)
	if err != nil {
		return fmt.Errorf("create trip: %w", err)
	}

	m.buf.Seed(vehicleID, p)
	m.touch(vehicleID)
	observability.TripsStarted.Inc()
	m.logger.Info("trip started", "vehicle", vehicleID, "trip", trip.ID)

	for _, ch := range []string{realtime.ChannelAdmins, realtime.VehicleChannel(vehicleID)} {
		if err := m.pub.Publish(ctx, ch, "trip_started", trip); err != nil {
			m.logger.Warn("trip_started publish failed", "vehicle", vehicleID, "err", err)
		}
	}
	return nil
}

func (m *Machine) continueTrip(ctx context.Context, vehicleID string, active *domain.Trip, first *domain.Station, p domain.Point) error {
	m.buf.Add(ctx, vehicleID, p)
	if p.SpeedKmh >= m.cfg.MinMovingSpeedKmh {
		m.touch(vehicleID)
	}

	arrived := first != nil &&
		geo.WithinRadius(p.Lat, p.Lng, first.Lat, first.Lng, m.cfg.ProximityRadiusM) &&
		p.SpeedKmh < m.cfg.EndSpeedKmh

	ending := arrived
	if !ending {
		idleSince := m.lastMovement(vehicleID, active.StartTime)
		ending = time.Since(idleSince) > m.cfg.InactivityEnd
	}
	if !ending {
		return nil
	}

	// one end job per ending event, even under rapid repeated readings
	if !m.locks.TryAcquire(ctx, "trip:end:"+vehicleID, m.cfg.EndLockTTL) {
		return nil
	}

	if err := m.buf.Flush(ctx, vehicleID); err != nil {
		// batch stays queued for the next tick; the worker will still
		// finalize whatever the store holds
		m.logger.Warn("pre-end flush failed", "vehicle", vehicleID, "err", err)
	}

	err := m.queue.Enqueue(ctx, jobs.KindEndTrip, jobs.EndTripPayload{VehicleID: vehicleID, Final: p})
	if err != nil {
		return fmt.Errorf("enqueue end-trip: %w", err)
	}
	observability.TripEndJobs.Inc()
	m.logger.Info("trip ending", "vehicle", vehicleID, "trip", active.ID, "arrived", arrived)

	m.mu.Lock()
	delete(m.lastMove, vehicleID)
	m.mu.Unlock()
	return nil
}

func (m *Machine) touch(vehicleID string) {
	m.mu.Lock()
	m.lastMove[vehicleID] = time.Now()
	m.mu.Unlock()
}

func (m *Machine) lastMovement(vehicleID string, fallback time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.lastMove[vehicleID]; ok {
		return t
	}
	return fallback
}
