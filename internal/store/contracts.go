// Package store defines the access contracts for the shared cache and
// the durable store, plus their Redis and Postgres implementations.
// The core only ever depends on these interfaces; tests substitute
// in-memory fakes.
package store

import (
	"context"
	"time"

	"bustrack-svr/internal/domain"
)

// Devices resolves hardware identifiers to vehicle records.
type Devices interface {
	// FindVehicleByDeviceID returns the linked vehicle id, or empty
	// when the device is not registered to any vehicle.
	FindVehicleByDeviceID(ctx context.Context, deviceID string) (string, error)
}

// Trips is the durable trip record contract.
type Trips interface {
	// FindActiveTrip returns the vehicle's trip with no end time, or
	// nil when the vehicle has none.
	FindActiveTrip(ctx context.Context, vehicleID string) (*domain.Trip, error)

	// CreateTrip atomically finds-or-creates the vehicle's active trip.
	// When a concurrent caller won the race, the existing active trip
	// is returned instead of a new one.
	CreateTrip(ctx context.Context, vehicleID, routeID string, startTime time.Time, first domain.Point) (*domain.Trip, error)

	// AppendCoordinates appends a batch of points, in order, to the
	// vehicle's active trip and refreshes its metadata. A vehicle with
	// no active trip is a no-op.
	AppendCoordinates(ctx context.Context, vehicleID string, points []domain.Point, meta domain.TripMeta) error

	// Coordinates returns a trip's recorded points in append order.
	Coordinates(ctx context.Context, tripID string) ([]domain.Point, error)

	// FinalizeTrip records the final coordinate and the derived stats,
	// and moves the trip to completed.
	FinalizeTrip(ctx context.Context, tripID string, final domain.Point, distanceKm, avgSpeedKmh float64, duration time.Duration, passengers int) error

	// BoardingCounts returns the boarded/exited totals recorded against
	// a trip by the passenger-counting surface.
	BoardingCounts(ctx context.Context, tripID string) (boarded, exited int, err error)

	// RouteForVehicle returns the vehicle's assigned route with its
	// ordered stations, or nil when none is assigned.
	RouteForVehicle(ctx context.Context, vehicleID string) (*domain.Route, error)
}

// Alerts is the durable alert record contract.
type Alerts interface {
	CreateAlert(ctx context.Context, vehicleID string, typ domain.AlertType, message string, priority domain.AlertPriority) (*domain.Alert, error)
}

// Maintenance covers the derived-analytics and retention work executed
// by background jobs. All operations are idempotent.
type Maintenance interface {
	// GenerateDailyRollups upserts per-vehicle stats for the given day.
	GenerateDailyRollups(ctx context.Context, day time.Time) error

	// DeleteCompletedTripsBefore removes completed trips older than the
	// cutoff; returns the number removed.
	DeleteCompletedTripsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteResolvedAlertsBefore removes resolved alerts older than the
	// cutoff; returns the number removed.
	DeleteResolvedAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cache is the shared expiring cache contract.
type Cache interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// MGet returns the subset of keys that exist.
	MGet(ctx context.Context, keys ...string) (map[string]string, error)

	// SetNX is the conditional-set-with-expiry primitive backing dedup
	// locks: it returns true exactly when the key did not exist.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Scan iterates keys matching pattern with a cursor, never a
	// blocking full-keyspace listing.
	Scan(ctx context.Context, pattern string, fn func(key string) error) error
}
