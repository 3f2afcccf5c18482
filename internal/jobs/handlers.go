package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"bustrack-svr/internal/domain"
	"bustrack-svr/internal/geo"
	"bustrack-svr/internal/realtime"
	"bustrack-svr/internal/store"
)

// Handlers holds the collaborators the job handlers close over.
type Handlers struct {
	trips       store.Trips
	maintenance store.Maintenance
	pub         realtime.Publisher
	logger      *slog.Logger
}

func NewHandlers(trips store.Trips, maintenance store.Maintenance, pub realtime.Publisher, logger *slog.Logger) *Handlers {
	return &Handlers{
		trips:       trips,
		maintenance: maintenance,
		pub:         pub,
		logger:      logger.With("component", "jobs"),
	}
}

// RegisterAll binds every handler to its job kind.
func (h *Handlers) RegisterAll(q *Queue) {
	q.Register(KindEndTrip, h.EndTrip)
	q.Register(KindAnalytics, h.Analytics)
	q.Register(KindCleanup, h.Cleanup)
}

// EndTrip finalizes the vehicle's active trip: derives distance,
// duration, average speed and passenger count, records the final
// coordinate, and marks the trip completed. Idempotent: a vehicle with
// no active trip (already finalized by an earlier delivery) is a no-op.
func (h *Handlers) EndTrip(ctx context.Context, job Job) error {
	var p EndTripPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode end-trip payload: %w", err)
	}

	active, err := h.trips.FindActiveTrip(ctx, p.VehicleID)
	if err != nil {
		return fmt.Errorf("active trip lookup: %w", err)
	}
	if active == nil {
		h.logger.Info("no active trip to end", "vehicle", p.VehicleID)
		return nil
	}

	points, err := h.trips.Coordinates(ctx, active.ID)
	if err != nil {
		return fmt.Errorf("load coordinates: %w", err)
	}

	boarded, exited, err := h.trips.BoardingCounts(ctx, active.ID)
	if err != nil {
		return fmt.Errorf("boarding counts: %w", err)
	}
	passengers := boarded - exited
	if passengers < 0 {
		passengers = 0
	}

	distanceKm := pathDistanceKm(points, p.Final)
	duration := time.Since(active.StartTime)
	if duration < 0 {
		duration = 0
	}
	avgSpeed := 0.0
	if hours := duration.Hours(); hours > 0 {
		avgSpeed = distanceKm / hours
	}

	err = h.trips.FinalizeTrip(ctx, active.ID, p.Final, distanceKm, avgSpeed, duration, passengers)
	if err != nil {
		return fmt.Errorf("finalize trip %s: %w", active.ID, err)
	}
	h.logger.Info("trip ended", "vehicle", p.VehicleID, "trip", active.ID,
		"distance_km", distanceKm, "duration", duration.Round(time.Second), "passengers", passengers)

	summary := map[string]interface{}{
		"trip_id":     active.ID,
		"vehicle_id":  p.VehicleID,
		"distance_km": distanceKm,
		"avg_speed":   avgSpeed,
		"duration_s":  int64(duration.Seconds()),
		"passengers":  passengers,
	}
	for _, ch := range []string{realtime.ChannelAdmins, realtime.VehicleChannel(p.VehicleID)} {
		if err := h.pub.Publish(ctx, ch, "trip_ended", summary); err != nil {
			h.logger.Warn("trip_ended publish failed", "vehicle", p.VehicleID, "err", err)
		}
	}
	return nil
}

// Analytics upserts the daily per-vehicle rollups.
func (h *Handlers) Analytics(ctx context.Context, job Job) error {
	var p AnalyticsPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode analytics payload: %w", err)
	}
	day, err := time.Parse("2006-01-02", p.Day)
	if err != nil {
		return fmt.Errorf("parse day %q: %w", p.Day, err)
	}
	if err := h.maintenance.GenerateDailyRollups(ctx, day); err != nil {
		return fmt.Errorf("rollups for %s: %w", p.Day, err)
	}
	h.logger.Info("daily rollups generated", "day", p.Day)
	return nil
}

// Cleanup applies the retention cutoffs carried in the payload.
func (h *Handlers) Cleanup(ctx context.Context, job Job) error {
	var p CleanupPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode cleanup payload: %w", err)
	}
	trips, err := h.maintenance.DeleteCompletedTripsBefore(ctx, p.TripCutoff)
	if err != nil {
		return fmt.Errorf("trip cleanup: %w", err)
	}
	alerts, err := h.maintenance.DeleteResolvedAlertsBefore(ctx, p.AlertCutoff)
	if err != nil {
		return fmt.Errorf("alert cleanup: %w", err)
	}
	h.logger.Info("retention cleanup done", "trips_removed", trips, "alerts_removed", alerts)
	return nil
}

// pathDistanceKm sums the great-circle distance over the recorded path
// plus the leg to the final point.
func pathDistanceKm(points []domain.Point, final domain.Point) float64 {
	meters := 0.0
	for i := 1; i < len(points); i++ {
		meters += geo.DistanceM(points[i-1].Lat, points[i-1].Lng, points[i].Lat, points[i].Lng)
	}
	if n := len(points); n > 0 {
		meters += geo.DistanceM(points[n-1].Lat, points[n-1].Lng, final.Lat, final.Lng)
	}
	return meters / 1000
}
