package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bustrack-svr/internal/domain"
)

// Postgres implements Devices, Trips, Alerts and Maintenance on a
// pgx connection pool. The single-active-trip invariant is enforced by
// a partial unique index on trips(vehicle_id) WHERE end_time IS NULL
// (see scripts/initdb).
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) FindVehicleByDeviceID(ctx context.Context, deviceID string) (string, error) {
	var vehicleID *string
	err := s.pool.QueryRow(ctx,
		`SELECT vehicle_id FROM devices WHERE device_id = $1`,
		deviceID,
	).Scan(&vehicleID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("device lookup %s: %w", deviceID, err)
	}
	if vehicleID == nil {
		return "", nil
	}
	return *vehicleID, nil
}

const tripColumns = `id, vehicle_id, COALESCE(route_id, ''), start_time, end_time,
	status, distance_km, avg_speed_kmh, duration_sec, passenger_count`

func scanTrip(row pgx.Row) (*domain.Trip, error) {
	var t domain.Trip
	err := row.Scan(&t.ID, &t.VehicleID, &t.RouteID, &t.StartTime, &t.EndTime,
		&t.Status, &t.DistanceKm, &t.AvgSpeedKmh, &t.DurationSec, &t.PassengerCount)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Postgres) FindActiveTrip(ctx context.Context, vehicleID string) (*domain.Trip, error) {
	trip, err := scanTrip(s.pool.QueryRow(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE vehicle_id = $1 AND end_time IS NULL`,
		vehicleID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active trip lookup %s: %w", vehicleID, err)
	}
	return trip, nil
}

func (s *Postgres) CreateTrip(ctx context.Context, vehicleID, routeID string, startTime time.Time, first domain.Point) (*domain.Trip, error) {
	id := uuid.NewString()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO trips (id, vehicle_id, route_id, start_time, status, last_update, current_speed_kmh)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $4, $6)
		ON CONFLICT (vehicle_id) WHERE end_time IS NULL DO NOTHING`,
		id, vehicleID, routeID, startTime, domain.TripInProgress, first.SpeedKmh,
	)
	if err != nil {
		return nil, fmt.Errorf("create trip for %s: %w", vehicleID, err)
	}
	if tag.RowsAffected() == 0 {
		// lost the find-or-create race; the existing active trip wins
		return s.FindActiveTrip(ctx, vehicleID)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO trip_coordinates (trip_id, lat, lng, speed_kmh, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		id, first.Lat, first.Lng, first.SpeedKmh, first.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("first coordinate for trip %s: %w", id, err)
	}

	return &domain.Trip{
		ID:        id,
		VehicleID: vehicleID,
		RouteID:   routeID,
		StartTime: startTime,
		Status:    domain.TripInProgress,
	}, nil
}

func (s *Postgres) AppendCoordinates(ctx context.Context, vehicleID string, points []domain.Point, meta domain.TripMeta) error {
	if len(points) == 0 {
		return nil
	}

	var tripID string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM trips WHERE vehicle_id = $1 AND end_time IS NULL`,
		vehicleID,
	).Scan(&tripID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("append lookup %s: %w", vehicleID, err)
	}

	rows := make([][]interface{}, len(points))
	for i, p := range points {
		rows[i] = []interface{}{tripID, p.Lat, p.Lng, p.SpeedKmh, p.Timestamp}
	}
	_, err = s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"trip_coordinates"},
		[]string{"trip_id", "lat", "lng", "speed_kmh", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(points), err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE trips SET last_update = $2, current_speed_kmh = $3 WHERE id = $1`,
		tripID, meta.LastUpdate, meta.CurrentSpeedKmh,
	)
	if err != nil {
		return fmt.Errorf("trip metadata update %s: %w", tripID, err)
	}
	return nil
}

func (s *Postgres) Coordinates(ctx context.Context, tripID string) ([]domain.Point, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lat, lng, speed_kmh, recorded_at
		FROM trip_coordinates WHERE trip_id = $1 ORDER BY id`,
		tripID,
	)
	if err != nil {
		return nil, fmt.Errorf("coordinates for trip %s: %w", tripID, err)
	}
	defer rows.Close()

	var points []domain.Point
	for rows.Next() {
		var p domain.Point
		if err := rows.Scan(&p.Lat, &p.Lng, &p.SpeedKmh, &p.Timestamp); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *Postgres) FinalizeTrip(ctx context.Context, tripID string, final domain.Point, distanceKm, avgSpeedKmh float64, duration time.Duration, passengers int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trip_coordinates (trip_id, lat, lng, speed_kmh, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		tripID, final.Lat, final.Lng, final.SpeedKmh, final.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("final coordinate for trip %s: %w", tripID, err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE trips SET
			end_time = start_time + make_interval(secs => $2),
			status = $3,
			distance_km = $4,
			avg_speed_kmh = $5,
			duration_sec = $6,
			passenger_count = $7
		WHERE id = $1 AND end_time IS NULL`,
		tripID, duration.Seconds(), domain.TripCompleted,
		distanceKm, avgSpeedKmh, int64(duration.Seconds()), passengers,
	)
	if err != nil {
		return fmt.Errorf("finalize trip %s: %w", tripID, err)
	}
	return nil
}

func (s *Postgres) BoardingCounts(ctx context.Context, tripID string) (int, int, error) {
	var boarded, exited int
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE kind = 'board'),
			COUNT(*) FILTER (WHERE kind = 'exit')
		FROM boarding_events WHERE trip_id = $1`,
		tripID,
	).Scan(&boarded, &exited)
	if err != nil {
		return 0, 0, fmt.Errorf("boarding counts for trip %s: %w", tripID, err)
	}
	return boarded, exited, nil
}

func (s *Postgres) RouteForVehicle(ctx context.Context, vehicleID string) (*domain.Route, error) {
	var route domain.Route
	err := s.pool.QueryRow(ctx, `
		SELECT r.id, r.name FROM routes r
		JOIN vehicles v ON v.route_id = r.id
		WHERE v.id = $1`,
		vehicleID,
	).Scan(&route.ID, &route.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("route lookup %s: %w", vehicleID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, seq, lat, lng FROM stations
		WHERE route_id = $1 ORDER BY seq`,
		route.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("stations for route %s: %w", route.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var st domain.Station
		if err := rows.Scan(&st.ID, &st.Name, &st.Seq, &st.Lat, &st.Lng); err != nil {
			return nil, err
		}
		route.Stations = append(route.Stations, st)
	}
	return &route, rows.Err()
}

func (s *Postgres) CreateAlert(ctx context.Context, vehicleID string, typ domain.AlertType, message string, priority domain.AlertPriority) (*domain.Alert, error) {
	alert := &domain.Alert{
		ID:        uuid.NewString(),
		VehicleID: vehicleID,
		Type:      typ,
		Message:   message,
		Priority:  priority,
		Timestamp: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, vehicle_id, type, message, priority, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)`,
		alert.ID, alert.VehicleID, alert.Type, alert.Message, alert.Priority, alert.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("create alert for %s: %w", vehicleID, err)
	}
	return alert, nil
}

func (s *Postgres) GenerateDailyRollups(ctx context.Context, day time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vehicle_daily_stats
			(vehicle_id, day, trips_completed, distance_km, duration_sec, avg_speed_kmh)
		SELECT
			vehicle_id,
			$1::date,
			COUNT(*),
			COALESCE(SUM(distance_km), 0),
			COALESCE(SUM(duration_sec), 0),
			CASE WHEN SUM(duration_sec) > 0
				THEN SUM(distance_km) / (SUM(duration_sec) / 3600.0)
				ELSE 0 END
		FROM trips
		WHERE status = $2
			AND end_time >= $1::date
			AND end_time < $1::date + INTERVAL '1 day'
		GROUP BY vehicle_id
		ON CONFLICT (vehicle_id, day) DO UPDATE SET
			trips_completed = EXCLUDED.trips_completed,
			distance_km = EXCLUDED.distance_km,
			duration_sec = EXCLUDED.duration_sec,
			avg_speed_kmh = EXCLUDED.avg_speed_kmh`,
		day, domain.TripCompleted,
	)
	if err != nil {
		return fmt.Errorf("daily rollups for %s: %w", day.Format("2006-01-02"), err)
	}
	return nil
}

func (s *Postgres) DeleteCompletedTripsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trips WHERE status = $1 AND end_time < $2`,
		domain.TripCompleted, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("trip cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) DeleteResolvedAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM alerts WHERE resolved AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("alert cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}
