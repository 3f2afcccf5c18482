package jobs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack-svr/internal/domain"
	"bustrack-svr/internal/store"
)

type finalized struct {
	tripID     string
	final      domain.Point
	distanceKm float64
	avgSpeed   float64
	duration   time.Duration
	passengers int
}

type fakeTrips struct {
	store.Trips

	active  *domain.Trip
	points  []domain.Point
	boarded int
	exited  int
	done    []finalized
}

func (f *fakeTrips) FindActiveTrip(_ context.Context, _ string) (*domain.Trip, error) {
	return f.active, nil
}

func (f *fakeTrips) Coordinates(_ context.Context, _ string) ([]domain.Point, error) {
	return f.points, nil
}

func (f *fakeTrips) BoardingCounts(_ context.Context, _ string) (int, int, error) {
	return f.boarded, f.exited, nil
}

func (f *fakeTrips) FinalizeTrip(_ context.Context, tripID string, final domain.Point, distanceKm, avgSpeedKmh float64, duration time.Duration, passengers int) error {
	f.done = append(f.done, finalized{
		tripID: tripID, final: final, distanceKm: distanceKm,
		avgSpeed: avgSpeedKmh, duration: duration, passengers: passengers,
	})
	return nil
}

type fakeMaintenance struct {
	rollupDays   []time.Time
	tripCutoffs  []time.Time
	alertCutoffs []time.Time
}

func (f *fakeMaintenance) GenerateDailyRollups(_ context.Context, day time.Time) error {
	f.rollupDays = append(f.rollupDays, day)
	return nil
}

func (f *fakeMaintenance) DeleteCompletedTripsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.tripCutoffs = append(f.tripCutoffs, cutoff)
	return 3, nil
}

func (f *fakeMaintenance) DeleteResolvedAlertsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.alertCutoffs = append(f.alertCutoffs, cutoff)
	return 7, nil
}

type fakePub struct {
	events []string
}

func (f *fakePub) Publish(_ context.Context, _, event string, _ interface{}) error {
	f.events = append(f.events, event)
	return nil
}

func endTripJob(t *testing.T, p EndTripPayload) Job {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return Job{ID: "j1", Kind: KindEndTrip, Payload: raw, MaxAttempts: 3}
}

func newHandlers(trips *fakeTrips, maint *fakeMaintenance) (*Handlers, *fakePub) {
	pub := &fakePub{}
	return NewHandlers(trips, maint, pub, slog.New(slog.NewTextHandler(io.Discard, nil))), pub
}

func TestEndTripFinalizesWithDerivedStats(t *testing.T) {
	start := time.Now().Add(-20 * time.Minute)
	trips := &fakeTrips{
		active: &domain.Trip{ID: "t1", VehicleID: "v1", StartTime: start},
		points: []domain.Point{
			{Lat: 0, Lng: 0},
			{Lat: 0, Lng: 0.01},
			{Lat: 0, Lng: 0.02},
		},
		boarded: 12,
		exited:  4,
	}
	h, pub := newHandlers(trips, &fakeMaintenance{})

	final := domain.Point{Lat: 0, Lng: 0.03, Timestamp: time.Now()}
	err := h.EndTrip(context.Background(), endTripJob(t, EndTripPayload{VehicleID: "v1", Final: final}))
	require.NoError(t, err)

	require.Len(t, trips.done, 1)
	d := trips.done[0]
	assert.Equal(t, "t1", d.tripID)
	assert.Equal(t, final, d.final)
	// three legs of 0.01 degrees of longitude at the equator
	assert.InDelta(t, 3.336, d.distanceKm, 0.02)
	assert.InDelta(t, (20 * time.Minute).Seconds(), d.duration.Seconds(), 1)
	assert.InDelta(t, 10.0, d.avgSpeed, 0.2)
	assert.Equal(t, 8, d.passengers)
	assert.Contains(t, pub.events, "trip_ended")
}

func TestEndTripWithoutActiveTripIsNoop(t *testing.T) {
	trips := &fakeTrips{}
	h, pub := newHandlers(trips, &fakeMaintenance{})

	err := h.EndTrip(context.Background(), endTripJob(t, EndTripPayload{VehicleID: "v1"}))
	require.NoError(t, err, "redelivery after finalization must succeed")
	assert.Empty(t, trips.done)
	assert.Empty(t, pub.events)
}

func TestEndTripClampsNegativePassengerCount(t *testing.T) {
	trips := &fakeTrips{
		active:  &domain.Trip{ID: "t1", VehicleID: "v1", StartTime: time.Now().Add(-time.Minute)},
		boarded: 2,
		exited:  5,
	}
	h, _ := newHandlers(trips, &fakeMaintenance{})

	err := h.EndTrip(context.Background(), endTripJob(t, EndTripPayload{VehicleID: "v1"}))
	require.NoError(t, err)
	require.Len(t, trips.done, 1)
	assert.Zero(t, trips.done[0].passengers)
}

func TestEndTripWithNoPointsUsesFinalOnly(t *testing.T) {
	trips := &fakeTrips{
		active: &domain.Trip{ID: "t1", VehicleID: "v1", StartTime: time.Now().Add(-time.Minute)},
	}
	h, _ := newHandlers(trips, &fakeMaintenance{})

	err := h.EndTrip(context.Background(), endTripJob(t, EndTripPayload{VehicleID: "v1", Final: domain.Point{Lat: 1, Lng: 1}}))
	require.NoError(t, err)
	require.Len(t, trips.done, 1)
	assert.Zero(t, trips.done[0].distanceKm, "no recorded path means no distance to sum")
}

func TestAnalyticsParsesDay(t *testing.T) {
	maint := &fakeMaintenance{}
	h, _ := newHandlers(&fakeTrips{}, maint)

	raw, _ := json.Marshal(AnalyticsPayload{Day: "2026-08-22"})
	err := h.Analytics(context.Background(), Job{Kind: KindAnalytics, Payload: raw})
	require.NoError(t, err)

	require.Len(t, maint.rollupDays, 1)
	assert.Equal(t, time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC), maint.rollupDays[0])
}

func TestAnalyticsRejectsBadDay(t *testing.T) {
	h, _ := newHandlers(&fakeTrips{}, &fakeMaintenance{})

	raw, _ := json.Marshal(AnalyticsPayload{Day: "22/08/2026"})
	err := h.Analytics(context.Background(), Job{Kind: KindAnalytics, Payload: raw})
	require.Error(t, err)
}

func TestCleanupAppliesBothCutoffs(t *testing.T) {
	maint := &fakeMaintenance{}
	h, _ := newHandlers(&fakeTrips{}, maint)

	tripCutoff := time.Now().AddDate(0, 0, -90).UTC()
	alertCutoff := time.Now().AddDate(0, 0, -30).UTC()
	raw, _ := json.Marshal(CleanupPayload{TripCutoff: tripCutoff, AlertCutoff: alertCutoff})

	err := h.Cleanup(context.Background(), Job{Kind: KindCleanup, Payload: raw})
	require.NoError(t, err)

	require.Len(t, maint.tripCutoffs, 1)
	require.Len(t, maint.alertCutoffs, 1)
	assert.WithinDuration(t, tripCutoff, maint.tripCutoffs[0], time.Second)
	assert.WithinDuration(t, alertCutoff, maint.alertCutoffs[0], time.Second)
}
