// Package dispatcher orchestrates one decoded message at a time:
// identity resolution, real-time fan-out, throttled cache writes,
// overspeed and alarm alerts, and delegation to the trip state
// machine. Dispatch never propagates an error to the connection loop;
// each step is isolated so one failing collaborator cannot block the
// logically independent steps after it.
package dispatcher

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"bustrack-svr/internal/codec"
	"bustrack-svr/internal/domain"
	"bustrack-svr/internal/observability"
	"bustrack-svr/internal/realtime"
	"bustrack-svr/internal/store"
)

// position delta below which a cache write carries no new information
// (~11m in each axis)
const minCacheDeltaDeg = 0.0001

// speed delta (km/h) below which a cache write carries no new information
const minCacheDeltaSpeed = 5.0

// VehicleResolver maps device identifiers to vehicle ids.
type VehicleResolver interface {
	Resolve(ctx context.Context, deviceID string) (string, error)
}

// Locker suppresses duplicate alerts per device and condition.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) bool
}

// TripHandler is the trip lifecycle state machine.
type TripHandler interface {
	HandlePosition(ctx context.Context, vehicleID string, p domain.Point) error
}

type Config struct {
	CacheWriteInterval time.Duration
	OverspeedLimitKmh  float64
	AlertDedupTTL      time.Duration
	PositionTTL        time.Duration
}

type writeState struct {
	at       time.Time
	lat, lng float64
	speed    float64
}

type Dispatcher struct {
	cfg      Config
	resolver VehicleResolver
	cache    store.Cache
	locks    Locker
	alerts   store.Alerts
	trips    TripHandler
	pub      realtime.Publisher
	logger   *slog.Logger

	mu        sync.Mutex
	lastWrite map[string]writeState
}

func New(cfg Config, resolver VehicleResolver, cache store.Cache, locks Locker, alerts store.Alerts, trips TripHandler, pub realtime.Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		resolver:  resolver,
		cache:     cache,
		locks:     locks,
		alerts:    alerts,
		trips:     trips,
		pub:       pub,
		logger:    logger.With("component", "dispatcher"),
		lastWrite: make(map[string]writeState),
	}
}

// Dispatch processes one decoded message. It never returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, msg codec.Message) {
	if msg.Kind == codec.KindUnknown {
		d.publishUnknown(ctx, msg)
		return
	}

	vehicleID := ""
	if msg.DeviceID != "" {
		v, err := d.resolver.Resolve(ctx, msg.DeviceID)
		if err != nil {
			// degrade to unknown vehicle: fan out for visibility, skip
			// trip and alert logic
			observability.DispatchErrors.WithLabelValues("resolve").Inc()
			d.logger.Error("identity resolution failed", "device", msg.DeviceID, "err", err)
		} else {
			vehicleID = v
		}
	}

	d.fanOut(ctx, msg, vehicleID)

	if msg.Status != nil {
		d.writeShadow(ctx, msg)
	}

	if vehicleID == "" {
		return
	}

	if msg.Location != nil && msg.Location.Valid {
		d.throttledCacheWrite(ctx, msg, vehicleID)
		d.checkOverspeed(ctx, msg, vehicleID)

		p := domain.Point{
			Lat:       msg.Location.Lat,
			Lng:       msg.Location.Lng,
			SpeedKmh:  msg.Location.SpeedKmh,
			Timestamp: msg.Location.FixTime,
		}
		if err := d.trips.HandlePosition(ctx, vehicleID, p); err != nil {
			observability.DispatchErrors.WithLabelValues("trip").Inc()
			d.logger.Error("trip handling failed", "vehicle", vehicleID, "err", err)
		}
	}

	if msg.Status != nil && msg.Status.Alarm != codec.AlarmNone {
		d.alarmAlert(ctx, msg, vehicleID)
	}
}

type adminView struct {
	DeviceID  string          `json:"device_id"`
	VehicleID *string         `json:"vehicle_id"`
	Kind      string          `json:"kind"`
	Location  *codec.Location `json:"location,omitempty"`
	Status    *codec.Status   `json:"status,omitempty"`
	Ts        time.Time       `json:"ts"`
}

type riderView struct {
	VehicleID *string   `json:"vehicle_id"`
	Lat       *float64  `json:"lat"`
	Lng       *float64  `json:"lng"`
	SpeedKmh  *float64  `json:"speed"`
	Ts        time.Time `json:"ts"`
}

// fanOut emits the admin and rider views. This happens for every
// message, even without location data or a resolved vehicle.
func (d *Dispatcher) fanOut(ctx context.Context, msg codec.Message, vehicleID string) {
	var vref *string
	if vehicleID != "" {
		vref = &vehicleID
	}

	admin := adminView{
		DeviceID:  msg.DeviceID,
		VehicleID: vref,
		Kind:      msg.Kind.String(),
		Location:  msg.Location,
		Status:    msg.Status,
		Ts:        msg.ReceivedAt,
	}
	d.publish(ctx, realtime.ChannelAdmins, "telemetry", admin)
	if msg.DeviceID != "" {
		d.publish(ctx, realtime.DeviceChannel(msg.DeviceID), "telemetry", admin)
	}

	rider := riderView{VehicleID: vref, Ts: msg.ReceivedAt}
	if msg.Location != nil {
		rider.Lat = &msg.Location.Lat
		rider.Lng = &msg.Location.Lng
		rider.SpeedKmh = &msg.Location.SpeedKmh
	}
	d.publish(ctx, realtime.ChannelRiders, "position", rider)
	if vehicleID != "" {
		d.publish(ctx, realtime.VehicleChannel(vehicleID), "position", rider)
	}
}

func (d *Dispatcher) publish(ctx context.Context, channel, event string, payload interface{}) {
	if err := d.pub.Publish(ctx, channel, event, payload); err != nil {
		observability.DispatchErrors.WithLabelValues("publish").Inc()
		d.logger.Warn("publish failed", "channel", channel, "event", event, "err", err)
	}
}

// publishUnknown keeps undecodable frames operationally visible.
func (d *Dispatcher) publishUnknown(ctx context.Context, msg codec.Message) {
	d.publish(ctx, realtime.ChannelAdmins, "unknown_frame", map[string]interface{}{
		"device_id": msg.DeviceID,
		"len":       len(msg.Raw),
		"raw":       hex.EncodeToString(msg.Raw),
		"ts":        msg.ReceivedAt,
	})
}

// throttledCacheWrite refreshes the last-known-position entry, bounded
// to one write per device per interval and only when the position or
// speed changed materially.
func (d *Dispatcher) throttledCacheWrite(ctx context.Context, msg codec.Message, vehicleID string) {
	loc := msg.Location
	now := time.Now()

	d.mu.Lock()
	st, seen := d.lastWrite[msg.DeviceID]
	if seen {
		if now.Sub(st.at) < d.cfg.CacheWriteInterval {
			d.mu.Unlock()
			observability.CacheWritesSkipped.Inc()
			return
		}
		moved := math.Abs(loc.Lat-st.lat) > minCacheDeltaDeg ||
			math.Abs(loc.Lng-st.lng) > minCacheDeltaDeg
		if !moved && math.Abs(loc.SpeedKmh-st.speed) <= minCacheDeltaSpeed {
			d.mu.Unlock()
			observability.CacheWritesSkipped.Inc()
			return
		}
	}
	d.lastWrite[msg.DeviceID] = writeState{at: now, lat: loc.Lat, lng: loc.Lng, speed: loc.SpeedKmh}
	d.mu.Unlock()

	pos := domain.VehiclePosition{
		VehicleID: vehicleID,
		DeviceID:  msg.DeviceID,
		Lat:       loc.Lat,
		Lng:       loc.Lng,
		SpeedKmh:  loc.SpeedKmh,
		Course:    loc.Course,
		Timestamp: loc.FixTime,
	}
	b, _ := json.Marshal(pos)
	if err := d.cache.Set(ctx, "vehicle:"+vehicleID+":pos", string(b), d.cfg.PositionTTL); err != nil {
		observability.DispatchErrors.WithLabelValues("cache").Inc()
		d.logger.Warn("position cache write failed", "vehicle", vehicleID, "err", err)
		return
	}
	observability.CacheWrites.Inc()
}

func (d *Dispatcher) checkOverspeed(ctx context.Context, msg codec.Message, vehicleID string) {
	speed := msg.Location.SpeedKmh
	if speed <= d.cfg.OverspeedLimitKmh {
		return
	}
	if !d.locks.TryAcquire(ctx, msg.DeviceID+":overspeed", d.cfg.AlertDedupTTL) {
		observability.AlertsSuppressed.Inc()
		return
	}
	message := fmt.Sprintf("speed %.0f km/h exceeds limit %.0f km/h", speed, d.cfg.OverspeedLimitKmh)
	d.createAlert(ctx, vehicleID, domain.AlertOverspeed, message, domain.PriorityHigh)
}

func (d *Dispatcher) alarmAlert(ctx context.Context, msg codec.Message, vehicleID string) {
	alarm := msg.Status.Alarm
	if !d.locks.TryAcquire(ctx, msg.DeviceID+":"+alarm.String(), d.cfg.AlertDedupTTL) {
		observability.AlertsSuppressed.Inc()
		return
	}
	typ, priority := classifyAlarm(alarm)
	message := fmt.Sprintf("device reported %s alarm", alarm)
	d.createAlert(ctx, vehicleID, typ, message, priority)
}

func (d *Dispatcher) createAlert(ctx context.Context, vehicleID string, typ domain.AlertType, message string, priority domain.AlertPriority) {
	alert, err := d.alerts.CreateAlert(ctx, vehicleID, typ, message, priority)
	if err != nil {
		observability.DispatchErrors.WithLabelValues("alert").Inc()
		d.logger.Error("alert creation failed", "vehicle", vehicleID, "type", typ, "err", err)
		return
	}
	observability.AlertsCreated.WithLabelValues(string(typ)).Inc()
	d.publish(ctx, realtime.ChannelAdmins, "alert", alert)
	d.publish(ctx, realtime.VehicleChannel(vehicleID), "alert", alert)
}

func classifyAlarm(a codec.AlarmCode) (domain.AlertType, domain.AlertPriority) {
	switch a {
	case codec.AlarmSOS:
		return domain.AlertPanic, domain.PriorityHigh
	case codec.AlarmOverspeed:
		return domain.AlertOverspeed, domain.PriorityHigh
	case codec.AlarmFenceIn, codec.AlarmFenceOut:
		return domain.AlertRouteDeviation, domain.PriorityHigh
	case codec.AlarmVibration:
		return domain.AlertSystem, domain.PriorityMedium
	case codec.AlarmPowerCut, codec.AlarmLowBattery:
		return domain.AlertSystem, domain.PriorityHigh
	default:
		return domain.AlertOther, domain.PriorityMedium
	}
}

// writeShadow refreshes the device's real-time state entry on status
// frames. Best-effort; failures never block the remaining steps.
func (d *Dispatcher) writeShadow(ctx context.Context, msg codec.Message) {
	shadow := domain.DeviceShadow{
		DeviceID:     msg.DeviceID,
		Ignition:     msg.Status.Ignition,
		PowerCut:     msg.Status.PowerCut,
		Charging:     msg.Status.Charging,
		Relay:        msg.Status.Relay,
		VoltageLevel: msg.Status.VoltageLevel,
		GSMSignal:    msg.Status.GSMSignal,
		LastSeen:     msg.ReceivedAt,
	}
	b, _ := json.Marshal(shadow)
	if err := d.cache.Set(ctx, "device:"+msg.DeviceID+":shadow", string(b), d.cfg.PositionTTL); err != nil {
		observability.DispatchErrors.WithLabelValues("cache").Inc()
		d.logger.Warn("device shadow write failed", "device", msg.DeviceID, "err", err)
	}
}
