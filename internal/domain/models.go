package domain

import "time"

// Point is one accepted GPS reading for a vehicle.
type Point struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	SpeedKmh  float64   `json:"speed"`
	Timestamp time.Time `json:"ts"`
}

type TripStatus string

const (
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
)

// Trip is one vehicle journey. EndTime stays nil while the trip is
// active; at most one active trip exists per vehicle (enforced by the
// durable store, not in-process).
type Trip struct {
	ID             string
	VehicleID      string
	RouteID        string // empty when the vehicle has no route assigned
	StartTime      time.Time
	EndTime        *time.Time
	Status         TripStatus
	DistanceKm     float64
	AvgSpeedKmh    float64
	DurationSec    int64
	PassengerCount int
}

// TripMeta is the metadata refreshed alongside each coordinate batch.
type TripMeta struct {
	LastUpdate      time.Time
	CurrentSpeedKmh float64
}

type Station struct {
	ID   string
	Name string
	Seq  int
	Lat  float64
	Lng  float64
}

type Route struct {
	ID       string
	Name     string
	Stations []Station // ordered by Seq
}

// FirstStation returns the route's first station, or nil when the
// route has none configured.
func (r *Route) FirstStation() *Station {
	if r == nil || len(r.Stations) == 0 {
		return nil
	}
	return &r.Stations[0]
}

type AlertType string

const (
	AlertPanic          AlertType = "panic"
	AlertOverspeed      AlertType = "overspeed"
	AlertRouteDeviation AlertType = "routeDeviation"
	AlertSystem         AlertType = "system"
	AlertOther          AlertType = "other"
)

type AlertPriority string

const (
	PriorityLow    AlertPriority = "low"
	PriorityMedium AlertPriority = "medium"
	PriorityHigh   AlertPriority = "high"
)

type Alert struct {
	ID        string
	VehicleID string
	Type      AlertType
	Message   string
	Priority  AlertPriority
	Resolved  bool
	Timestamp time.Time
}

// VehiclePosition is the last-known-position cache entry written
// through the dispatcher's throttle.
type VehiclePosition struct {
	VehicleID string    `json:"vehicle_id"`
	DeviceID  string    `json:"device_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	SpeedKmh  float64   `json:"speed"`
	Course    int       `json:"course"`
	Timestamp time.Time `json:"ts"`
}

// DeviceShadow is the real-time device state kept in the shared cache,
// refreshed on every status/heartbeat frame.
type DeviceShadow struct {
	DeviceID     string    `json:"device_id"`
	Ignition     bool      `json:"ignition"`
	PowerCut     bool      `json:"power_cut"`
	Charging     bool      `json:"charging"`
	Relay        bool      `json:"relay"`
	VoltageLevel int       `json:"voltage_level"`
	GSMSignal    int       `json:"gsm_signal"`
	LastSeen     time.Time `json:"last_seen"`
}
