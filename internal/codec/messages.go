package codec

import "time"

type Kind int

const (
	KindUnknown Kind = iota
	KindLogin
	KindStatus
	KindLocation
)

func (k Kind) String() string {
	switch k {
	case KindLogin:
		return "login"
	case KindStatus:
		return "status"
	case KindLocation:
		return "location"
	default:
		return "unknown"
	}
}

// Location is the position payload of a location or alarm frame.
type Location struct {
	Lat      float64
	Lng      float64
	SpeedKmh float64
	Course   int
	FixTime  time.Time
	Valid    bool // GPS fix bit and coordinate sanity
}

// AlarmCode follows the wire protocol's alarm taxonomy.
type AlarmCode byte

const (
	AlarmNone       AlarmCode = 0x00
	AlarmSOS        AlarmCode = 0x01
	AlarmPowerCut   AlarmCode = 0x02
	AlarmVibration  AlarmCode = 0x03
	AlarmFenceIn    AlarmCode = 0x04
	AlarmFenceOut   AlarmCode = 0x05
	AlarmLowBattery AlarmCode = 0x06
	AlarmOverspeed  AlarmCode = 0x07
)

func (a AlarmCode) String() string {
	switch a {
	case AlarmNone:
		return "none"
	case AlarmSOS:
		return "sos"
	case AlarmPowerCut:
		return "powercut"
	case AlarmVibration:
		return "vibration"
	case AlarmFenceIn:
		return "fence-in"
	case AlarmFenceOut:
		return "fence-out"
	case AlarmLowBattery:
		return "lowbattery"
	case AlarmOverspeed:
		return "overspeed"
	default:
		return "unknown"
	}
}

// Status is the device-state payload of a status/heartbeat or alarm frame.
type Status struct {
	Alarm        AlarmCode
	Ignition     bool
	PowerCut     bool
	Charging     bool
	Relay        bool
	VoltageLevel int
	GSMSignal    int
}

// Message is one decoded protocol frame. Exactly one of the optional
// payloads is set according to Kind; Unknown carries the raw frame so
// undecodable traffic is still visible downstream.
type Message struct {
	Kind       Kind
	DeviceID   string // empty until the connection has seen a login
	ReceivedAt time.Time
	Location   *Location
	Status     *Status
	// Ack holds the acknowledgment frame owed to the device for this
	// message, nil when the frame type does not require one. It must be
	// written back before the message is processed further.
	Ack []byte
	Raw []byte // set for KindUnknown
}
