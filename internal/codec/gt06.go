package codec

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
)

// Frame layout:
//
//	0x78 0x78 | len | proto | payload | serial(2) | crc(2) | 0x0D 0x0A
//
// len counts proto through crc inclusive; crc is CRC-ITU over the
// bytes from len through serial.
const (
	startByte = 0x78
	stopByte1 = 0x0D
	stopByte2 = 0x0A

	protoLogin    = 0x01
	protoLocation = 0x12
	protoStatus   = 0x13
	protoAlarm    = 0x16

	ackProto = 0x05 // ack frames carry a fixed length of 5

	minFrameLen = 5 // proto + serial + crc

	// cap on retained bytes so a stream of garbage cannot grow the
	// connection buffer without bound
	maxBuffered = 64 * 1024
)

// Decoder holds the per-connection protocol state: the partially
// consumed byte buffer, the device identity established by the login
// frame, and the ack serial counter.
type Decoder struct {
	buf      []byte
	deviceID string
	serial   uint16
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// DeviceID returns the identity bound by the connection's login frame,
// or empty before login.
func (d *Decoder) DeviceID() string {
	return d.deviceID
}

// Feed appends a raw TCP chunk and returns every complete message it
// yields. Chunks need not be frame-aligned: partial frames are kept
// for the next call, garbage before a start marker is skipped, and a
// frame that fails CRC or payload decoding comes back as KindUnknown
// rather than aborting the stream.
func (d *Decoder) Feed(chunk []byte, now time.Time) []Message {
	d.buf = append(d.buf, chunk...)

	var msgs []Message
	for {
		frame, rest, complete := nextFrame(d.buf)
		d.buf = rest
		if !complete {
			break
		}
		msgs = append(msgs, d.decodeFrame(frame, now))
	}

	if len(d.buf) > maxBuffered {
		d.buf = nil
	}
	return msgs
}

// nextFrame scans buf for the next structurally complete frame.
// It returns the frame, the remaining bytes, and whether a frame was
// found. Bytes before a start marker and frames with a bad stop marker
// are discarded.
func nextFrame(buf []byte) (frame, rest []byte, complete bool) {
	for {
		i := 0
		for i+1 < len(buf) && !(buf[i] == startByte && buf[i+1] == startByte) {
			i++
		}
		if i+1 >= len(buf) {
			// no marker yet; keep at most one trailing byte in case it
			// is the first half of a marker
			if i < len(buf) {
				return nil, buf[i:], false
			}
			return nil, nil, false
		}
		buf = buf[i:]

		if len(buf) < 3 {
			return nil, buf, false
		}
		l := int(buf[2])
		if l < minFrameLen {
			buf = buf[2:] // not a real frame; resync past the marker
			continue
		}
		total := l + 5
		if len(buf) < total {
			return nil, buf, false
		}
		if buf[total-2] != stopByte1 || buf[total-1] != stopByte2 {
			buf = buf[2:]
			continue
		}
		return buf[:total], buf[total:], true
	}
}

func (d *Decoder) decodeFrame(frame []byte, now time.Time) Message {
	l := int(frame[2])
	proto := frame[3]
	info := frame[4 : l-1]

	wireCRC := binary.BigEndian.Uint16(frame[l+1 : l+3])
	if crcITU(frame[2:l+1]) != wireCRC {
		return d.unknown(frame, now)
	}

	switch proto {
	case protoLogin:
		if len(info) < 8 {
			return d.unknown(frame, now)
		}
		d.deviceID = decodeTerminalID(info[:8])
		return Message{
			Kind:       KindLogin,
			DeviceID:   d.deviceID,
			ReceivedAt: now,
			Ack:        d.nextAck(proto),
		}

	case protoStatus:
		if len(info) < 3 {
			return d.unknown(frame, now)
		}
		return Message{
			Kind:       KindStatus,
			DeviceID:   d.deviceID,
			ReceivedAt: now,
			Status:     decodeTerminalInfo(info[0], info[1], info[2]),
			Ack:        d.nextAck(proto),
		}

	case protoLocation:
		loc, ok := decodeLocation(info, now)
		if !ok {
			return d.unknown(frame, now)
		}
		return Message{
			Kind:       KindLocation,
			DeviceID:   d.deviceID,
			ReceivedAt: now,
			Location:   loc,
		}

	case protoAlarm:
		// location block, LBS block (self-sized), then the status block
		// with the dedicated alarm byte
		loc, ok := decodeLocation(info, now)
		if !ok {
			return d.unknown(frame, now)
		}
		if len(info) < 19 {
			return d.unknown(frame, now)
		}
		statusAt := 18 + int(info[18])
		if statusAt+4 > len(info) {
			return d.unknown(frame, now)
		}
		st := decodeTerminalInfo(info[statusAt], info[statusAt+1], info[statusAt+2])
		st.Alarm = AlarmCode(info[statusAt+3])
		return Message{
			Kind:       KindLocation,
			DeviceID:   d.deviceID,
			ReceivedAt: now,
			Location:   loc,
			Status:     st,
			Ack:        d.nextAck(proto),
		}

	default:
		return d.unknown(frame, now)
	}
}

func (d *Decoder) unknown(frame []byte, now time.Time) Message {
	raw := make([]byte, len(frame))
	copy(raw, frame)
	return Message{
		Kind:       KindUnknown,
		DeviceID:   d.deviceID,
		ReceivedAt: now,
		Raw:        raw,
	}
}

func (d *Decoder) nextAck(proto byte) []byte {
	d.serial++
	return BuildAck(proto, d.serial)
}

// BuildAck produces the mirrored acknowledgment frame for the given
// message-type code and serial number. An ack is an ordinary frame
// whose payload is empty, so its length byte is always 5.
func BuildAck(proto byte, serial uint16) []byte {
	return BuildFrame(proto, nil, serial)
}

// BuildFrame assembles a complete wire frame around the payload. Used
// for acks and by device simulators.
func BuildFrame(proto byte, info []byte, serial uint16) []byte {
	l := 1 + len(info) + 2 + 2
	content := make([]byte, 0, l)
	content = append(content, byte(l), proto)
	content = append(content, info...)
	content = append(content, byte(serial>>8), byte(serial))
	crc := crcITU(content)

	out := make([]byte, 0, l+5)
	out = append(out, startByte, startByte)
	out = append(out, content...)
	out = append(out, byte(crc>>8), byte(crc))
	out = append(out, stopByte1, stopByte2)
	return out
}

// decodeTerminalID unpacks the 8-byte BCD terminal identifier into its
// numeric string form, dropping pad nibbles.
func decodeTerminalID(b []byte) string {
	s := hex.EncodeToString(b)
	s = strings.TrimRight(s, "f")
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}

// decodeLocation parses the 18-byte position block shared by location
// and alarm frames.
func decodeLocation(info []byte, now time.Time) (*Location, bool) {
	if len(info) < 18 {
		return nil, false
	}

	fixTime := decodeTimestamp(info[:6], now)

	latRaw := binary.BigEndian.Uint32(info[7:11])
	lngRaw := binary.BigEndian.Uint32(info[11:15])
	lat := float64(latRaw) / 30000.0 / 60.0
	lng := float64(lngRaw) / 30000.0 / 60.0

	speed := float64(info[15])

	// course/status union: bits 0-9 course, bit 10 latitude north,
	// bit 11 longitude west, bit 12 GPS fixed
	union := binary.BigEndian.Uint16(info[16:18])
	if union&(1<<10) == 0 {
		lat = -lat
	}
	if union&(1<<11) != 0 {
		lng = -lng
	}
	fixed := union&(1<<12) != 0

	return &Location{
		Lat:      lat,
		Lng:      lng,
		SpeedKmh: speed,
		Course:   int(union & 0x03FF),
		FixTime:  fixTime,
		Valid:    fixed && coordsValid(lat, lng),
	}, true
}

func decodeTimestamp(b []byte, now time.Time) time.Time {
	month := int(b[1])
	day := int(b[2])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return now
	}
	return time.Date(2000+int(b[0]), time.Month(month), day,
		int(b[3]), int(b[4]), int(b[5]), 0, time.UTC)
}

// decodeTerminalInfo parses the status block. The 3-bit alarm field in
// the terminal-info byte uses its own small table, distinct from the
// alarm frame's dedicated byte.
func decodeTerminalInfo(terminal, voltage, gsm byte) *Status {
	var alarm AlarmCode
	switch (terminal >> 3) & 0x07 {
	case 1:
		alarm = AlarmVibration
	case 2:
		alarm = AlarmPowerCut
	case 3:
		alarm = AlarmLowBattery
	case 4:
		alarm = AlarmSOS
	default:
		alarm = AlarmNone
	}
	return &Status{
		Alarm:        alarm,
		Ignition:     terminal&0x02 != 0,
		PowerCut:     terminal&0x80 != 0,
		Charging:     terminal&0x04 != 0,
		Relay:        terminal&0x01 != 0,
		VoltageLevel: int(voltage),
		GSMSignal:    int(gsm),
	}
}

func coordsValid(lat, lng float64) bool {
	if lat == 0 && lng == 0 {
		return false
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return false
	}
	return true
}
