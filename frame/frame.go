// Package frame decodes the data stream of the Hamamatsu scintillation
// detector and bins pulse heights into spectrum channels.
//
// The detector streams fixed-size frames over a bulk IN endpoint. Each
// frame starts with a 16-byte big-endian header:
//
//	offset 0:  magic      uint32 (0x5A5A5A5A)
//	offset 4:  events     uint16 (number of valid readings)
//	offset 6:  reserved   2 bytes
//	offset 8:  time index uint16 (device clock, 0.1 s ticks)
//	offset 10: temp ADC   uint16
//	offset 12: reserved   4 bytes
//
// followed by 1048 little-endian uint16 pulse-height readings. The header
// shares the first USB packet with the first readings; the rest follow in
// subsequent packets.
package frame

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	Magic            = 0x5A5A5A5A
	HeaderSize       = 16
	ReadingsPerFrame = 1048
	PayloadSize      = ReadingsPerFrame * 2

	DefaultPacketSize = 64

	// Device clock runs at 10 ticks per second and wraps at 16 bits
	ClockTicksPerSecond = 10.0
	clockWrap           = 65536
	clockWrapThreshold  = 65000

	// Temperature sensor calibration: T = tempOffset - tempSlope * ADC
	tempOffset = 188.686
	tempSlope  = 0.00348
)

// Frame is one decoded detector frame
type Frame struct {
	Events    int      // number of valid readings
	TimeIndex uint16   // raw device clock
	TempADC   uint16   // raw temperature sensor value
	Readings  []uint16 // all readings of the frame, only Readings[:Events] are pulses

	Temperature float64 // degrees Celsius
	DeviceClock float64 // seconds since device power-up, overflow corrected
}

// Pulses returns the pulse-height readings carried by the frame
func (f *Frame) Pulses() []uint16 {
	return f.Readings[:f.Events]
}

// Temperature converts a raw sensor value to degrees Celsius
func Temperature(adc uint16) float64 {
	return tempOffset - tempSlope*float64(adc)
}

// DecodeError reports a malformed or truncated frame.
// It is never fatal: the frame is dropped and decoding resynchronizes.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode frame: " + e.Reason
}

// Header is the parsed frame header
type Header struct {
	Magic     uint32
	Events    uint16
	TimeIndex uint16
	TempADC   uint16
}

// ParseHeader parses and validates a frame header
func ParseHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, &DecodeError{Reason: fmt.Sprintf("short header: %d bytes", len(data))}
	}
	h.Magic = binary.BigEndian.Uint32(data[0:4])
	h.Events = binary.BigEndian.Uint16(data[4:6])
	h.TimeIndex = binary.BigEndian.Uint16(data[8:10])
	h.TempADC = binary.BigEndian.Uint16(data[10:12])

	if h.Magic != Magic {
		return h, &DecodeError{Reason: fmt.Sprintf("bad header start value 0x%08x", h.Magic)}
	}
	if int(h.Events) > ReadingsPerFrame {
		return h, &DecodeError{Reason: fmt.Sprintf("event count %d exceeds frame capacity %d", h.Events, ReadingsPerFrame)}
	}
	return h, nil
}

// Decoder assembles frames from transport packets.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	inFrame bool
	header  Header
	payload []byte

	// Device clock overflow tracking
	haveClock bool
	lastIndex uint16
	overflows int
}

// NewDecoder creates a decoder waiting for a frame header
func NewDecoder() *Decoder {
	return &Decoder{
		payload: make([]byte, 0, PayloadSize+DefaultPacketSize),
	}
}

// Feed consumes one packet. It returns a frame when the packet completes
// one, nil when more packets are needed, or a *DecodeError when the packet
// had to be discarded.
func (d *Decoder) Feed(packet []byte) (*Frame, error) {
	if !d.inFrame {
		h, err := ParseHeader(packet)
		if err != nil {
			return nil, err
		}
		d.header = h
		d.inFrame = true
		d.payload = append(d.payload[:0], packet[HeaderSize:]...)
	} else {
		d.payload = append(d.payload, packet...)
	}

	if len(d.payload) < PayloadSize {
		return nil, nil
	}

	// Bytes past the last reading are packet padding
	readings := make([]uint16, ReadingsPerFrame)
	for i := range readings {
		readings[i] = binary.LittleEndian.Uint16(d.payload[2*i:])
	}
	d.inFrame = false
	d.payload = d.payload[:0]

	f := &Frame{
		Events:      int(d.header.Events),
		TimeIndex:   d.header.TimeIndex,
		TempADC:     d.header.TempADC,
		Readings:    readings,
		Temperature: Temperature(d.header.TempADC),
		DeviceClock: d.clock(d.header.TimeIndex),
	}
	return f, nil
}

// InFrame reports whether a frame is partially assembled
func (d *Decoder) InFrame() bool {
	return d.inFrame
}

// Abort drops a partially assembled frame. It returns a *DecodeError
// describing the truncated frame, or nil if no frame was in progress.
func (d *Decoder) Abort() error {
	if !d.inFrame {
		return nil
	}
	got := len(d.payload)
	d.inFrame = false
	d.payload = d.payload[:0]
	return &DecodeError{Reason: fmt.Sprintf("truncated frame: %d of %d payload bytes", got, PayloadSize)}
}

// clock converts the 16-bit time index to seconds, counting wraparounds
func (d *Decoder) clock(index uint16) float64 {
	if d.haveClock && int(d.lastIndex)-int(index) > clockWrapThreshold {
		d.overflows++
	}
	d.lastIndex = index
	d.haveClock = true
	return float64(clockWrap*d.overflows+int(index)) / ClockTicksPerSecond
}

// EncodeFrame builds the packet sequence the detector sends for one frame.
// Readings beyond len(readings) are zero.
func EncodeFrame(h Header, readings []uint16, packetSize int) ([][]byte, error) {
	if packetSize <= HeaderSize || packetSize%2 != 0 {
		return nil, fmt.Errorf("invalid packet size %d", packetSize)
	}
	if len(readings) > ReadingsPerFrame {
		return nil, fmt.Errorf("too many readings: %d", len(readings))
	}
	if int(h.Events) > ReadingsPerFrame {
		return nil, fmt.Errorf("event count %d exceeds frame capacity %d", h.Events, ReadingsPerFrame)
	}

	data := make([]byte, HeaderSize+PayloadSize)
	binary.BigEndian.PutUint32(data[0:4], Magic)
	binary.BigEndian.PutUint16(data[4:6], h.Events)
	binary.BigEndian.PutUint16(data[8:10], h.TimeIndex)
	binary.BigEndian.PutUint16(data[10:12], h.TempADC)
	for i, r := range readings {
		binary.LittleEndian.PutUint16(data[HeaderSize+2*i:], r)
	}

	numPackets := int(math.Ceil(float64(len(data)) / float64(packetSize)))
	packets := make([][]byte, 0, numPackets)
	for offs := 0; offs < len(data); offs += packetSize {
		pkt := make([]byte, packetSize)
		copy(pkt, data[offs:])
		packets = append(packets, pkt)
	}
	return packets, nil
}
