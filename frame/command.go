package frame

import "fmt"

// Command is a control request sent to the detector.
//
// The session sends start on open and stop on close, to devices that
// have an OUT endpoint. Reset and status exist for the virtual detector
// only: reset restarts its device clock, status is accepted and ignored.
// The hardware streams without being asked and has no such requests.
type Command byte

const (
	CmdStart  Command = 0x01
	CmdStop   Command = 0x02
	CmdReset  Command = 0x03 // virtual detector only
	CmdStatus Command = 0x04 // virtual detector only
)

const (
	commandMarker = 0xa5
	CommandSize   = 8
)

func (c Command) String() string {
	switch c {
	case CmdStart:
		return "start"
	case CmdStop:
		return "stop"
	case CmdReset:
		return "reset"
	case CmdStatus:
		return "status"
	}
	return fmt.Sprintf("command(0x%02x)", byte(c))
}

// EncodeCommand builds a control packet: marker, opcode, zero padding
// and a one-byte sum of the preceding bytes.
func EncodeCommand(c Command) []byte {
	pkt := make([]byte, CommandSize)
	pkt[0] = commandMarker
	pkt[1] = byte(c)
	pkt[CommandSize-1] = checksum(pkt[:CommandSize-1])
	return pkt
}

// DecodeCommand parses a control packet
func DecodeCommand(pkt []byte) (Command, error) {
	if len(pkt) != CommandSize {
		return 0, &DecodeError{Reason: fmt.Sprintf("command packet of %d bytes", len(pkt))}
	}
	if pkt[0] != commandMarker {
		return 0, &DecodeError{Reason: fmt.Sprintf("bad command marker 0x%02x", pkt[0])}
	}
	if sum := checksum(pkt[:CommandSize-1]); sum != pkt[CommandSize-1] {
		return 0, &DecodeError{Reason: fmt.Sprintf("command checksum 0x%02x, expected 0x%02x", pkt[CommandSize-1], sum)}
	}
	c := Command(pkt[1])
	switch c {
	case CmdStart, CmdStop, CmdReset, CmdStatus:
		return c, nil
	}
	return 0, &DecodeError{Reason: fmt.Sprintf("unknown command 0x%02x", pkt[1])}
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}
