package frame

import "fmt"

const (
	// Channels is the number of spectrum channels
	Channels = 4096

	// NativeLevels is the resolution of the detector readings (16 bit)
	NativeLevels = 65536
)

// Binner maps native readings to spectrum channels by integer division
type Binner struct {
	ratio    int
	channels int
}

// NewBinner creates a binner for the given native resolution and channel count.
// The native resolution must be a whole multiple of the channel count.
func NewBinner(nativeLevels, channels int) (*Binner, error) {
	if channels <= 0 || nativeLevels <= 0 {
		return nil, fmt.Errorf("invalid binning %d levels / %d channels", nativeLevels, channels)
	}
	if nativeLevels%channels != 0 {
		return nil, fmt.Errorf("native levels %d not a multiple of %d channels", nativeLevels, channels)
	}
	return &Binner{
		ratio:    nativeLevels / channels,
		channels: channels,
	}, nil
}

// Ratio returns the number of native levels per channel
func (b *Binner) Ratio() int {
	return b.ratio
}

// Channel returns the channel for one reading. Readings beyond the last
// channel are clamped to it and reported.
func (b *Binner) Channel(reading uint16) (int, bool) {
	ch := int(reading) / b.ratio
	if ch >= b.channels {
		return b.channels - 1, true
	}
	return ch, false
}

// Bin appends the channel of each reading to dst and returns it together
// with the number of clamped readings.
func (b *Binner) Bin(dst []int, readings []uint16) ([]int, int) {
	clamped := 0
	for _, r := range readings {
		ch, c := b.Channel(r)
		if c {
			clamped++
		}
		dst = append(dst, ch)
	}
	return dst, clamped
}
