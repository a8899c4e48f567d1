package musync

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DriverMetadata is one hardware-targeting entry of a driver update.
//
// A driver update carries one entry per hardware ID it can service. An entry
// may additionally constrain the machine by a computer hardware ID.
type DriverMetadata struct {
	HardwareID         string         `json:"hardware_id"`
	CompatibleID       string         `json:"compatible_id,omitempty"`
	ComputerHardwareID string         `json:"computer_hardware_id,omitempty"`
	Version            DriverVersion  `json:"version"`
	Date               time.Time      `json:"date"`
	Class              string         `json:"class,omitempty"`
	Provider           string         `json:"provider,omitempty"`
	FeatureScores      []FeatureScore `json:"feature_scores,omitempty"`
}

// Score returns the entry's feature score byte, or 255 when none is
// recorded. A lower score ranks better.
func (m *DriverMetadata) Score() uint8 {
	if len(m.FeatureScores) == 0 {
		return 255
	}
	best := m.FeatureScores[0].Score
	for _, fs := range m.FeatureScores[1:] {
		if fs.Score < best {
			best = fs.Score
		}
	}
	return best
}

// FeatureScore is a per-operating-system driver feature score.
type FeatureScore struct {
	OperatingSystem string `json:"operating_system,omitempty"`
	Score           uint8  `json:"score"`
}

// ScoreFromRank extracts the feature score byte from a driver rank word of
// the form 0xSSGGTHHH: the GG byte.
func ScoreFromRank(rank uint32) uint8 {
	return uint8(rank >> 16)
}

// DriverVersion is a four-part driver version packed into 64 bits, most
// significant part first, so the natural integer order is the version order.
type DriverVersion uint64

// ParseDriverVersion parses the dotted "a.b.c.d" form. Missing trailing
// parts read as zero.
func ParseDriverVersion(s string) (DriverVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return 0, fmt.Errorf("invalid driver version %q", s)
	}
	var v DriverVersion
	for i := 0; i < 4; i++ {
		var n uint64
		if i < len(parts) {
			var err error
			n, err = strconv.ParseUint(parts[i], 10, 16)
			if err != nil {
				return 0, fmt.Errorf("invalid driver version %q: %w", s, err)
			}
		}
		v |= DriverVersion(n) << (16 * (3 - i))
	}
	return v, nil
}

func (v DriverVersion) String() string {
	return fmt.Sprintf("%d.%d.%d.%d",
		uint16(v>>48), uint16(v>>32), uint16(v>>16), uint16(v))
}

// MarshalText implements encoding.TextMarshaler.
func (v DriverVersion) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *DriverVersion) UnmarshalText(t []byte) error {
	p, err := ParseDriverVersion(string(t))
	if err != nil {
		return err
	}
	*v = p
	return nil
}
