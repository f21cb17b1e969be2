package settings

import (
	"fmt"
	"strconv"
	"strings"
)

// RateUnit says whether a rate limit counts bytes or whole blocks.
type RateUnit int

const (
	// RateBlocks limits blocks per second.
	RateBlocks = RateUnit(iota)
	// RateBytes limits bytes per second.
	RateBytes
)

// RateShape is the distribution of inter-departure times under a rate
// limit.
type RateShape int

const (
	// ShapePoisson draws exponential inter-departure times with the
	// configured mean.
	ShapePoisson = RateShape(iota)
	// ShapePeriodic spaces departures evenly.
	ShapePeriodic
)

// Rate is a parsed rate-limit specification.
type Rate struct {
	// Value is the limit in Unit per second, magnitude suffix applied.
	Value float64
	Unit  RateUnit
	Shape RateShape
}

// BytesPerSecond converts the rate to bytes per second given the
// endpoint's block size.
func (r Rate) BytesPerSecond(blockSize int) float64 {
	if r.Unit == RateBytes {
		return r.Value
	}
	return r.Value * float64(blockSize)
}

// BlocksPerSecond converts the rate to blocks per second given the
// endpoint's block size.
func (r Rate) BlocksPerSecond(blockSize int) float64 {
	if r.Unit == RateBlocks {
		return r.Value
	}
	return r.Value / float64(blockSize)
}

// ParseRate parses a rate-limit value of the form
// #[z|k|M|G][b|B][p|P]: a decimal magnitude, an optional scale suffix
// (x1, x2^10, x2^20, x2^30), an optional unit (b for bytes/s, B for
// blocks/s, default blocks) and an optional shape (p for periodic, P for
// Poisson, default Poisson).
func ParseRate(arg string) (*Rate, error) {
	s := arg
	r := &Rate{Unit: RateBlocks, Shape: ShapePoisson}

	if n := strings.LastIndexAny(s, "pP"); n == len(s)-1 && n >= 0 {
		if s[n] == 'p' {
			r.Shape = ShapePeriodic
		}
		s = s[:n]
	}
	if n := strings.LastIndexAny(s, "bB"); n == len(s)-1 && n >= 0 {
		if s[n] == 'b' {
			r.Unit = RateBytes
		}
		s = s[:n]
	}
	scale := 1.0
	if n := strings.LastIndexAny(s, "zkMG"); n == len(s)-1 && n >= 0 {
		switch s[n] {
		case 'z':
			scale = 1
		case 'k':
			scale = 1 << 10
		case 'M':
			scale = 1 << 20
		case 'G':
			scale = 1 << 30
		}
		s = s[:n]
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed rate limit %q: %w", arg, err)
	}
	if value <= 0 {
		return nil, fmt.Errorf("malformed rate limit %q: rate must be positive", arg)
	}
	r.Value = value * scale
	return r, nil
}
