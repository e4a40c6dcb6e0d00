package topic

import (
	"fmt"
	"math"
	"strings"

	"github.com/basekick-labs/arcplay/internal/engine"
)

// UnitScale returns the number of nanoseconds in one unit. Units may carry
// a reference epoch ("seconds since 1970-01-01"); only the first word is
// used.
func UnitScale(unit string) (int64, error) {
	word := strings.ToLower(strings.TrimSpace(unit))
	if i := strings.IndexAny(word, " \t"); i >= 0 {
		word = word[:i]
	}
	switch word {
	case "ns", "nsec", "nanosecond", "nanoseconds":
		return 1, nil
	case "us", "µs", "usec", "microsecond", "microseconds":
		return 1_000, nil
	case "ms", "msec", "millisecond", "milliseconds":
		return 1_000_000, nil
	case "s", "sec", "secs", "second", "seconds":
		return 1_000_000_000, nil
	}
	return 0, fmt.Errorf("unknown time unit %q", unit)
}

// ToNanos converts a timestamp array to nanoseconds. Integer arrays are
// multiplied by the unit scale; float arrays are scaled and rounded.
func ToNanos(buf *engine.Buffer, scale int64) ([]int64, error) {
	switch buf.Kind {
	case engine.KindInteger, engine.KindTime:
		vals, err := buf.Int64s()
		if err != nil {
			return nil, err
		}
		if !buf.Signed {
			for i, v := range vals {
				if v < 0 {
					return nil, fmt.Errorf("timestamp %d at record %d overflows int64", uint64(v), i)
				}
			}
		}
		if scale == 1 {
			return vals, nil
		}
		for i, v := range vals {
			if v > math.MaxInt64/scale || v < math.MinInt64/scale {
				return nil, fmt.Errorf("timestamp %d at record %d overflows when scaled by %d", v, i, scale)
			}
			vals[i] = v * scale
		}
		return vals, nil

	case engine.KindFloat:
		vals, err := buf.Float64s()
		if err != nil {
			return nil, err
		}
		out := make([]int64, len(vals))
		for i, v := range vals {
			ns := math.Round(v * float64(scale))
			if math.IsNaN(ns) || ns >= math.MaxInt64 || ns < math.MinInt64 {
				return nil, fmt.Errorf("timestamp %v at record %d is not representable", v, i)
			}
			out[i] = int64(ns)
		}
		return out, nil
	}
	return nil, fmt.Errorf("timestamps of kind %s are not numeric", buf.Kind)
}
