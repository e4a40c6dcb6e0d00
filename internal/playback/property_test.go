package playback

import (
	"context"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// expected is the reference ordering: by timestamp, then channel id, then
// record position.
func expected(series [][]int64) []played {
	var out []played
	id := uint16(0)
	for _, ts := range series {
		if len(ts) == 0 {
			continue
		}
		for r, t := range ts {
			out = append(out, played{Channel: id, Time: t, Record: int64(r)})
		}
		id++
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

func play(series [][]int64, window time.Duration) ([]played, error) {
	data, err := buildPack(series, nil)
	if err != nil {
		return nil, err
	}
	l, err := openPack(data, nil, window, nil)
	if err != nil {
		return nil, err
	}
	defer l.Close()
	it, err := l.CreateIterator(context.Background(), IteratorArgs{})
	if err != nil {
		return nil, err
	}
	return drain(it)
}

func TestPlaybackProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping property tests in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	stamps := gen.SliceOf(gen.Int64Range(-50, 50))

	properties.Property("messages follow the reference order", prop.ForAll(
		func(a, b, c []int64, window int64) bool {
			series := [][]int64{a, b, c}
			got, err := play(series, time.Duration(window))
			if err != nil {
				return false
			}
			want := expected(series)
			return len(got) == len(want) && (len(want) == 0 || reflect.DeepEqual(got, want))
		},
		stamps, stamps, stamps, gen.Int64Range(1, 120),
	))

	properties.Property("window size does not change the sequence", prop.ForAll(
		func(a, b []int64, window int64) bool {
			series := [][]int64{a, b}
			small, err := play(series, time.Duration(window))
			if err != nil {
				return false
			}
			large, err := play(series, time.Hour)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(small, large)
		},
		stamps, stamps, gen.Int64Range(1, 10),
	))

	properties.Property("replay is deterministic", prop.ForAll(
		func(a, b []int64) bool {
			first, err := play([][]int64{a, b}, time.Nanosecond)
			if err != nil {
				return false
			}
			second, err := play([][]int64{a, b}, time.Nanosecond)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(first, second)
		},
		stamps, stamps,
	))

	properties.Property("log time never decreases", prop.ForAll(
		func(a, b, c []int64, window int64) bool {
			got, err := play([][]int64{a, b, c}, time.Duration(window))
			if err != nil {
				return false
			}
			for i := 1; i < len(got); i++ {
				if got[i].Time < got[i-1].Time {
					return false
				}
			}
			return true
		},
		stamps, stamps, stamps, gen.Int64Range(1, 30),
	))

	properties.TestingRun(t)
}
