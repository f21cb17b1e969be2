// Package stats runs a post-hoc Anderson-Darling goodness-of-fit test over
// the inter-departure-time samples of a designated flow. It only reads
// data already collected and never influences scheduling.
package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrInsufficientInput means too few samples were collected for the test
// to be applicable.
var ErrInsufficientInput = errors.New("not enough samples for goodness-of-fit test")

// minSamples is the smallest sample count the test accepts.
const minSamples = 5

// criticalValue is the asymptotic 5% critical value of the A^2 statistic
// for a fully specified reference distribution.
const criticalValue = 2.492

// Config selects the flow under test and the reference distribution.
type Config struct {
	// FlowIndex designates the flow whose source inter-departure times are
	// tested.
	FlowIndex int

	// Uniform, when set, tests against an equal-weight mixture of three
	// uniform distributions with these [lower, upper] bounds. When nil the
	// reference is exponential.
	Uniform *[3][2]float64
}

// ParseConfig parses the -b argument: a flow index, optionally followed by
// three lower:upper bound pairs selecting a uniform reference, e.g.
// "0" or "0,0.001:0.002,0.002:0.004,0.004:0.008".
func ParseConfig(arg string) (Config, error) {
	parts := strings.Split(arg, ",")
	idx, err := strconv.Atoi(parts[0])
	if err != nil || idx < 0 {
		return Config{}, fmt.Errorf("malformed flow index %q", parts[0])
	}
	cfg := Config{FlowIndex: idx}
	if len(parts) == 1 {
		return cfg, nil
	}
	if len(parts) != 4 {
		return Config{}, fmt.Errorf("want three lower:upper pairs, got %d", len(parts)-1)
	}
	var bounds [3][2]float64
	for i, pair := range parts[1:] {
		lo, hi, found := strings.Cut(pair, ":")
		if !found {
			return Config{}, fmt.Errorf("malformed bound pair %q", pair)
		}
		l, err1 := strconv.ParseFloat(lo, 64)
		u, err2 := strconv.ParseFloat(hi, 64)
		if err1 != nil || err2 != nil || u <= l {
			return Config{}, fmt.Errorf("malformed bound pair %q", pair)
		}
		bounds[i] = [2]float64{l, u}
	}
	cfg.Uniform = &bounds
	return cfg, nil
}

// Verdict is the outcome of one goodness-of-fit test.
type Verdict struct {
	// Statistic is the Anderson-Darling A^2 value.
	Statistic float64
	// Pass is true when the statistic is below the 5% critical value.
	Pass bool
	// N is the number of samples tested.
	N int
}

func (v Verdict) String() string {
	outcome := "rejected"
	if v.Pass {
		outcome = "not rejected"
	}
	return fmt.Sprintf("A2=%.4f over %d samples: hypothesis %s at 5%% significance",
		v.Statistic, v.N, outcome)
}

// CDF is a cumulative distribution function.
type CDF func(x float64) float64

// ExponentialCDF returns the CDF of an exponential distribution with the
// given mean.
func ExponentialCDF(mean float64) CDF {
	return func(x float64) float64 {
		if x <= 0 {
			return 0
		}
		return 1 - math.Exp(-x/mean)
	}
}

// UniformMixtureCDF returns the CDF of an equal-weight mixture of three
// uniform distributions.
func UniformMixtureCDF(bounds [3][2]float64) CDF {
	return func(x float64) float64 {
		sum := 0.0
		for _, b := range bounds {
			switch {
			case x <= b[0]:
				// contributes 0
			case x >= b[1]:
				sum += 1
			default:
				sum += (x - b[0]) / (b[1] - b[0])
			}
		}
		return sum / 3
	}
}

// InterDepartures turns a sequence of departure timestamps into the
// inter-departure-time samples between consecutive blocks.
func InterDepartures(departures []float64) []float64 {
	if len(departures) < 2 {
		return nil
	}
	out := make([]float64, 0, len(departures)-1)
	for i := 1; i < len(departures); i++ {
		out = append(out, departures[i]-departures[i-1])
	}
	return out
}

// AndersonDarling computes the A^2 statistic of samples against cdf and
// returns the verdict at the fixed 5% significance convention.
func AndersonDarling(samples []float64, cdf CDF) (Verdict, error) {
	n := len(samples)
	if n < minSamples {
		return Verdict{}, fmt.Errorf("%w: have %d, want at least %d",
			ErrInsufficientInput, n, minSamples)
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	// Clamp the CDF away from 0 and 1 so the logarithms stay finite for
	// samples outside the reference distribution's support.
	const eps = 1e-12
	f := func(x float64) float64 {
		return math.Min(math.Max(cdf(x), eps), 1-eps)
	}

	sum := 0.0
	for i := 0; i < n; i++ {
		sum += float64(2*i+1) * (math.Log(f(sorted[i])) + math.Log(1-f(sorted[n-1-i])))
	}
	a2 := -float64(n) - sum/float64(n)
	return Verdict{Statistic: a2, Pass: a2 < criticalValue, N: n}, nil
}

// Evaluate runs the configured test over inter-departure samples. mean is
// the reference exponential's mean; when zero it is estimated from the
// samples.
func Evaluate(cfg Config, samples []float64, mean float64) (Verdict, error) {
	if cfg.Uniform != nil {
		return AndersonDarling(samples, UniformMixtureCDF(*cfg.Uniform))
	}
	if mean <= 0 {
		if len(samples) == 0 {
			return Verdict{}, ErrInsufficientInput
		}
		sum := 0.0
		for _, s := range samples {
			sum += s
		}
		mean = sum / float64(len(samples))
	}
	return AndersonDarling(samples, ExponentialCDF(mean))
}
