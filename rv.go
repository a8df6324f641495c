package dltraffic

// rv.go holds the descriptions of the distributions the traffic generator draws
// from, and the code that turns a description into something that can be sampled

import (
	"fmt"
	"math"
	"strings"

	"github.com/iti/rngstream"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// DistSpec names a distribution family and its parameters.  The meaning of
// Params depends on the family:
//
//	constant     [value]
//	exponential  [mean]
//	uniform      [min, max]
//	normal       [mean, stddev]
//	lognormal    [mu, sigma]
//	pareto       [scale, shape]
//	weibull      [shape, scale]
type DistSpec struct {
	Family string    `json:"family" yaml:"family"`
	Params []float64 `json:"params" yaml:"params"`
}

// ConstantDist describes a distribution that always returns v
func ConstantDist(v float64) DistSpec {
	return DistSpec{Family: "constant", Params: []float64{v}}
}

// ExponentialDist describes an exponential distribution with the given mean
func ExponentialDist(mean float64) DistSpec {
	return DistSpec{Family: "exponential", Params: []float64{mean}}
}

// UniformDist describes a uniform distribution on [min, max)
func UniformDist(min, max float64) DistSpec {
	return DistSpec{Family: "uniform", Params: []float64{min, max}}
}

// NormalDist describes a normal distribution
func NormalDist(mean, stddev float64) DistSpec {
	return DistSpec{Family: "normal", Params: []float64{mean, stddev}}
}

// ParetoDist describes a Pareto distribution with scale xm and shape alpha
func ParetoDist(xm, alpha float64) DistSpec {
	return DistSpec{Family: "pareto", Params: []float64{xm, alpha}}
}

func (ds DistSpec) String() string {
	strs := make([]string, len(ds.Params))
	for idx, p := range ds.Params {
		strs[idx] = fmt.Sprintf("%g", p)
	}
	return fmt.Sprintf("%s[%s]", ds.Family, strings.Join(strs, ","))
}

// canonical maps the accepted spellings of a family name onto one
func (ds DistSpec) canonical() string {
	switch strings.ToLower(ds.Family) {
	case "const", "constant":
		return "constant"
	case "expon", "exp", "exponential":
		return "exponential"
	case "unif", "uniform":
		return "uniform"
	case "norm", "normal", "gaussian":
		return "normal"
	case "lognormal", "lognorm":
		return "lognormal"
	case "pareto":
		return "pareto"
	case "weibull":
		return "weibull"
	}
	return ""
}

// numParams is the number of parameters each family needs
var numParams map[string]int = map[string]int{
	"constant": 1, "exponential": 1, "uniform": 2, "normal": 2,
	"lognormal": 2, "pareto": 2, "weibull": 2,
}

// Validate checks that the family is known and its parameters make sense
func (ds DistSpec) Validate() error {
	family := ds.canonical()
	if family == "" {
		return fmt.Errorf("distribution family %q not recognized", ds.Family)
	}
	if len(ds.Params) != numParams[family] {
		return fmt.Errorf("distribution %s needs %d parameters, has %d", family, numParams[family], len(ds.Params))
	}
	for _, p := range ds.Params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("distribution %s has non-finite parameter", ds)
		}
	}

	switch family {
	case "exponential":
		if !(ds.Params[0] > 0) {
			return fmt.Errorf("exponential mean must be positive, is %g", ds.Params[0])
		}
	case "uniform":
		if !(ds.Params[0] <= ds.Params[1]) {
			return fmt.Errorf("uniform needs min <= max, has %s", ds)
		}
	case "normal", "lognormal":
		if ds.Params[1] < 0 {
			return fmt.Errorf("%s spread must not be negative, has %s", family, ds)
		}
	case "pareto", "weibull":
		if !(ds.Params[0] > 0) || !(ds.Params[1] > 0) {
			return fmt.Errorf("%s parameters must be positive, has %s", family, ds)
		}
	}
	return nil
}

// rander is satisfied by the gonum distributions and by constRV
type rander interface {
	Rand() float64
}

// constRV returns the same value on every draw
type constRV struct {
	value float64
}

func (crv constRV) Rand() float64 {
	return crv.value
}

// buildRV creates a sampler for the distribution ds whose randomness comes from src
func buildRV(ds DistSpec, src rand.Source) (rander, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}

	p := ds.Params
	switch ds.canonical() {
	case "constant":
		return constRV{value: p[0]}, nil
	case "exponential":
		return distuv.Exponential{Rate: 1.0 / p[0], Src: src}, nil
	case "uniform":
		return distuv.Uniform{Min: p[0], Max: p[1], Src: src}, nil
	case "normal":
		return distuv.Normal{Mu: p[0], Sigma: p[1], Src: src}, nil
	case "lognormal":
		return distuv.LogNormal{Mu: p[0], Sigma: p[1], Src: src}, nil
	case "pareto":
		return distuv.Pareto{Xm: p[0], Alpha: p[1], Src: src}, nil
	case "weibull":
		return distuv.Weibull{K: p[0], Lambda: p[1], Src: src}, nil
	}
	return nil, errors.Errorf("no sampler for %s", ds)
}

// rngSource lets an rngstream stream feed the gonum distributions.  The
// position of an rngstream stream is fixed by the order in which streams
// are created, so Seed has no effect.
type rngSource struct {
	strm *rngstream.RngStream
}

func newRngSource(name string) *rngSource {
	return &rngSource{strm: rngstream.New(name)}
}

// Uint64 glues two 32-bit draws together
func (rs *rngSource) Uint64() uint64 {
	hi := uint64(rs.strm.RandU01() * (1 << 32))
	lo := uint64(rs.strm.RandU01() * (1 << 32))
	return hi<<32 | lo
}

func (rs *rngSource) Seed(seed uint64) {}

// streamSeed mixes the run seed with a stream identifier so that each
// (run, stream) pair starts a distinct, reproducible sequence
func streamSeed(runSeed uint64, streamID int64) uint64 {
	// splitmix64 finalizer
	z := runSeed*0x9e3779b97f4a7c15 + uint64(streamID)
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

var rdigits uint = 15

// round computed simulation time to avoid non-sensical comparisons
// induced by rounding error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}
