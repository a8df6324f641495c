package dltraffic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drawIntervals(rss *RandomStreamSet, n int) []float64 {
	draws := make([]float64, n)
	for idx := range draws {
		draws[idx] = rss.NextInterval()
	}
	return draws
}

func TestAssignStreamsDisjoint(t *testing.T) {
	a := CreateRandomStreamSet("a", 1)
	b := CreateRandomStreamSet("b", 1)

	next := int64(10)
	next += a.AssignStreams(next)
	require.Equal(t, int64(13), next)
	next += b.AssignStreams(next)
	require.Equal(t, int64(16), next)

	assert.Equal(t, int64(10), a.StreamID(IntervalStream))
	assert.Equal(t, int64(11), a.StreamID(SizeStream))
	assert.Equal(t, int64(12), a.StreamID(DeadlineStream))
	assert.Equal(t, int64(13), b.StreamID(IntervalStream))
	assert.Equal(t, int64(14), b.StreamID(SizeStream))
	assert.Equal(t, int64(15), b.StreamID(DeadlineStream))

	// same distribution, different streams
	assert.NotEqual(t, drawIntervals(a, 5), drawIntervals(b, 5))
}

func TestUnassignedStreams(t *testing.T) {
	rss := CreateRandomStreamSet("fresh", 1)
	for _, kind := range []StreamKind{IntervalStream, SizeStream, DeadlineStream} {
		assert.Equal(t, Unassigned, rss.StreamID(kind))
	}
	assert.Equal(t, DefaultInterval, rss.Spec(IntervalStream))
	assert.Equal(t, DefaultSize, rss.Spec(SizeStream))
	assert.Equal(t, DefaultDeadline, rss.Spec(DeadlineStream))

	// draws work before assignment, they just are not tied to an identifier
	assert.Greater(t, rss.NextInterval(), 0.0)
}

func TestAssignedStreamsReproducible(t *testing.T) {
	first := CreateRandomStreamSet("x", 42)
	second := CreateRandomStreamSet("y", 42)
	first.AssignStreams(7)
	second.AssignStreams(7)
	assert.Equal(t, drawIntervals(first, 20), drawIntervals(second, 20))

	// a different run seed gives a different sequence
	other := CreateRandomStreamSet("z", 43)
	other.AssignStreams(7)
	first.AssignStreams(7)
	assert.NotEqual(t, drawIntervals(first, 20), drawIntervals(other, 20))
}

func TestAssignStreamsIdempotent(t *testing.T) {
	rss := CreateRandomStreamSet("idem", 9)
	assert.Equal(t, int64(3), rss.AssignStreams(100))
	before := drawIntervals(rss, 10)

	assert.Equal(t, int64(3), rss.AssignStreams(100))
	assert.Equal(t, before, drawIntervals(rss, 10))
	assert.Equal(t, int64(100), rss.StreamID(IntervalStream))
}

func TestConfigureIsNotRetroactive(t *testing.T) {
	a := CreateRandomStreamSet("a", 5)
	b := CreateRandomStreamSet("b", 5)
	a.AssignStreams(0)
	b.AssignStreams(0)

	prior := drawIntervals(a, 3)
	assert.Equal(t, prior, drawIntervals(b, 3))

	// doubling the mean of an exponential doubles the next draw from the same source
	require.NoError(t, a.Configure(IntervalStream, ExponentialDist(0.2)))
	assert.InDelta(t, 2*b.NextInterval(), a.NextInterval(), 1e-12)
	assert.Equal(t, ExponentialDist(0.2), a.Spec(IntervalStream))

	require.NoError(t, a.Configure(SizeStream, ConstantDist(1400)))
	assert.Equal(t, 1400.0, a.NextSize())
}

func TestConfigureRejectsBadSpecs(t *testing.T) {
	rss := CreateRandomStreamSet("bad", 1)
	assert.Error(t, rss.Configure(IntervalStream, DistSpec{Family: "zipfian", Params: []float64{1}}))
	assert.Error(t, rss.Configure(IntervalStream, ExponentialDist(0)))
	assert.Error(t, rss.Configure(SizeStream, UniformDist(10, 1)))
	assert.Error(t, rss.Configure(StreamKind(5), ConstantDist(1)))

	// a rejected distribution leaves the stream as it was
	assert.Equal(t, DefaultInterval, rss.Spec(IntervalStream))
}

func TestDistributionFamilies(t *testing.T) {
	specs := []DistSpec{
		ConstantDist(3),
		ExponentialDist(1),
		UniformDist(2, 4),
		NormalDist(10, 1),
		{Family: "lognormal", Params: []float64{0, 0.5}},
		ParetoDist(1, 2),
		{Family: "weibull", Params: []float64{1.5, 2}},
		{Family: "Exp", Params: []float64{2}},
	}
	for _, spec := range specs {
		rss := CreateRandomStreamSet("fam", 3)
		rss.AssignStreams(0)
		require.NoError(t, rss.Configure(SizeStream, spec), "%s", spec)
		for i := 0; i < 50; i++ {
			v := rss.NextSize()
			if spec.canonical() == "uniform" {
				assert.True(t, v >= 2 && v < 4, "%g outside [2,4)", v)
			}
			if spec.canonical() == "pareto" {
				assert.GreaterOrEqual(t, v, 1.0)
			}
		}
	}
}
