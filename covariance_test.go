package gnssins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func testConfig() *Config {
	cfg := DefaultConfig(IMUGradeConsumer)
	return cfg
}

func TestPropagateCovarianceStaysSymmetricAndPSD(t *testing.T) {
	cfg := testConfig()
	layout := NewStateLayout(false)
	pos := Geodetic2Ecef(45*0.0174533, 10*0.0174533, 0)

	p0 := initialCovariance(cfg, layout)
	phi := BuildTransition(cfg, layout, Identity3(), pos, Vec3{0, 0, -9.8}, Vec3{0.001, 0, 0}, 0.01)
	q := BuildProcessNoise(cfg, layout, 0.01)

	p1 := PropagateCovariance(phi, p0, q)

	n := layout.Size()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			assert.InDelta(t, p1.At(i, j), p1.At(j, i), 1e-12, "covariance must be exactly symmetric")
		}
		assert.GreaterOrEqual(t, p1.At(i, i), -1e-9, "diagonal must stay non-negative (up to float noise)")
	}
}

func TestPropagateCovarianceGrowsOverTime(t *testing.T) {
	cfg := testConfig()
	layout := NewStateLayout(false)
	pos := Geodetic2Ecef(45*0.0174533, 10*0.0174533, 0)

	p := initialCovariance(cfg, layout)
	initialTrace := traceOf(p)

	for i := 0; i < 100; i++ {
		phi := BuildTransition(cfg, layout, Identity3(), pos, Vec3{0, 0, -9.8}, Vec3{}, 0.01)
		q := BuildProcessNoise(cfg, layout, 0.01)
		p = PropagateCovariance(phi, p, q)
	}

	assert.Greater(t, traceOf(p), initialTrace, "uncorrected propagation should grow uncertainty")
}

func TestBuildProcessNoiseScalesWithDt(t *testing.T) {
	cfg := testConfig()
	layout := NewStateLayout(false)
	qSmall := BuildProcessNoise(cfg, layout, 0.01)
	qBig := BuildProcessNoise(cfg, layout, 0.02)
	assert.InDelta(t, 2*qSmall.At(0, 0), qBig.At(0, 0), 1e-15)
}

func TestPreciseTransitionClosesToFirstOrderForSmallDt(t *testing.T) {
	cfg := testConfig()
	cfg.PreciseTransition = true
	layout := NewStateLayout(false)
	pos := Geodetic2Ecef(45*0.0174533, 10*0.0174533, 0)

	precise := BuildTransition(cfg, layout, Identity3(), pos, Vec3{0, 0, -9.8}, Vec3{0.01, 0, 0}, 0.001)

	cfg.PreciseTransition = false
	firstOrder := BuildTransition(cfg, layout, Identity3(), pos, Vec3{0, 0, -9.8}, Vec3{0.01, 0, 0}, 0.001)

	n := layout.Size()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			assert.InDelta(t, firstOrder.At(i, j), precise.At(i, j), 1e-6)
		}
	}
}

func traceOf(p *mat.SymDense) float64 {
	n := p.SymmetricDim()
	var sum float64
	for i := 0; i < n; i++ {
		sum += p.At(i, i)
	}
	return sum
}
