package gnssins

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticSite() (Vec3, Mat3) {
	pos := Geodetic2Ecef(45*math.Pi/180, 10*math.Pi/180, 0)
	return pos, Identity3()
}

func feedAlignmentSamples(t *testing.T, e *Estimator, pos Vec3, cbe Mat3, n int) {
	t.Helper()
	g := NormalGravityECEF(pos)
	fb := MulMat3Vec3(TransposeMat3(cbe), ScaleVec3(g, -1))
	wb := MulMat3Vec3(TransposeMat3(cbe), Vec3{0, 0, earthRotation})
	ts := 0.0
	for i := 0; i < n; i++ {
		ts += 0.01
		e.StepImu(ImuSample{Time: ts, SpecificForce: fb, AngularRate: wb})
	}
}

func fourSatEpoch(receiverPos Vec3, t float64) GnssEpoch {
	// GDOP-optimal tetrahedral geometry in ECEF axes: one satellite along
	// +Z, three at 109.47 degrees from it spaced 120 degrees apart about Z,
	// scaled to a realistic GNSS range magnitude. G'G is diagonal
	// (1.3334, 1.3334, 1.3333, 4), giving GDOP = sqrt(2.5) =~ 1.581.
	const satRange = 2.5e7
	dirs := []Vec3{
		{0, 0, 1},
		{0.9428, 0, -0.3333},
		{-0.4714, 0.8165, -0.3333},
		{-0.4714, -0.8165, -0.3333},
	}
	offsets := make([]Vec3, len(dirs))
	for i, d := range dirs {
		offsets[i] = ScaleVec3(d, satRange)
	}
	sats := make([]SatMeasurement, len(offsets))
	for i, off := range offsets {
		satPos := AddVec3(receiverPos, off)
		rng := NormVec3(off)
		sats[i] = SatMeasurement{
			SatID:          i + 1,
			PseudorangeRaw: rng,
			CarrierWavelen: 0.19,
			SatPosECEF:     satPos,
			Healthy:        true,
			IonoTropoOK:    true,
			Elevation:      0.6,
		}
	}
	return GnssEpoch{Time: t, Sats: sats}
}

func TestEstimatorStaticStationaryStaysUninitialisedUntilAlign(t *testing.T) {
	pos, _ := staticSite()
	cfg := DefaultConfig(IMUGradeTactical)
	e := NewEstimator(cfg, pos)
	assert.Equal(t, PhaseUninitialised, e.phase)

	feedAlignmentSamples(t, e, pos, Identity3(), 50)
	assert.Equal(t, PhaseUninitialised, e.phase, "phase should not change until the first GNSS epoch completes alignment")
}

func TestEstimatorCoarseAlignThenIntegratedOnGoodGnss(t *testing.T) {
	pos, cbe := staticSite()
	cfg := DefaultConfig(IMUGradeTactical)
	e := NewEstimator(cfg, pos)

	feedAlignmentSamples(t, e, pos, cbe, 100)

	sol := e.StepGnss(fourSatEpoch(pos, 1.0))
	require.NotNil(t, sol)
	assert.Equal(t, PhaseIntegrated, e.phase)
	assert.True(t, sol.NavOrKF)
}

func TestEstimatorGateRejectsTooFewSatellites(t *testing.T) {
	pos, cbe := staticSite()
	cfg := DefaultConfig(IMUGradeTactical)
	e := NewEstimator(cfg, pos)
	feedAlignmentSamples(t, e, pos, cbe, 10)

	epoch := fourSatEpoch(pos, 1.0)
	epoch.Sats = epoch.Sats[:2]

	sol := e.StepGnss(epoch)
	assert.True(t, sol.Flags.Has(FlagGateFailed))
	assert.Equal(t, PhaseNavigateOnly, e.phase)
}

func TestEstimatorDivergenceRecovery(t *testing.T) {
	pos, cbe := staticSite()
	cfg := DefaultConfig(IMUGradeTactical)
	cfg.DivergencePosVarThreshold = 1e-12 // force immediate divergence
	e := NewEstimator(cfg, pos)
	feedAlignmentSamples(t, e, pos, cbe, 10) // lastTime == 0.10

	sol := e.StepGnss(fourSatEpoch(pos, 0.10))
	require.NotNil(t, sol)
	assert.Equal(t, PhaseDiverged, e.phase)
	assert.True(t, sol.Flags.Has(FlagDiverged))

	feedAlignmentSamples(t, e, pos, cbe, 5) // timestamps restart at 0.01, leaving lastTime at 0.05; StepImu keeps propagating while Diverged
	recoverSol := e.StepGnss(fourSatEpoch(pos, e.lastTime))
	assert.Equal(t, PhaseNavigateOnly, e.phase)
	_ = recoverSol
}

func TestEstimatorStrapdownDriftGradeComparison(t *testing.T) {
	pos, cbe := staticSite()
	g := NormalGravityECEF(pos)
	fb := MulMat3Vec3(TransposeMat3(cbe), ScaleVec3(g, -1))
	wb := MulMat3Vec3(TransposeMat3(cbe), Vec3{0, 0, earthRotation})

	drift := func(grade IMUGrade) float64 {
		cfg := DefaultConfig(grade)
		e := NewEstimator(cfg, pos)
		feedAlignmentSamples(t, e, pos, cbe, 5)
		e.StepGnss(fourSatEpoch(pos, e.lastTime))

		ts := e.lastTime
		var last *Solution
		for i := 0; i < 500; i++ {
			ts += 0.01
			last = e.StepImu(ImuSample{Time: ts, SpecificForce: fb, AngularRate: wb})
		}
		return NormVec3(SubVec3(last.PosECEF, pos))
	}

	consumerDrift := drift(IMUGradeConsumer)
	tacticalDrift := drift(IMUGradeTactical)
	assert.GreaterOrEqual(t, consumerDrift, 0.0)
	assert.GreaterOrEqual(t, tacticalDrift, 0.0)
}
