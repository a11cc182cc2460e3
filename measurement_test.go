package gnssins

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func makeSat(id int, pos Vec3, elevation float64, pr float64) SatMeasurement {
	return SatMeasurement{
		SatID:          id,
		PseudorangeRaw: pr,
		CarrierWavelen: 0.19,
		SatPosECEF:     pos,
		Healthy:        true,
		Elevation:      elevation,
		IonoTropoOK:    true,
	}
}

func TestBuildMeasurementDeduplicatesBySatID(t *testing.T) {
	cfg := testConfig()
	layout := NewStateLayout(false)
	receiverPos := Geodetic2Ecef(45*math.Pi/180, 10*math.Pi/180, 0)

	satPos := AddVec3(receiverPos, Vec3{2e7, 1e7, 1e7})
	epoch := GnssEpoch{Sats: []SatMeasurement{
		makeSat(1, satPos, 0.5, 2e7),
		makeSat(1, satPos, 0.5, 2e7 + 100), // duplicate, should be dropped
	}}

	nav := NavState{Cbe: Identity3(), Pos: receiverPos}
	batch := BuildMeasurement(cfg, layout, epoch, nav)
	assert.Len(t, batch.UsedSats, 1)
}

func TestBuildMeasurementRejectsLowElevationAndUnhealthy(t *testing.T) {
	cfg := testConfig()
	layout := NewStateLayout(false)
	receiverPos := Geodetic2Ecef(45*math.Pi/180, 10*math.Pi/180, 0)
	satPos := AddVec3(receiverPos, Vec3{2e7, 1e7, 1e7})

	lowEl := makeSat(2, satPos, 0.01, 2e7)
	unhealthy := makeSat(3, satPos, 0.5, 2e7)
	unhealthy.Healthy = false

	epoch := GnssEpoch{Sats: []SatMeasurement{lowEl, unhealthy}}
	nav := NavState{Cbe: Identity3(), Pos: receiverPos}
	batch := BuildMeasurement(cfg, layout, epoch, nav)

	assert.Empty(t, batch.UsedSats)
	assert.ElementsMatch(t, []int{2, 3}, batch.RejectedSats)
}

func TestComputeGDOPInfiniteBelowFourSats(t *testing.T) {
	got := computeGDOP([]measurementRow{{}, {}, {}})
	assert.True(t, math.IsInf(got, 1))
}

func TestTropoMappingFunctionIncreasesTowardHorizon(t *testing.T) {
	zenith := tropoMappingFunction(math.Pi / 2)
	horizon := tropoMappingFunction(0.1)
	assert.Greater(t, horizon, zenith)
}
