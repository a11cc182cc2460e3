package gnssins

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoarseAlignLevelStationaryKnownHeading(t *testing.T) {
	pos := Geodetic2Ecef(45*math.Pi/180, 10*math.Pi/180, 0)
	lat, lon, _ := Ecef2Geodetic(pos)
	nedRot := Ecef2NedRot(lat, lon)

	wantYaw := 30 * math.Pi / 180
	cbn := rpyToDCM(0, 0, wantYaw)
	cbe := MulMat3(TransposeMat3(nedRot), cbn)

	g := NormalGravityECEF(pos)
	fb := MulMat3Vec3(TransposeMat3(cbe), ScaleVec3(g, -1))
	wb := MulMat3Vec3(TransposeMat3(cbe), Vec3{0, 0, earthRotation})

	samples := make([]ImuSample, 200)
	for i := range samples {
		samples[i] = ImuSample{SpecificForce: fb, AngularRate: wb}
	}

	got, err := CoarseAlign(pos, samples)
	require.NoError(t, err)

	gotRPY := DCMToRPY(MulMat3(nedRot, got))
	assert.InDelta(t, wantYaw, normalizeAngle(gotRPY[2]), 0.15)
}

func TestCoarseAlignErrorsOnNoSamples(t *testing.T) {
	_, err := CoarseAlign(Vec3{}, nil)
	assert.Error(t, err)
}

func TestNormalizeAngleWraps(t *testing.T) {
	assert.InDelta(t, 0.0, normalizeAngle(2*math.Pi), 1e-9)
	assert.InDelta(t, math.Pi-0.1, normalizeAngle(math.Pi-0.1), 1e-9)
	assert.InDelta(t, -math.Pi+0.1, normalizeAngle(3*math.Pi+0.1), 1e-9)
}
