package gnssins

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEcefGeodeticRoundTrip(t *testing.T) {
	cases := []struct {
		lat, lon, h float64
	}{
		{0, 0, 0},
		{45 * math.Pi / 180, 10 * math.Pi / 180, 100},
		{-33 * math.Pi / 180, 151 * math.Pi / 180, 500},
		{89 * math.Pi / 180, 0, 1000},
	}
	for _, c := range cases {
		r := Geodetic2Ecef(c.lat, c.lon, c.h)
		lat, lon, h := Ecef2Geodetic(r)
		assert.InDelta(t, c.lat, lat, 1e-9)
		assert.InDelta(t, c.lon, lon, 1e-9)
		assert.InDelta(t, c.h, h, 1e-3)
	}
}

func TestSkewIsCrossProduct(t *testing.T) {
	a := Vec3{1, 2, 3}
	b := Vec3{4, -5, 6}
	got := MulMat3Vec3(Skew(a), b)
	want := crossVec3(a, b)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, want[i], got[i], 1e-12)
	}
}

func TestNormalGravityPointsDownward(t *testing.T) {
	pos := Geodetic2Ecef(45*math.Pi/180, 0, 0)
	lat, lon, _ := Ecef2Geodetic(pos)
	g := NormalGravityECEF(pos)
	nedRot := Ecef2NedRot(lat, lon)
	gNED := MulMat3Vec3(nedRot, g)
	assert.Greater(t, gNED[2], 0.0, "gravity should point toward the ellipsoid (down positive in NED)")
	assert.InDelta(t, 9.8, gNED[2], 0.2)
}

func TestGeocentricRadiusMonotoneTowardPole(t *testing.T) {
	equator := GeocentricRadius(0)
	pole := GeocentricRadius(math.Pi / 2)
	assert.Greater(t, equator, pole)
}
