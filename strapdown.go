package gnssins

import "math"

// alphaMagnitudeFloor is the small-angle fallback threshold (spec.md
// §4.1 step 3: "Fallback to I + A when m < 1e-8"), matching
// original_source's Nav_equations_ECEF1 `mag_alpha > 1.E-8` branch.
const alphaMagnitudeFloor = 1e-8

// StrapdownResult carries the propagated nominal state plus the averaged
// DCM and the ECEF specific force/gravity used internally, handed back so
// callers need not recompute them (BuildTransition does not take them).
type StrapdownResult struct {
	Cbe       Mat3
	Vel       Vec3
	Pos       Vec3
	AvgCbe    Mat3 // C-bar, averaged body-to-ECEF DCM over the interval
	SpecForceECEF Vec3
	GravityECEF   Vec3
}

// StepStrapdown performs one two-sample strapdown propagation step in the
// ECEF frame, spec.md §4.1. fb and wb are the de-biased, Δt-averaged
// specific force and angular rate in the body frame. dt is not checked
// here: Estimator.StepImu applies its MaxDt sanity check, flags and logs
// an out-of-bound dt, and still calls this, per spec.md's "Δt outside
// [0, MAXDT] triggers a logged warning; propagation still runs".
func StepStrapdown(prev NavState, fb, wb Vec3, dt float64) StrapdownResult {
	// 1. Earth-rotation angle accrued over the interval and its DCM.
	alphaIE := earthRotation * dt
	cEarth := rotZ(-alphaIE)

	// 2-3. Body-frame incremental rotation, Rodrigues' formula.
	alphaB := ScaleVec3(wb, dt)
	magAlpha := NormVec3(alphaB)
	a := Skew(alphaB)
	aSquared := MulMat3(a, a)

	var cNewOld Mat3
	if magAlpha > alphaMagnitudeFloor {
		first := AddMat3(Identity3(), ScaleMat3(a, math.Sin(magAlpha)/magAlpha))
		second := ScaleMat3(aSquared, (1-math.Cos(magAlpha))/(magAlpha*magAlpha))
		cNewOld = AddMat3(first, second)
	} else {
		cNewOld = AddMat3(Identity3(), a)
	}

	// 4. Attitude update.
	cbeNew := MulMat3(MulMat3(cEarth, prev.Cbe), cNewOld)

	// 5. Average DCM over the interval (spec.md §4.1 step 5).
	var cbb Mat3
	if magAlpha > alphaMagnitudeFloor {
		first := AddMat3(Identity3(), ScaleMat3(a, (1-math.Cos(magAlpha))/(magAlpha*magAlpha)))
		second := ScaleMat3(aSquared, (1-math.Sin(magAlpha)/magAlpha)/(magAlpha*magAlpha))
		cbb = AddMat3(first, second)
	} else {
		cbb = Identity3()
	}
	alphaIEVec := Vec3{0, 0, alphaIE}
	halfSkewIE := ScaleMat3(Skew(alphaIEVec), 0.5)
	lastTerm := MulMat3(halfSkewIE, prev.Cbe)

	var avgCbe Mat3
	if magAlpha > alphaMagnitudeFloor {
		avgCbe = SubMat3(MulMat3(prev.Cbe, cbb), lastTerm)
	} else {
		avgCbe = SubMat3(prev.Cbe, lastTerm)
	}

	// 6. Specific force and gravity in ECEF.
	fe := MulMat3Vec3(avgCbe, fb)
	ge := NormalGravityECEF(prev.Pos)

	// 7. Velocity update: v+ = v- + dt*(f_e + g_e - 2*skew(omega_ie)*v-).
	omegaIEVec := Vec3{0, 0, earthRotation}
	coriolis := ScaleVec3(MulMat3Vec3(Skew(omegaIEVec), prev.Vel), 2)
	accel := SubVec3(AddVec3(fe, ge), coriolis)
	velNew := AddVec3(prev.Vel, ScaleVec3(accel, dt))

	// 8. Position update: trapezoidal integration of velocity.
	posNew := AddVec3(prev.Pos, ScaleVec3(AddVec3(prev.Vel, velNew), 0.5*dt))

	return StrapdownResult{
		Cbe:           cbeNew,
		Vel:           velNew,
		Pos:           posNew,
		AvgCbe:        avgCbe,
		SpecForceECEF: fe,
		GravityECEF:   ge,
	}
}

// rotZ returns the rotation matrix about the ECEF Z axis by angle (the
// teacher's C_Earth / Rz(-alpha_ie) construction).
func rotZ(angle float64) Mat3 {
	s, c := math.Sincos(angle)
	return Mat3{
		{c, -s, 0},
		{s, c, 0},
		{0, 0, 1},
	}
}

// Orthonormalize re-orthonormalises a DCM via a single Gram-Schmidt pass,
// bounding the Frobenius drift spec.md §8 invariant 1 requires over many
// epochs of float accumulation. Cheap enough to run every closed-loop
// correction (§4.4); the strapdown propagation itself does not call it,
// matching the design note that re-orthonormalisation happens on the
// correction path, not every integration step.
func Orthonormalize(c Mat3) Mat3 {
	x := Vec3{c[0][0], c[1][0], c[2][0]}
	y := Vec3{c[0][1], c[1][1], c[2][1]}
	z := Vec3{c[0][2], c[1][2], c[2][2]}

	x = ScaleVec3(x, 1/NormVec3(x))
	y = SubVec3(y, ScaleVec3(x, DotVec3(x, y)))
	y = ScaleVec3(y, 1/NormVec3(y))
	z = crossVec3(x, y)

	return Mat3{
		{x[0], y[0], z[0]},
		{x[1], y[1], z[1]},
		{x[2], y[2], z[2]},
	}
}

func crossVec3(a, b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}
