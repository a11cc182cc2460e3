package gnssins

import "math"

// CoarseAlign computes an initial attitude DCM from a short window of
// stationary IMU samples using levelling (from the averaged specific
// force) plus gyrocompassing (from the averaged angular rate), the
// initialisation path original_source performs before entering its main
// navigation loop. samples must be gathered while the platform is at
// rest; spec.md §3's scenario "coarse alignment accuracy" exercises this
// against a known heading within the configured tolerance.
func CoarseAlign(pos Vec3, samples []ImuSample) (Mat3, error) {
	if len(samples) == 0 {
		return Identity3(), &alignmentError{"no samples"}
	}

	var fSum, wSum Vec3
	for _, s := range samples {
		fSum = AddVec3(fSum, s.SpecificForce)
		wSum = AddVec3(wSum, s.AngularRate)
	}
	n := float64(len(samples))
	fAvg := ScaleVec3(fSum, 1/n)
	wAvg := ScaleVec3(wSum, 1/n)

	lat, lon, _ := Ecef2Geodetic(pos)
	nedRot := Ecef2NedRot(lat, lon)

	// Levelling: the specific force measured at rest is -g resolved into
	// the body frame, so roll/pitch follow directly from fAvg's
	// components once rotated into a level (NED-aligned) frame.
	fNED := fAvg // body-to-NED rotation is unknown yet; use fAvg directly
	roll := math.Atan2(-fNED[1], -fNED[2])
	pitch := math.Atan2(fNED[0], math.Sqrt(fNED[1]*fNED[1]+fNED[2]*fNED[2]))

	// Gyrocompassing: the horizontal component of Earth rate sensed in
	// the body frame, once roll/pitch are known, gives true-north
	// heading (original_source's coarse alignment: yaw from
	// atan2(-wy_level, wx_level) after removing roll/pitch).
	cr, sr := math.Cos(roll), math.Sin(roll)
	cp, sp := math.Cos(pitch), math.Sin(pitch)

	levelFromBody := Mat3{
		{cp, sp * sr, sp * cr},
		{0, cr, -sr},
		{-sp, cp * sr, cp * cr},
	}
	wLevel := MulMat3Vec3(levelFromBody, wAvg)

	yaw := math.Atan2(-wLevel[1], wLevel[0])

	cbn := rpyToDCM(roll, pitch, yaw)
	cbe := MulMat3(TransposeMat3(nedRot), cbn)
	return Orthonormalize(cbe), nil
}

// rpyToDCM builds a body-to-NED DCM from roll/pitch/yaw (ZYX convention),
// matching original_source's dcm2rpy inverse.
func rpyToDCM(roll, pitch, yaw float64) Mat3 {
	cr, sr := math.Cos(roll), math.Sin(roll)
	cp, sp := math.Cos(pitch), math.Sin(pitch)
	cy, sy := math.Cos(yaw), math.Sin(yaw)

	return Mat3{
		{cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr},
		{sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr},
		{-sp, cp * sr, cp * cr},
	}
}

// DCMToRPY extracts roll/pitch/yaw from a body-to-NED DCM, grounded on
// original_source's dcm2rpy, used to populate Solution.RollPitchYaw.
func DCMToRPY(cbn Mat3) Vec3 {
	pitch := math.Atan2(-cbn[2][0], math.Sqrt(cbn[0][0]*cbn[0][0]+cbn[1][0]*cbn[1][0]))
	roll := math.Atan2(cbn[2][1], cbn[2][2])
	yaw := math.Atan2(cbn[1][0], cbn[0][0])
	return Vec3{roll, pitch, yaw}
}

type alignmentError struct{ msg string }

func (e *alignmentError) Error() string { return e.msg }
