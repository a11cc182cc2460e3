package gnssins

import "math"

// AttitudeRecheckResult carries the outcome of a straight-line heading
// cross-check, spec.md §4.5, grounded on original_source's rechkatt/
// stds/chksdri/NORMANG/getatt.
type AttitudeRecheckResult struct {
	Performed    bool
	HeadingDelta float64 // rad, signed difference nav-yaw minus GNSS-track yaw
	Accepted     bool
	CorrectedCbe Mat3 // valid only when Accepted
}

// RecheckAttitude compares the nominal yaw against the heading implied by
// a short window of ECEF velocity samples, and reports whether the two
// agree closely enough to leave the nominal attitude untouched. A
// correction is accepted when the heading difference reaches
// cfg.AttitudeRecheckMaxAngle. It does not itself apply the correction to
// nav.Cbe (spec.md §4.5 leaves that to the caller); when Accepted,
// CorrectedCbe holds the yaw-replaced DCM the Estimator folds back into
// its nominal state under FlagAttitudeRechecked.
func RecheckAttitude(cfg *Config, nav NavState, velSamples []Vec3, gyroSamples []Vec3) AttitudeRecheckResult {
	if len(velSamples) < 2 {
		return AttitudeRecheckResult{}
	}

	if !motionQualifies(cfg, velSamples, gyroSamples) {
		return AttitudeRecheckResult{}
	}

	lat, lon, _ := Ecef2Geodetic(nav.Pos)
	nedRot := Ecef2NedRot(lat, lon)

	var velSum Vec3
	for _, v := range velSamples {
		velSum = AddVec3(velSum, v)
	}
	velNED := MulMat3Vec3(nedRot, velSum)
	trackYaw := math.Atan2(velNED[1], velNED[0])

	rpy := DCMToRPY(MulMat3(nedRot, nav.Cbe))
	navYaw := rpy[2]

	delta := normalizeAngle(navYaw - trackYaw)

	accepted := math.Abs(delta) >= cfg.AttitudeRecheckMaxAngle
	if !accepted {
		return AttitudeRecheckResult{Performed: true, HeadingDelta: delta}
	}

	// Replace the yaw by the mean of the nominal and track-derived
	// estimates, spec.md §4.5, and rebuild C_b_n/C_b_e from it.
	meanYaw := normalizeAngle(navYaw - delta/2)
	correctedCbn := rpyToDCM(rpy[0], rpy[1], meanYaw)
	correctedCbe := Orthonormalize(MulMat3(TransposeMat3(nedRot), correctedCbn))

	return AttitudeRecheckResult{Performed: true, HeadingDelta: delta, Accepted: true, CorrectedCbe: correctedCbe}
}

// motionQualifies implements original_source's stds/chksdri preconditions:
// the straight-line cross-check is only trustworthy when the vehicle is
// moving fast enough and turning slowly enough that the velocity vector
// is a reliable proxy for the body heading. It checks the mean speed and
// the per-sample gyro magnitude only; the heading standard deviation of
// the window (cfg.AttitudeRecheckMaxHeadingStd) is not checked.
func motionQualifies(cfg *Config, velSamples []Vec3, gyroSamples []Vec3) bool {
	var speedSum float64
	for _, v := range velSamples {
		speedSum += NormVec3(v)
	}
	avgSpeed := speedSum / float64(len(velSamples))
	if avgSpeed < cfg.AttitudeRecheckMinVel {
		return false
	}

	for _, w := range gyroSamples {
		if NormVec3(w) > cfg.AttitudeRecheckMaxGyro {
			return false
		}
	}
	return true
}

// normalizeAngle wraps an angle into (-pi, pi], original_source's
// NORMANG.
func normalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
