package gnssins

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// MeasurementBatch is the assembled H/z/R system for one GNSS epoch,
// spec.md §4.3, built by BuildMeasurement from a raw GnssEpoch plus the
// current nominal NavState.
type MeasurementBatch struct {
	H    *mat.Dense    // m x nx
	Z    *mat.VecDense // m, innovation (observed - predicted)
	R    *mat.SymDense // m x m
	GDOP float64

	UsedSats    []int
	RejectedSats []int
}

// BuildMeasurement assembles the stacked pseudorange+Doppler measurement
// system for one GNSS epoch, spec.md §4.3: de-duplicate by SatID+freq,
// drop unhealthy/low-elevation/failed-correction satellites, apply the
// Sagnac (Earth-rotation) correction to the geometric range and its
// time-rate analogue to the range-rate, then stack one pseudorange row
// and one Doppler row per surviving satellite.
// nav supplies the current nominal attitude, position, velocity and clock
// states; the lever arm is cfg.LeverArmBody. When no satellite survives,
// H, Z and R are empty (zero-value) matrices and GDOP is +Inf.
func BuildMeasurement(cfg *Config, layout *StateLayout, epoch GnssEpoch, nav NavState) *MeasurementBatch {
	sats := deduplicate(epoch.Sats)

	var used, rejected []int
	var rows []measurementRow

	antennaECEF := AddVec3(nav.Pos, MulMat3Vec3(nav.Cbe, cfg.LeverArmBody))

	for _, s := range sats {
		if s.duplicate {
			continue
		}
		if !s.Healthy || !s.IonoTropoOK || s.Elevation < cfg.ElevationMaskRad {
			rejected = append(rejected, s.SatID)
			continue
		}

		satPos := sagnacCorrectedPos(antennaECEF, s.SatPosECEF)
		los := SubVec3(satPos, antennaECEF)
		geomRange := NormVec3(los)
		if geomRange < 1.0 {
			rejected = append(rejected, s.SatID)
			continue
		}
		unitLOS := ScaleVec3(los, 1.0/geomRange)

		rangeHat := geomRange + nav.ClockOffset - speedOfLight*s.SatClockBias +
			s.IonoDelay + s.TropoDelay

		rxVel := nav.VelECEF(antennaECEF, cfg)
		relVel := SubVec3(s.SatVelECEF, rxVel)
		sagnacRate := (earthRotation / speedOfLight) * (s.SatVelECEF[1]*antennaECEF[0] + s.SatPosECEF[1]*rxVel[0] -
			s.SatVelECEF[0]*antennaECEF[1] - s.SatPosECEF[0]*rxVel[1])
		dopplerHat := DotVec3(unitLOS, relVel) + sagnacRate + nav.ClockDrift - speedOfLight*s.SatClockDrift

		rows = append(rows, measurementRow{sat: s, rangeHat: rangeHat, losECEF: unitLOS, dopplerHat: dopplerHat})
		used = append(used, s.SatID)
	}

	m := 2 * len(rows)
	n := layout.Size()
	if m == 0 {
		// gonum rejects zero-sized constructors; hand back empty matrices.
		return &MeasurementBatch{
			H:            &mat.Dense{},
			Z:            &mat.VecDense{},
			R:            &mat.SymDense{},
			GDOP:         math.Inf(1),
			UsedSats:     used,
			RejectedSats: rejected,
		}
	}
	h := mat.NewDense(m, n, nil)
	z := mat.NewVecDense(m, nil)
	r := mat.NewSymDense(m, nil)

	iAtt, iVel, iPos := layout.Attitude(), layout.Velocity(), layout.Position()
	iClkOff, iClkDrift := layout.ClockOffset(), layout.ClockDrift()

	for i, rw := range rows {
		prIdx := 2 * i
		dopIdx := 2*i + 1

		for k := 0; k < 3; k++ {
			h.Set(prIdx, iPos+k, rw.losECEF[k])
			h.Set(dopIdx, iVel+k, -rw.losECEF[k])
		}
		h.Set(prIdx, iClkOff, 1)
		h.Set(dopIdx, iClkDrift, 1)

		leverECEF := MulMat3Vec3(nav.Cbe, cfg.LeverArmBody)
		leverSkew := Skew(leverECEF)
		leverRow := MulMat3Vec3(leverSkew, rw.losECEF)
		for k := 0; k < 3; k++ {
			h.Set(prIdx, iAtt+k, -leverRow[k])
		}

		if tropoIdx, ok := layout.Tropo(); ok {
			mapping := tropoMappingFunction(rw.sat.Elevation)
			h.Set(prIdx, tropoIdx, mapping)
		}
		if ambIdx, ok := layout.Ambiguity(AmbKey{SatID: rw.sat.SatID, Freq: 0}); ok {
			h.Set(prIdx, ambIdx, 1)
		}

		z.SetVec(prIdx, rw.sat.PseudorangeRaw-rw.rangeHat)
		dopplerMps := -rw.sat.DopplerRawHz * rw.sat.CarrierWavelen
		z.SetVec(dopIdx, dopplerMps-rw.dopplerHat)

		sinEl := math.Sin(rw.sat.Elevation)
		if sinEl < 0.05 {
			sinEl = 0.05
		}
		prSigma := cfg.PseudorangeSigma0 / sinEl
		dopSigma := cfg.DopplerSigma0 / sinEl
		r.SetSym(prIdx, prIdx, prSigma*prSigma+rw.sat.IonoVariance+rw.sat.TropoVariance)
		r.SetSym(dopIdx, dopIdx, dopSigma*dopSigma)
	}

	return &MeasurementBatch{
		H:            h,
		Z:            z,
		R:            r,
		GDOP:         computeGDOP(rows),
		UsedSats:     used,
		RejectedSats: rejected,
	}
}

// VelECEF is a convenience accessor so BuildMeasurement can treat the
// nominal ECEF velocity uniformly whether or not a lever-arm rate term is
// modelled; the spec does not require differentiating antenna vs IMU
// velocity for the Doppler row (lever-arm rate effects are second-order
// and not named as an invariant), so this simply returns nav.Vel.
func (n NavState) VelECEF(_ Vec3, _ *Config) Vec3 {
	return n.Vel
}

// deduplicate marks later entries sharing (SatID, implicit single
// frequency) as duplicate, spec.md §4.3 "de-duplicate the input batch by
// SatID+frequency, keeping the first occurrence."
func deduplicate(sats []SatMeasurement) []SatMeasurement {
	seen := make(map[int]bool, len(sats))
	out := make([]SatMeasurement, len(sats))
	copy(out, sats)
	for i := range out {
		if seen[out[i].SatID] {
			out[i].duplicate = true
			continue
		}
		seen[out[i].SatID] = true
	}
	return out
}

// sagnacCorrectedPos rotates the satellite's transmit-time ECEF position
// into the receiver's ECEF frame at signal-reception time, compensating
// for Earth rotation during the signal's time of flight (the full-
// rotation form of the Sagnac correction, spec.md §9 Open Question 1,
// resolved per SPEC_FULL.md/DESIGN.md in favour of the exact rotation
// over the linearised cross-product approximation).
func sagnacCorrectedPos(receiverECEF, satECEF Vec3) Vec3 {
	rangeApprox := NormVec3(SubVec3(satECEF, receiverECEF))
	tau := rangeApprox / speedOfLight
	rot := rotZ(-earthRotation * tau)
	return MulMat3Vec3(rot, satECEF)
}

// tropoMappingFunction is the simple cosecant obliquity mapping used when
// Config.PhaseOn models an estimated zenith wet delay state (spec.md §3's
// extended variant); a full Niell/GMF mapping function belongs to the
// tropo model external collaborator (§6), not this core.
func tropoMappingFunction(elevation float64) float64 {
	sinEl := math.Sin(elevation)
	if sinEl < 0.05 {
		sinEl = 0.05
	}
	return 1.0 / sinEl
}

// measurementRow is the per-satellite intermediate computed once and
// shared between the H/z/R assembly and computeGDOP.
type measurementRow struct {
	sat        SatMeasurement
	rangeHat   float64
	losECEF    Vec3
	dopplerHat float64
}

// computeGDOP evaluates geometric dilution of precision from the
// surviving line-of-sight unit vectors, sqrt(trace((G'G)^-1)), matching
// the convention named in SPEC_FULL.md's DOP section.
func computeGDOP(rows []measurementRow) float64 {
	n := len(rows)
	if n < 4 {
		return math.Inf(1)
	}
	g := mat.NewDense(n, 4, nil)
	for i, rw := range rows {
		g.Set(i, 0, rw.losECEF[0])
		g.Set(i, 1, rw.losECEF[1])
		g.Set(i, 2, rw.losECEF[2])
		g.Set(i, 3, 1)
	}
	var gtg mat.Dense
	gtg.Mul(g.T(), g)

	var inv mat.Dense
	if err := inv.Inverse(&gtg); err != nil {
		return math.Inf(1)
	}
	trace := inv.At(0, 0) + inv.At(1, 1) + inv.At(2, 2) + inv.At(3, 3)
	if trace < 0 {
		return math.Inf(1)
	}
	return math.Sqrt(trace)
}

// sortedSatIDs is a small helper used by tests/logging to present
// deterministic ordering of the used/rejected satellite lists.
func sortedSatIDs(ids []int) []int {
	out := make([]int, len(ids))
	copy(out, ids)
	sort.Ints(out)
	return out
}
