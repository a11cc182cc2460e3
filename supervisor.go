package gnssins

import (
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Phase is the fusion supervisor's state machine position, spec.md §5:
// Uninitialised -> NavigateOnly -> Integrated <-> NavigateOnly ->
// Diverged -> NavigateOnly.
type Phase int

const (
	PhaseUninitialised Phase = iota
	PhaseNavigateOnly
	PhaseIntegrated
	PhaseDiverged
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialised:
		return "Uninitialised"
	case PhaseNavigateOnly:
		return "NavigateOnly"
	case PhaseIntegrated:
		return "Integrated"
	case PhaseDiverged:
		return "Diverged"
	default:
		return "Unknown"
	}
}

// Estimator is the fusion supervisor: the one type embedding applications
// construct and drive, spec.md §5/§6. It owns the nominal NavState, the
// error-state covariance, and the phase state machine; StepImu and
// StepGnss are its only mutating entry points.
type Estimator struct {
	cfg    *Config
	layout *StateLayout
	log    Logger

	phase Phase
	nav   NavState
	p     *mat.SymDense

	alignSamples []ImuSample

	recentVel  []Vec3
	recentGyro []Vec3

	gnssEpochsSeen int
	adaptive       *AdaptiveQEstimator

	lastTime float64
}

// DefaultConfig returns the tuning defaults for the given IMU grade,
// spec.md §6. Tactical-grade IMUs get tighter noise and bias random-walk
// PSDs than consumer-grade; the initial uncertainties (Init*Std) are the
// same for both grades. Mirrors the teacher's DefaultProcOpt/DefaultSolOpt
// construction-default pattern.
func DefaultConfig(grade IMUGrade) *Config {
	cfg := &Config{
		IMUGrade: grade,

		AccelBiasModel: BiasGaussMarkov,
		GyroBiasModel:  BiasGaussMarkov,
		AccelBiasTau:   3600,
		GyroBiasTau:    3600,

		InitAttitudeStd:    Vec3{0.05, 0.05, 0.2},
		InitVelStd:         Vec3{1, 1, 1},
		InitPosStd:         Vec3{10, 10, 10},
		InitAccelBiasStd:   Vec3{0.1, 0.1, 0.1},
		InitGyroBiasStd:    Vec3{0.01, 0.01, 0.01},
		InitClockOffsetStd: 100,
		InitClockDriftStd:  10,

		PseudorangeSigma0: 3.0,
		DopplerSigma0:     0.1,

		MaxDt: 0.1,

		GateMaxTimeSyncErr: 0.002,
		GateMinSatCount:    4,
		GateMaxGDOP:        2.5,
		GateMaxNEDCovNorm:  5.0,

		DivergencePosVarThreshold: 1e6,

		AttitudeRecheckEvery:         20,
		AttitudeRecheckMaxHeadingStd: 0.1,
		AttitudeRecheckMinVel:        2.0,
		AttitudeRecheckMaxGyro:       0.05,
		AttitudeRecheckMaxAngle:      0.2,

		ElevationMaskRad: 0.1745, // 10 degrees

		AmbiguityOutageLimit: 5,

		ClockJumpThreshold: 1e5,

		MaxSatellites: 32,
	}

	switch grade {
	case IMUGradeTactical:
		cfg.GyroNoisePSD = 1e-12
		cfg.AccelNoisePSD = 1e-6
		cfg.AccelBiasPSD = 1e-10
		cfg.GyroBiasPSD = 1e-14
	default: // IMUGradeConsumer
		cfg.GyroNoisePSD = 1e-8
		cfg.AccelNoisePSD = 1e-3
		cfg.AccelBiasPSD = 1e-6
		cfg.GyroBiasPSD = 1e-9
	}
	cfg.ClockPhasePSD = 1.0
	cfg.ClockFreqPSD = 0.1
	cfg.ProcessNoiseScale = 1.0

	return cfg
}

// NewEstimator constructs an Estimator in the Uninitialised phase,
// spec.md §5/§6. initialPos is the ECEF position used to seed the
// nominal position and the coarse-alignment gravity model; the initial
// error covariance comes from cfg alone.
func NewEstimator(cfg *Config, initialPos Vec3) *Estimator {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	layout := NewStateLayout(cfg.PhaseOn)

	e := &Estimator{
		cfg:    cfg,
		layout: layout,
		log:    log,
		phase:  PhaseUninitialised,
		nav:    NavState{Cbe: Identity3(), Pos: initialPos, Ambiguities: make(map[AmbKey]float64)},
		p:      initialCovariance(cfg, layout),
	}
	if cfg.AdaptiveQ {
		e.adaptive = NewAdaptiveQEstimator(layout.Size(), 0.3)
	}
	return e
}

func initialCovariance(cfg *Config, layout *StateLayout) *mat.SymDense {
	n := layout.Size()
	p := mat.NewSymDense(n, nil)
	setVarBlock := func(start int, std Vec3) {
		for i := 0; i < 3; i++ {
			p.SetSym(start+i, start+i, std[i]*std[i])
		}
	}
	setVarBlock(layout.Attitude(), cfg.InitAttitudeStd)
	setVarBlock(layout.Velocity(), cfg.InitVelStd)
	setVarBlock(layout.Position(), cfg.InitPosStd)
	setVarBlock(layout.AccelBias(), cfg.InitAccelBiasStd)
	setVarBlock(layout.GyroBias(), cfg.InitGyroBiasStd)
	p.SetSym(layout.ClockOffset(), layout.ClockOffset(), cfg.InitClockOffsetStd*cfg.InitClockOffsetStd)
	p.SetSym(layout.ClockDrift(), layout.ClockDrift(), cfg.InitClockDriftStd*cfg.InitClockDriftStd)
	return p
}

// StepImu advances the nominal state and covariance by one strapdown
// interval, spec.md §5. Returns a Solution reflecting propagate-only
// output; the phase only ever becomes Integrated inside StepGnss.
func (e *Estimator) StepImu(sample ImuSample) *Solution {
	dt := sample.Time - e.lastTime
	if e.lastTime == 0 {
		dt = 0
	}
	e.lastTime = sample.Time

	var flags SolutionFlag
	if e.lastTime != 0 && (dt < 0 || dt > e.cfg.MaxDt) {
		e.log.WithField("dt", dt).Warn("strapdown interval outside configured bound")
		flags |= FlagInvalidInput
	}

	if e.phase == PhaseUninitialised {
		e.alignSamples = append(e.alignSamples, sample)
		return e.solutionOut(false, flags)
	}

	fb := SubVec3(sample.SpecificForce, e.nav.AccelBias)
	wb := SubVec3(sample.AngularRate, e.nav.GyroBias)

	result := StepStrapdown(e.nav, fb, wb, dt)
	phi := BuildTransition(e.cfg, e.layout, e.nav.Cbe, e.nav.Pos, fb, wb, dt)
	e.nav.Cbe = result.Cbe
	e.nav.Vel = result.Vel
	e.nav.Pos = result.Pos

	q := BuildProcessNoise(e.cfg, e.layout, dt)
	e.p = PropagateCovariance(phi, e.p, q)
	ClampNonNegativeDiag(e.p, 1e-9)

	e.trackRecentMotion(result.Vel, wb)

	return e.solutionOut(false, flags)
}

// StepGnss applies one GNSS measurement update, spec.md §5's full gate
// sequence: completes coarse alignment on first call if still
// Uninitialised, checks the precondition gates, builds and applies the
// Kalman update, folds the correction back in (closed-loop correction),
// periodically performs the attitude recheck, and evaluates the
// divergence/recovery transition.
func (e *Estimator) StepGnss(epoch GnssEpoch) *Solution {
	var flags SolutionFlag

	if e.phase == PhaseUninitialised {
		cbe, err := CoarseAlign(e.nav.Pos, e.alignSamples)
		if err != nil {
			flags |= FlagInvalidInput
			return e.solutionOut(false, flags)
		}
		e.nav.Cbe = cbe
		e.phase = PhaseNavigateOnly
	}

	if e.phase == PhaseDiverged {
		e.attemptRecovery(epoch)
		return e.solutionOut(false, flags)
	}

	if !e.gatesPass(epoch) {
		flags |= FlagGateFailed
		return e.solutionOut(false, flags)
	}

	batch := BuildMeasurement(e.cfg, e.layout, epoch, e.nav)
	if len(batch.RejectedSats) > 0 {
		flags |= FlagSatelliteReject
	}
	if batch.GDOP > e.cfg.GateMaxGDOP {
		flags |= FlagGateFailed
		return e.solutionOut(false, flags)
	}

	if jump := medianAbs(batch.Z); jump > e.cfg.ClockJumpThreshold {
		flags |= FlagClockJump
	}

	result, estErr := KalmanUpdate(e.cfg, e.p, batch)
	if estErr != nil {
		e.log.WithError(estErr).Warn("measurement update dropped")
		sol := e.solutionOut(false, flags)
		sol.LastErr = estErr
		sol.Flags |= FlagSingularInnovation
		return sol
	}
	if result.GateFailed {
		flags |= FlagGateFailed
		return e.solutionOut(false, flags)
	}

	e.nav = ApplyCorrection(e.layout, e.nav, result.Correction)
	e.p = result.Covariance
	ClampNonNegativeDiag(e.p, 1e-9)

	if e.adaptive != nil {
		e.adaptive.Observe(result.Correction)
	}

	e.phase = PhaseIntegrated
	e.gnssEpochsSeen++

	if e.cfg.AttitudeRecheckEvery > 0 && e.gnssEpochsSeen%e.cfg.AttitudeRecheckEvery == 0 {
		rc := RecheckAttitude(e.cfg, e.nav, e.recentVel, e.recentGyro)
		if rc.Performed {
			flags |= FlagAttitudeRechecked
			if rc.Accepted {
				e.nav.Cbe = rc.CorrectedCbe
			}
		}
	}

	released := e.layout.TouchAmbiguities(seenKeys(epoch), e.cfg.AmbiguityOutageLimit)
	for _, key := range released {
		delete(e.nav.Ambiguities, key)
	}

	if e.isDiverged() {
		e.phase = PhaseDiverged
		flags |= FlagDiverged
	}

	sol := e.solutionOut(true, flags)
	return sol
}

func (e *Estimator) gatesPass(epoch GnssEpoch) bool {
	if len(epoch.Sats) < e.cfg.GateMinSatCount {
		return false
	}
	if epoch.Time-e.lastTime > e.cfg.GateMaxTimeSyncErr && e.lastTime != 0 {
		return false
	}
	covNorm := NormVec3(Vec3{epoch.ReportedNEDCovNE[0], epoch.ReportedNEDCovNE[1], 0})
	if covNorm > e.cfg.GateMaxNEDCovNorm {
		return false
	}
	return true
}

func (e *Estimator) isDiverged() bool {
	posIdx := e.layout.Position()
	trace := e.p.At(posIdx, posIdx) + e.p.At(posIdx+1, posIdx+1) + e.p.At(posIdx+2, posIdx+2)
	mean := trace / 3
	return mean > e.cfg.DivergencePosVarThreshold
}

// attemptRecovery re-seeds the covariance (spec.md §5: "recovery resets
// the covariance to the initial uncertainty, keeping the nominal state")
// and drops back to NavigateOnly once a GNSS epoch passes the same gates
// used for normal operation, letting the next StepGnss call re-attempt
// an ordinary Kalman update.
func (e *Estimator) attemptRecovery(epoch GnssEpoch) {
	if !e.gatesPass(epoch) {
		return
	}
	e.p = initialCovariance(e.cfg, e.layout)
	e.phase = PhaseNavigateOnly
	e.log.Warn("covariance reset to initial uncertainty after divergence")
}

func (e *Estimator) trackRecentMotion(vel, wb Vec3) {
	const window = 50
	e.recentVel = append(e.recentVel, vel)
	e.recentGyro = append(e.recentGyro, wb)
	if len(e.recentVel) > window {
		e.recentVel = e.recentVel[len(e.recentVel)-window:]
		e.recentGyro = e.recentGyro[len(e.recentGyro)-window:]
	}
}

func (e *Estimator) solutionOut(navOrKF bool, flags SolutionFlag) *Solution {
	lat, lon, h := Ecef2Geodetic(e.nav.Pos)
	nedRot := Ecef2NedRot(lat, lon)
	rpy := DCMToRPY(MulMat3(nedRot, e.nav.Cbe))

	return &Solution{
		Time:         e.lastTime,
		GeodeticLat:  lat,
		GeodeticLon:  lon,
		GeodeticHt:   h,
		VelNED:       MulMat3Vec3(nedRot, e.nav.Vel),
		RollPitchYaw: rpy,
		PosECEF:      e.nav.Pos,
		VelECEF:      e.nav.Vel,
		Cbe:          e.nav.Cbe,
		ClockOffset:  e.nav.ClockOffset,
		ClockDrift:   e.nav.ClockDrift,
		AccelBias:    e.nav.AccelBias,
		GyroBias:     e.nav.GyroBias,
		Covariance:   e.p,
		NavOrKF:      navOrKF,
		Flags:        flags,
	}
}

func medianAbs(v *mat.VecDense) float64 {
	n, _ := v.Dims()
	if n == 0 {
		return 0
	}
	vals := make([]float64, n)
	for i := 0; i < n; i++ {
		x := v.AtVec(i)
		if x < 0 {
			x = -x
		}
		vals[i] = x
	}
	for i := 1; i < len(vals); i++ {
		for j := i; j > 0 && vals[j-1] > vals[j]; j-- {
			vals[j-1], vals[j] = vals[j], vals[j-1]
		}
	}
	return vals[len(vals)/2]
}

func seenKeys(epoch GnssEpoch) map[AmbKey]bool {
	out := make(map[AmbKey]bool, len(epoch.Sats))
	for _, s := range epoch.Sats {
		out[AmbKey{SatID: s.SatID, Freq: 0}] = true
	}
	return out
}

