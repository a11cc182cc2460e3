// Package gnssins implements the core of a tightly-coupled INS/GNSS
// navigation filter: a strapdown ECEF mechanisation driven by high-rate
// inertial samples, an error-state Extended Kalman Filter, and a GNSS
// pseudorange/Doppler measurement update, wired together by a per-epoch
// supervisor state machine.
//
// The package is strictly causal and single-threaded per Estimator
// instance: callers drive StepImu/StepGnss from one goroutine and may run
// independent Estimator values concurrently on separate goroutines with no
// shared mutable state between them.
package gnssins

import (
	"gonum.org/v1/gonum/mat"
)

// Vec3 is a body/ECEF/NED 3-vector. Kept as a fixed array rather than a
// gonum type: the strapdown path runs at IMU rate and must not allocate.
type Vec3 = [3]float64

// Mat3 is a row-major 3x3 direction cosine matrix, Mat3[row][col].
type Mat3 = [3][3]float64

// Identity3 returns the 3x3 identity DCM.
func Identity3() Mat3 {
	return Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// IMUGrade selects the default noise and bias random-walk PSDs for the
// inertial sensor, per spec.md §6 construction inputs. DefaultConfig sets
// the same initial uncertainties for every grade.
type IMUGrade int

const (
	IMUGradeConsumer IMUGrade = iota
	IMUGradeTactical
)

// BiasModel selects the stochastic model used for the Φ/Q blocks of an
// inertial sensor bias, grounded on original_source's stochasticPhi/
// stochasticF (baproopt/bgproopt).
type BiasModel int

const (
	// BiasRandomWalk keeps the Φ block identity (integrated white noise).
	BiasRandomWalk BiasModel = iota
	// BiasGaussMarkov uses a first-order Gauss-Markov Φ block, exp(-dt/tau).
	BiasGaussMarkov
)

// ImuSample is one strapdown-rate inertial measurement, spec.md §6.
type ImuSample struct {
	Time         float64 // seconds, monotonic, shared time base with GNSS
	SpecificForce Vec3   // f_b, m/s^2, body frame
	AngularRate  Vec3    // omega_b, rad/s, body frame
}

// SatMeasurement is one per-satellite GNSS observation record, spec.md §3
// and §6. Corrections (iono/tropo/satellite clock) are supplied
// pre-evaluated by the caller's ephemeris/atmosphere collaborators; this
// core does not compute them (§1 scope).
type SatMeasurement struct {
	SatID int

	PseudorangeRaw   float64 // P_obs, m
	DopplerRawHz     float64 // raw carrier Doppler, Hz
	CarrierWavelen   float64 // m

	SatPosECEF Vec3 // r_s at transmission instant, m
	SatVelECEF Vec3 // v_s at transmission instant, m/s

	SatClockBias  float64 // dt_sat, s
	SatClockDrift float64 // ddt_sat, s/s

	IonoDelay    float64 // precomputed slant delay, m
	IonoVariance float64 // m^2
	TropoDelay   float64 // precomputed slant delay, m
	TropoVariance float64 // m^2
	IonoTropoOK  bool    // false if the caller's correction model failed

	Healthy   bool // SV health flag from ephemeris
	Elevation float64 // rad, precomputed or computed locally from geometry
	Azimuth   float64 // rad

	duplicate bool // set internally when de-duplicating the input batch
}

// GnssEpoch is one GNSS measurement batch, spec.md §6.
type GnssEpoch struct {
	Time             float64
	Sats             []SatMeasurement
	ReportedGDOP     float64
	ReportedNEDCovNE [2]float64 // sigma_N, sigma_E diagonal, m
	ReportedVelECEF  Vec3       // GNSS-reported velocity; no gate reads it
}

// AmbKey identifies a per-satellite-frequency float ambiguity state, used
// only when Config.PhaseOn is set (spec.md §3 extended variant).
type AmbKey struct {
	SatID int
	Freq  int
}

// Config holds the construction-time options of spec.md §6: IMU grade,
// EKF option flags, initial uncertainties, and the GNSS-antenna lever arm.
// There is no file-backed options table here (unlike the teacher's
// options.go/PrcOpt, which is loaded from an INI-style config file) — the
// core owns no I/O, so the embedding application builds this struct
// directly, typically starting from DefaultConfig.
type Config struct {
	IMUGrade IMUGrade

	PreciseTransition bool // use truncated matrix-exponential Phi instead of first-order
	AdaptiveQ         bool // feed closed-loop corrections into an AdaptiveQEstimator; StepImu still propagates with the PSD-based Q
	ScaleProcessNoise bool // scale the inertial PSDs (not the clock PSDs) by a configurable multiplier (tuning escape hatch)
	PhaseOn           bool // allocate tropo + ambiguity error states

	AccelBiasModel BiasModel
	GyroBiasModel  BiasModel
	AccelBiasTau   float64 // s, Gauss-Markov time constant
	GyroBiasTau    float64 // s

	InitAttitudeStd Vec3    // rad
	InitVelStd      Vec3    // m/s
	InitPosStd      Vec3    // m
	InitAccelBiasStd Vec3   // m/s^2
	InitGyroBiasStd  Vec3   // rad/s
	InitClockOffsetStd float64 // m
	InitClockDriftStd  float64 // m/s

	LeverArmBody Vec3 // m, IMU to GNSS antenna, body frame

	GyroNoisePSD     float64 // rad^2/s
	AccelNoisePSD    float64 // (m/s^2)^2 * s
	AccelBiasPSD     float64 // (m/s^2)^2 / s
	GyroBiasPSD      float64 // (rad/s)^2 / s
	ClockPhasePSD    float64 // m^2/s
	ClockFreqPSD     float64 // (m/s)^2/s
	ProcessNoiseScale float64 // multiplier applied when ScaleProcessNoise is set

	PseudorangeSigma0 float64 // m, at zenith
	DopplerSigma0     float64 // m/s, at zenith

	MaxDt float64 // s, strapdown Δt sanity bound (MAXDT)

	GateMaxTimeSyncErr float64 // s
	GateMinSatCount    int
	GateMaxGDOP        float64
	GateMaxNEDCovNorm  float64 // m

	DivergencePosVarThreshold float64 // m^2, mean diag(P_pos)

	AttitudeRecheckEvery    int     // N_pos GNSS epochs
	AttitudeRecheckMaxHeadingStd float64 // rad
	AttitudeRecheckMinVel   float64 // m/s, MINVEL
	AttitudeRecheckMaxGyro  float64 // rad/s, MAXGYRO
	AttitudeRecheckMaxAngle float64 // rad, MAXANG

	ElevationMaskRad float64

	AmbiguityOutageLimit int // epochs before a stale ambiguity is destroyed

	ClockJumpThreshold float64 // m, median residual that flags a clock jump

	MaxSatellites int // MAXOBS

	Logger Logger // see errors.go; nil defaults to logrus.StandardLogger()
}

// NavState is the nominal navigation/bias/clock state maintained by
// closed-loop correction across epochs, spec.md §3.
type NavState struct {
	Cbe Mat3 // body-to-ECEF DCM
	Vel Vec3 // v_e, m/s ECEF
	Pos Vec3 // r_e, m ECEF

	AccelBias Vec3 // b_a, m/s^2
	GyroBias  Vec3 // b_g, rad/s

	ClockOffset float64 // m
	ClockDrift  float64 // m/s

	TropoZenithWet float64            // m, only meaningful when PhaseOn
	Ambiguities    map[AmbKey]float64 // m, only meaningful when PhaseOn
}

// SolutionFlag is a bitmask of the per-epoch conditions spec.md §7 says
// are reported to the caller rather than thrown.
type SolutionFlag uint32

const (
	FlagNone SolutionFlag = 0
	FlagInvalidInput SolutionFlag = 1 << iota
	FlagSingularInnovation
	FlagGateFailed
	FlagDiverged
	FlagSatelliteReject
	FlagClockJump
	FlagAttitudeRechecked
)

func (f SolutionFlag) Has(bit SolutionFlag) bool { return f&bit != 0 }

// Solution is the per-epoch output record, spec.md §6.
type Solution struct {
	Time float64

	GeodeticLat float64 // rad
	GeodeticLon float64 // rad
	GeodeticHt  float64 // m

	VelNED Vec3

	RollPitchYaw Vec3 // rad

	PosECEF Vec3
	VelECEF Vec3
	Cbe     Mat3

	ClockOffset float64
	ClockDrift  float64

	AccelBias Vec3
	GyroBias  Vec3

	Covariance *mat.SymDense // nx x nx, symmetric

	NavOrKF bool // true: Kalman update ran this epoch; false: propagate-only

	Flags    SolutionFlag
	LastErr  *EstimatorError
}
