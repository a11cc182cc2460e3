package gnssins

// This file names, as Go interfaces only, the external collaborators
// spec.md §1/§6 place outside this core's scope: ephemeris/orbit
// propagation, atmospheric correction models, and raw protocol decoding.
// The core never implements or calls these directly — callers evaluate
// them and hand the results in through SatMeasurement's precomputed
// fields (IonoDelay, TropoDelay, SatPosECEF, SatClockBias, ...). They are
// declared here purely so embedding applications have a documented,
// stable shape to implement against.

// EphemerisProvider resolves a satellite's position, velocity, and clock
// error at a given transmission time. Out of scope per spec.md §1
// ("broadcast/precise ephemeris parsing and satellite position/clock
// computation... are external collaborators, not part of this core").
type EphemerisProvider interface {
	SatelliteState(satID int, transmitTime float64) (pos, vel Vec3, clockBias, clockDrift float64, healthy bool, err error)
}

// TropoModel evaluates the slant tropospheric delay and its variance for
// a given receiver position and satellite elevation. Out of scope per
// spec.md §1.
type TropoModel interface {
	SlantDelay(receiverPos Vec3, elevation float64) (delay, variance float64, ok bool)
}

// IonoModel evaluates the slant ionospheric delay and its variance. Out
// of scope per spec.md §1.
type IonoModel interface {
	SlantDelay(receiverPos Vec3, satPos Vec3, signalTime float64) (delay, variance float64, ok bool)
}

// RawObservationDecoder turns a receiver protocol stream (RTCM, u-blox
// UBX, Novatel OEM7, ...) into GnssEpoch batches. Out of scope per
// spec.md §1 ("raw receiver protocol decoding... is not part of this
// core"); named here only as the shape an embedding application's
// decoder is expected to produce.
type RawObservationDecoder interface {
	NextEpoch() (GnssEpoch, error)
}
