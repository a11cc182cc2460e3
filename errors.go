package gnssins

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger is the sink the estimator logs through. It never owns a file
// handle or formats output itself (spec.md §9: "replace [the global trace
// file] with an injected sink interface; the core must not own I/O").
// logrus.FieldLogger is satisfied by *logrus.Logger and *logrus.Entry, so
// callers can hand in a preconfigured logger with their own fields/level/
// output already set up.
type Logger = logrus.FieldLogger

// ErrorKind enumerates the error/reporting categories of spec.md §7.
type ErrorKind int

const (
	KindInvalidInput ErrorKind = iota
	KindSingularInnovation
	KindGateFailed
	KindDiverged
	KindSatelliteReject
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindSingularInnovation:
		return "SingularInnovation"
	case KindGateFailed:
		return "GateFailed"
	case KindDiverged:
		return "Diverged"
	case KindSatelliteReject:
		return "SatelliteReject"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// EstimatorError is the core's single error type. Estimator.StepImu/
// StepGnss return no error value and no code path produces KindFatal;
// the other kinds are recorded on the returned Solution (Flags, and
// LastErr for a failed innovation solve) and handled locally per spec.md
// §7's policy table.
type EstimatorError struct {
	Kind ErrorKind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *EstimatorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *EstimatorError) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, msg string, cause error) *EstimatorError {
	return &EstimatorError{Kind: kind, Msg: msg, Err: cause}
}

// Sentinel values for errors.Is against the Kind families.
var (
	ErrInvalidInput        = &EstimatorError{Kind: KindInvalidInput}
	ErrSingularInnovation  = &EstimatorError{Kind: KindSingularInnovation}
	ErrGateFailed          = &EstimatorError{Kind: KindGateFailed}
	ErrDiverged            = &EstimatorError{Kind: KindDiverged}
	ErrSatelliteReject     = &EstimatorError{Kind: KindSatelliteReject}
	ErrFatal               = &EstimatorError{Kind: KindFatal}
)

// Is makes EstimatorError comparable by Kind via errors.Is, so callers can
// write errors.Is(err, gnssins.ErrDiverged) without caring about the
// message or wrapped cause.
func (e *EstimatorError) Is(target error) bool {
	t, ok := target.(*EstimatorError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
