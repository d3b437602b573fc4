package pipeline

import (
	"errors"
	"fmt"

	"github.com/faceset/faceset/internal/acquire"
	"github.com/faceset/faceset/internal/identity"
	"github.com/faceset/faceset/internal/verify"
)

// Kind classifies every failure mode the pipeline can surface. No error
// crosses the orchestrator boundary without being mapped to one of these.
type Kind string

const (
	// KindNetwork is a transient transport failure that survived retries.
	KindNetwork Kind = "network"
	// KindValidationReject is a per-candidate rejection; never fatal on its
	// own, but a run where every candidate was rejected ends with it.
	KindValidationReject Kind = "validation_reject"
	// KindReferenceUnavailable means no reference embedding could be
	// derived, so verification cannot run.
	KindReferenceUnavailable Kind = "reference_unavailable"
	// KindIdentityNotFound means the subject lookup returned nothing.
	KindIdentityNotFound Kind = "identity_not_found"
	// KindPersistence is an I/O failure while writing run outputs.
	KindPersistence Kind = "persistence"
)

// Error wraps a stage failure with its classification and the stage name.
type Error struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s stage: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// fatal builds a classified stage error.
func fatal(stage Stage, kind Kind, err error) *Error {
	return &Error{Stage: stage, Kind: kind, Err: err}
}

// classify maps an arbitrary stage error onto the taxonomy.
func classify(err error) Kind {
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return KindIdentityNotFound
	case errors.Is(err, verify.ErrReferenceUnavailable):
		return KindReferenceUnavailable
	case acquire.IsTransient(err):
		return KindNetwork
	default:
		return KindPersistence
	}
}
