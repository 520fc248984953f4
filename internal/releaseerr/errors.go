// Package releaseerr defines the error kinds raised by the release pipeline.
// Kinds are string codes so they print well in logs and status tables.
package releaseerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of release failure.
type Kind string

const (
	// KindConfiguration covers missing credentials, unknown profiles and unparseable target rows.
	KindConfiguration Kind = "CONFIGURATION_ERROR"

	// KindTaxonomyResolution is raised when a scientific name cannot be resolved.
	KindTaxonomyResolution Kind = "TAXONOMY_RESOLUTION_ERROR"

	// KindSnapshot covers export or import failures while populating a staging database.
	KindSnapshot Kind = "SNAPSHOT_ERROR"

	// KindReleaseJob is raised when the external release job fails or emits no expected file.
	KindReleaseJob Kind = "RELEASE_JOB_ERROR"

	// KindPostProcessing covers missing category inputs and merge/sort/index tool failures.
	KindPostProcessing Kind = "POST_PROCESSING_ERROR"

	// KindValidation is raised when a validator reports errors outside the ignorelist.
	KindValidation Kind = "VALIDATION_ERROR"

	// KindUnattributedMissingRS is raised when RS ids remain unexplained after all reductions.
	KindUnattributedMissingRS Kind = "UNATTRIBUTED_MISSING_RS"

	// KindResource covers port-forward failures and unreachable staging instances.
	KindResource Kind = "RESOURCE_ERROR"

	// KindIllegalStateTransition is raised for unknown or disallowed release status changes.
	KindIllegalStateTransition Kind = "ILLEGAL_STATE_TRANSITION"
)

// Sentinels usable with errors.Is.
var (
	ErrConfiguration          = &Error{Kind: KindConfiguration}
	ErrTaxonomyResolution     = &Error{Kind: KindTaxonomyResolution}
	ErrSnapshot               = &Error{Kind: KindSnapshot}
	ErrReleaseJob             = &Error{Kind: KindReleaseJob}
	ErrPostProcessing         = &Error{Kind: KindPostProcessing}
	ErrValidation             = &Error{Kind: KindValidation}
	ErrUnattributedMissingRS  = &Error{Kind: KindUnattributedMissingRS}
	ErrResource               = &Error{Kind: KindResource}
	ErrIllegalStateTransition = &Error{Kind: KindIllegalStateTransition}
)

// Error is a release failure tagged with its kind and the operation that raised it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err as a failure of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an error of the given kind from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
