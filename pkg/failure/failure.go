// Package failure defines the classified errors shared by every layer of the
// provisioner. Every failure during attribute resolution, plan selection or
// plan execution is fatal; the only recoverable case is a step's own declared
// retry policy, which the executor handles before surfacing an Apply error.
package failure

import (
	"errors"
	"fmt"
)

// Kind represents the classification of a provisioning failure.
type Kind string

const (
	// KindMissingAttribute indicates a required attribute path is absent from the tree.
	KindMissingAttribute Kind = "MissingAttribute"

	// KindUnknownFlavor indicates install_flavor is not one of nss, tomcat or ha.
	KindUnknownFlavor Kind = "UnknownFlavor"

	// KindValidation indicates an attribute tree or plan failed validation.
	KindValidation Kind = "ValidationError"

	// KindTemplate indicates a template could not be rendered.
	KindTemplate Kind = "TemplateError"

	// KindDrift indicates an existing resource conflicts with the desired state
	// in a way the engine refuses to overwrite.
	KindDrift Kind = "DriftError"

	// KindDownload indicates a remote artifact could not be fetched.
	KindDownload Kind = "DownloadError"

	// KindApply indicates a corrective action failed after its retries were exhausted.
	KindApply Kind = "ApplyError"
)

// Error represents a classified failure with context.
type Error struct {
	// Kind is the failure classification.
	Kind Kind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Step is the identity of the resource step that failed, if applicable.
	Step string `json:"step,omitempty"`

	// Phase is the step phase (probe, diff, apply) that failed, if applicable.
	Phase string `json:"phase,omitempty"`

	// Err is the underlying error that caused this failure.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	switch {
	case e.Step != "" && e.Phase != "":
		prefix = fmt.Sprintf("%s (step=%s, phase=%s)", prefix, e.Step, e.Phase)
	case e.Step != "":
		prefix = fmt.Sprintf("%s (step=%s)", prefix, e.Step)
	}
	if e.Err != nil {
		return prefix + ": " + e.Err.Error()
	}
	return prefix
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a failure of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a failure of the given kind.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Newf creates a failure of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// MissingAttribute creates a failure for an absent attribute path.
func MissingAttribute(path string) *Error {
	return Newf(KindMissingAttribute, "attribute %q is not set", path).WithDetail("path", path)
}

// UnknownFlavor creates a failure for an unrecognized install flavor.
func UnknownFlavor(flavor string) *Error {
	return Newf(KindUnknownFlavor, "install flavor %q is not one of nss, tomcat, ha", flavor).
		WithDetail("flavor", flavor)
}

// Validation creates a validation failure.
func Validation(message string, err error) *Error {
	return New(KindValidation, message, err)
}

// Template creates a template rendering failure.
func Template(message string, err error) *Error {
	return New(KindTemplate, message, err)
}

// Drift creates a drift failure.
func Drift(message string, err error) *Error {
	return New(KindDrift, message, err)
}

// Download creates a download failure.
func Download(message string, err error) *Error {
	return New(KindDownload, message, err)
}

// Apply creates an apply failure.
func Apply(message string, err error) *Error {
	return New(KindApply, message, err)
}

// WithStep adds step context to a failure.
func (e *Error) WithStep(stepID string) *Error {
	e.Step = stepID
	return e
}

// WithPhase adds phase context to a failure.
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// WithDetail adds a detail field to the failure context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// As returns the first classified failure in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the first classified failure in err's chain.
// Unclassified errors report KindApply since every unclassified failure
// surfaces from a corrective action.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindApply
}

// Is reports whether err carries a classified failure of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
