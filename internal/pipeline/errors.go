package pipeline

import (
	"errors"
	"fmt"

	"github.com/manash/lingolens/pkg/models"
)

var (
	ErrStale              = errors.New("result belongs to a replaced image")
	ErrNotReady           = errors.New("precondition not met")
	ErrQuestionIndex      = errors.New("question index out of range")
	ErrAlreadyEvaluated   = errors.New("question already evaluated")
	ErrEvaluationInFlight = errors.New("question is being evaluated")
)

// Op names a pipeline operation in failures and events.
type Op string

const (
	OpCheck     Op = "check-pair"
	OpConfigure Op = "configure"
	OpIngest    Op = "ingest"
	OpDescribe  Op = "describe"
	OpQuestions Op = "generate-questions"
	OpTranslate Op = "translate"
	OpEvaluate  Op = "evaluate"
)

// Failure is returned by every pipeline operation that fails. Kind is one of
// the sentinel errors of this package or of pkg/models; Err is the cause.
type Failure struct {
	Op     Op
	Kind   error
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Op, f.Err)
	}
	if f.Reason != "" {
		return fmt.Sprintf("%s: %v: %s", f.Op, f.Kind, f.Reason)
	}
	return fmt.Sprintf("%s: %v", f.Op, f.Kind)
}

func (f *Failure) Unwrap() []error {
	errs := make([]error, 0, 2)
	if f.Kind != nil {
		errs = append(errs, f.Kind)
	}
	if f.Err != nil {
		errs = append(errs, f.Err)
	}
	return errs
}

func fail(op Op, kind error, reason string) *Failure {
	return &Failure{Op: op, Kind: kind, Reason: reason}
}

var knownKinds = []error{
	models.ErrInvalidPayload,
	models.ErrUnsupportedLanguage,
	models.ErrInvalidProficiency,
	models.ErrCapabilityUnavailable,
	models.ErrEmptyResult,
	models.ErrCapabilityError,
}

// wrap turns a capability error into a Failure, keeping the most specific kind.
func wrap(op Op, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	kind := models.ErrCapabilityError
	for _, k := range knownKinds {
		if errors.Is(err, k) {
			kind = k
			break
		}
	}
	return &Failure{Op: op, Kind: kind, Err: err}
}
