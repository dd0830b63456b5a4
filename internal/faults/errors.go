package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIdentityConflict marks a path whose stored identity disagrees with
	// the bytes currently on disk.
	ErrIdentityConflict = errors.New("identity conflict")
	// ErrNearDuplicate marks an incoming image that sits within the
	// perceptual distance threshold of an already catalogued one.
	ErrNearDuplicate = errors.New("near duplicate")
	// ErrDetectorUnavailable marks a face detection sidecar that could not be
	// reached or refused the request.
	ErrDetectorUnavailable = errors.New("detector unavailable")
	// ErrPredictorUnavailable marks an identity prediction sidecar that could
	// not be reached or refused the request.
	ErrPredictorUnavailable = errors.New("predictor unavailable")
	// ErrCorruptItem marks a file that could not be decoded as an image.
	ErrCorruptItem = errors.New("corrupt item")
	// ErrStorage marks a catalog database failure. Storage faults are the only
	// fatal class: a job aborts instead of skipping the item.
	ErrStorage = errors.New("storage failure")
	// ErrResumeMismatch marks a checkpoint that no longer lines up with the
	// current enumeration of the library.
	ErrResumeMismatch = errors.New("resume mismatch")
	// ErrValidation marks rejected input such as an unknown job type or an
	// out-of-range parameter.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a lookup that matched nothing.
	ErrNotFound = errors.New("not found")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrStorage
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Fatal reports whether err should abort the running job outright rather than
// being recorded against the current item and skipped.
func Fatal(err error) bool {
	return errors.Is(err, ErrStorage)
}

// CodeOf maps err onto the short reason code persisted with job errors and
// audit entries. Unclassified errors report "unknown".
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrIdentityConflict):
		return "identity_conflict"
	case errors.Is(err, ErrNearDuplicate):
		return "near_duplicate"
	case errors.Is(err, ErrDetectorUnavailable):
		return "detector_unavailable"
	case errors.Is(err, ErrPredictorUnavailable):
		return "predictor_unavailable"
	case errors.Is(err, ErrCorruptItem):
		return "corrupt_item"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrResumeMismatch):
		return "resume_mismatch"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unknown"
	}
}

// Detail is the classified form of a failure, suitable for persisting with a
// job error row or rendering in the CLI.
type Detail struct {
	Code    string
	Message string
}

// Details classifies err and strips the sentinel prefix from its message so
// the stored text starts at the component context.
func Details(err error) Detail {
	if err == nil {
		return Detail{Code: "unknown"}
	}
	detail := Detail{Code: CodeOf(err), Message: err.Error()}
	for _, marker := range []error{
		ErrIdentityConflict, ErrNearDuplicate, ErrDetectorUnavailable,
		ErrPredictorUnavailable, ErrCorruptItem, ErrStorage,
		ErrResumeMismatch, ErrValidation, ErrNotFound,
	} {
		prefix := marker.Error() + ": "
		if strings.HasPrefix(detail.Message, prefix) {
			detail.Message = strings.TrimPrefix(detail.Message, prefix)
			break
		}
	}
	return detail
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "component failure"
	}
	return strings.Join(parts, ": ")
}
