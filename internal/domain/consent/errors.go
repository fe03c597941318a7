package consent

import "errors"

var (
	ErrInvalidPurpose    = errors.New("invalid purpose")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidPagination = errors.New("invalid pagination")
	ErrDuplicateConsent  = errors.New("duplicate consent")
	ErrNotFound          = errors.New("consent not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrVersionConflict   = errors.New("version conflict")
	ErrStoreUnavailable  = errors.New("consent store unavailable")

	// ErrConcurrentModification means the transition retry budget was spent
	// losing CAS races. The caller may retry the whole request.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrAnchoringFailed is advisory. Writes never return it.
	ErrAnchoringFailed = errors.New("anchoring failed")
)
