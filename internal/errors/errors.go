package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an APIError. Callers branch on Kind, never on Message.
type Kind string

const (
	KindValidation           Kind = "validation_error"
	KindPrecondition         Kind = "precondition_error"
	KindConflict             Kind = "conflict_error"
	KindTokenRejected        Kind = "token_rejection"
	KindIncompleteSubmission Kind = "incomplete_submission_error"
	KindNotFound             Kind = "not_found"
	KindUnauthorized         Kind = "unauthorized"
	KindForbidden            Kind = "forbidden"
	KindTooManyRequests      Kind = "too_many_requests"
	KindInternal             Kind = "internal_error"
)

// Token rejection reasons. They are distinct on purpose and never collapsed.
const (
	ReasonRevoked  = "revoked"
	ReasonExpired  = "expired"
	ReasonUsed     = "used"
	ReasonNotFound = "not_found"
)

// ReasonLockedGroup marks the precondition failure of mutating a locked group.
const ReasonLockedGroup = "locked_group"

// APIError represents an application error
type APIError struct {
	Status    int      `json:"-"`
	Kind      Kind     `json:"kind"`
	Reason    string   `json:"reason,omitempty"`
	Message   string   `json:"message"`
	EntityIDs []string `json:"entity_ids,omitempty"`
	// Missing holds the labels of required fields left empty by a submission.
	Missing  []string `json:"missing,omitempty"`
	Internal error    `json:"-"`
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString("(" + e.Reason + ")")
	}
	b.WriteString(": " + e.Message)
	if len(e.EntityIDs) > 0 {
		b.WriteString(" [" + strings.Join(e.EntityIDs, ", ") + "]")
	}
	if e.Internal != nil {
		b.WriteString(": " + e.Internal.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	return e.Internal
}

// Is matches another APIError by kind and reason, so errors.Is works against
// sentinel values such as ErrTokenUsed.
func (e *APIError) Is(target error) bool {
	var t *APIError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// WithIDs returns a copy carrying the offending entity ids.
func (e *APIError) WithIDs(ids ...string) *APIError {
	c := *e
	c.EntityIDs = append(append([]string{}, e.EntityIDs...), ids...)
	return &c
}

func New(status int, kind Kind, message string, err error) *APIError {
	return &APIError{Status: status, Kind: kind, Message: message, Internal: err}
}

func Validation(message string, ids ...string) *APIError {
	return &APIError{Status: http.StatusUnprocessableEntity, Kind: KindValidation, Message: message, EntityIDs: ids}
}

// NewValidationError wraps a binding/validator failure.
func NewValidationError(err error) *APIError {
	return &APIError{Status: http.StatusUnprocessableEntity, Kind: KindValidation, Message: "Invalid input", Internal: err}
}

func Precondition(message string, ids ...string) *APIError {
	return &APIError{Status: http.StatusConflict, Kind: KindPrecondition, Message: message, EntityIDs: ids}
}

func LockedGroup(groupID string) *APIError {
	return &APIError{
		Status:    http.StatusConflict,
		Kind:      KindPrecondition,
		Reason:    ReasonLockedGroup,
		Message:   "Group is locked",
		EntityIDs: []string{groupID},
	}
}

func Conflict(message string, ids ...string) *APIError {
	return &APIError{Status: http.StatusConflict, Kind: KindConflict, Message: message, EntityIDs: ids}
}

func TokenRejected(reason string, ids ...string) *APIError {
	status := http.StatusGone
	if reason == ReasonNotFound {
		status = http.StatusNotFound
	}
	return &APIError{
		Status:    status,
		Kind:      KindTokenRejected,
		Reason:    reason,
		Message:   fmt.Sprintf("Token rejected: %s", reason),
		EntityIDs: ids,
	}
}

func IncompleteSubmission(labels []string, ids []string) *APIError {
	return &APIError{
		Status:    http.StatusUnprocessableEntity,
		Kind:      KindIncompleteSubmission,
		Message:   "Required fields are missing: " + strings.Join(labels, ", "),
		EntityIDs: ids,
		Missing:   labels,
	}
}

func NotFound(message string, err error) *APIError {
	return &APIError{Status: http.StatusNotFound, Kind: KindNotFound, Message: message, Internal: err}
}

func Unauthorized(message string, err error) *APIError {
	return &APIError{Status: http.StatusUnauthorized, Kind: KindUnauthorized, Message: message, Internal: err}
}

func Forbidden(message string, err error) *APIError {
	return &APIError{Status: http.StatusForbidden, Kind: KindForbidden, Message: message, Internal: err}
}

func TooManyRequests(message string) *APIError {
	return &APIError{Status: http.StatusTooManyRequests, Kind: KindTooManyRequests, Message: message}
}

func Internal(err error) *APIError {
	return &APIError{Status: http.StatusInternalServerError, Kind: KindInternal, Message: "Internal server error", Internal: err}
}

// Sentinels for errors.Is checks.
var (
	ErrValidation           = &APIError{Kind: KindValidation}
	ErrPrecondition         = &APIError{Kind: KindPrecondition}
	ErrLockedGroup          = &APIError{Kind: KindPrecondition, Reason: ReasonLockedGroup}
	ErrConflict             = &APIError{Kind: KindConflict}
	ErrTokenRejected        = &APIError{Kind: KindTokenRejected}
	ErrTokenRevoked         = &APIError{Kind: KindTokenRejected, Reason: ReasonRevoked}
	ErrTokenExpired         = &APIError{Kind: KindTokenRejected, Reason: ReasonExpired}
	ErrTokenUsed            = &APIError{Kind: KindTokenRejected, Reason: ReasonUsed}
	ErrTokenNotFound        = &APIError{Kind: KindTokenRejected, Reason: ReasonNotFound}
	ErrIncompleteSubmission = &APIError{Kind: KindIncompleteSubmission}
	ErrNotFound             = &APIError{Kind: KindNotFound}
)

// KindOf returns the kind of err, or KindInternal when err is not an APIError.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}
