package domain

import "fmt"

// Error codes surfaced to the API layer.
const (
	CodeIncorrectDetails = "INCORRECT_DETAILS"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalid          = "INVALID"
)

// ReportError is a rejected report, carrying the field/message/code triple
// the caller needs for a user-facing message.
type ReportError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *ReportError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// NewInvalidResultError rejects a report whose result is not a terminal status.
func NewInvalidResultError(result string) *ReportError {
	return &ReportError{
		Field:   "result",
		Message: fmt.Sprintf("result must be SUCCESS or FAILURE, got %q", result),
		Code:    CodeInvalid,
	}
}

// NewConflictError rejects a re-report of a resolved psp_reference that
// carries details differing from the stored event.
func NewConflictError(pspReference string) *ReportError {
	return &ReportError{
		Field:   "pspReference",
		Message: fmt.Sprintf("event with psp reference %q was already reported with a different outcome", pspReference),
		Code:    CodeIncorrectDetails,
	}
}

// NewNotFoundError rejects a report that cannot be matched to a transaction.
func NewNotFoundError(field, message string) *ReportError {
	return &ReportError{Field: field, Message: message, Code: CodeNotFound}
}

// NewValidationError rejects malformed input before it touches state.
func NewValidationError(field, message string) *ReportError {
	return &ReportError{Field: field, Message: message, Code: CodeInvalid}
}
