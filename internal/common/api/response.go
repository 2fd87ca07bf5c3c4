package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// Response is the standard API response envelope
type Response[T any] struct {
	Data   T       `json:"data,omitempty"`
	Errors []Error `json:"errors,omitempty"`
}

// Error represents an API error as a field/message/code triple
type Error struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// PaginatedResponse is the standard paginated response envelope
type PaginatedResponse[T any] struct {
	Data       []T         `json:"data"`
	Pagination *Pagination `json:"pagination"`
}

// Pagination holds pagination info
type Pagination struct {
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	Total   int64 `json:"total"`
	HasMore bool  `json:"has_more"`
}

// Common error codes
const (
	ErrCodeIncorrectDetails = "INCORRECT_DETAILS"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInvalid          = "INVALID"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteData writes a successful data response
func WriteData[T any](w http.ResponseWriter, status int, data T) {
	WriteJSON(w, status, Response[T]{Data: data})
}

// WriteError writes a single-error response
func WriteError(w http.ResponseWriter, status int, e Error) {
	WriteJSON(w, status, Response[any]{Errors: []Error{e}})
}

// WriteErrors writes a multi-error response
func WriteErrors(w http.ResponseWriter, status int, errs []Error) {
	WriteJSON(w, status, Response[any]{Errors: errs})
}

// WritePaginated writes a paginated response
func WritePaginated[T any](w http.ResponseWriter, data []T, pagination *Pagination) {
	WriteJSON(w, http.StatusOK, PaginatedResponse[T]{
		Data:       data,
		Pagination: pagination,
	})
}

// BadRequest writes a 400 response
func BadRequest(w http.ResponseWriter, field, message string) {
	WriteError(w, http.StatusBadRequest, Error{Field: field, Message: message, Code: ErrCodeInvalid})
}

// NotFound writes a 404 response
func NotFound(w http.ResponseWriter, field, message string) {
	WriteError(w, http.StatusNotFound, Error{Field: field, Message: message, Code: ErrCodeNotFound})
}

// InternalError writes a 500 response
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, Error{Message: message, Code: ErrCodeInternalError})
}

// ValidationError writes a 400 response with per-field details
func ValidationError(w http.ResponseWriter, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		errs := make([]Error, 0, len(validationErrors))
		for _, e := range validationErrors {
			errs = append(errs, Error{
				Field:   e.Field(),
				Message: formatValidationError(e),
				Code:    ErrCodeInvalid,
			})
		}
		WriteErrors(w, http.StatusBadRequest, errs)
		return
	}
	WriteError(w, http.StatusBadRequest, Error{Message: err.Error(), Code: ErrCodeInvalid})
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return "Must be at least " + e.Param()
	case "max":
		return "Must be at most " + e.Param()
	case "len":
		return "Must be exactly " + e.Param() + " characters"
	case "oneof":
		return "Must be one of: " + e.Param()
	case "gt":
		return "Must be greater than " + e.Param()
	case "gte":
		return "Must be greater than or equal to " + e.Param()
	default:
		return "Invalid value"
	}
}

// Validate is a shared validator instance
var Validate = validator.New()

// DecodeAndValidate decodes JSON and validates the result
func DecodeAndValidate(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return Validate.Struct(v)
}

// PaginationParams extracts pagination parameters from query string
type PaginationParams struct {
	Limit  int
	Offset int
}

// GetPaginationParams extracts pagination from request
func GetPaginationParams(r *http.Request, defaultLimit, maxLimit int) PaginationParams {
	params := PaginationParams{Limit: defaultLimit}

	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= maxLimit {
			params.Limit = n
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			params.Offset = n
		}
	}

	return params
}
