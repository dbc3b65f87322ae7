package errors

import "net/http"

// Batch and row codes.
const (
	CodeBatchNotFound     = "BATCH_NOT_FOUND"
	CodeRowNotFound       = "ROW_NOT_FOUND"
	CodeInvalidBatchState = "INVALID_BATCH_STATE"
	CodeNothingToRetry    = "NOTHING_TO_RETRY"
	CodeInvalidRowState   = "INVALID_ROW_STATE"
)

// Stitch codes.
const (
	CodeInsufficientInputs = "INSUFFICIENT_INPUTS"
	CodeAlreadyStitched    = "ALREADY_STITCHED"
	CodeStitchInProgress   = "STITCH_IN_PROGRESS"
)

// Ledger codes.
const (
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeReservationNotFound = "RESERVATION_NOT_FOUND"
	CodeInvalidAmount       = "INVALID_AMOUNT"
)

// Auth codes.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
)

// Validation and generic codes.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeInternal         = "INTERNAL_ERROR"
	CodeUnknownProvider  = "UNKNOWN_PROVIDER"
	CodeInvalidSignature = "INVALID_SIGNATURE"
)

// ErrBatchNotFound creates a batch not found error.
func ErrBatchNotFound(batchID string) *AppError {
	return NotFound(CodeBatchNotFound, "batch not found").WithParam("batch_id", batchID)
}

// ErrRowNotFound creates a row not found error.
func ErrRowNotFound(rowID string) *AppError {
	return NotFound(CodeRowNotFound, "row not found").WithParam("row_id", rowID)
}

// ErrInvalidBatchState rejects an operation that the batch's current status does not allow.
func ErrInvalidBatchState(op, status string) *AppError {
	return Conflict(CodeInvalidBatchState, op+" is not allowed while batch is "+status).
		WithParams(map[string]interface{}{"operation": op, "status": status})
}

// ErrInvalidRowState rejects an operation that the row's current status does not allow.
func ErrInvalidRowState(op, rowID, status string) *AppError {
	return Conflict(CodeInvalidRowState, op+" is not allowed while row is "+status).
		WithParams(map[string]interface{}{"operation": op, "row_id": rowID, "status": status})
}

// ErrInsufficientInputs rejects a stitch request with fewer than the minimum inputs.
func ErrInsufficientInputs(have, want int) *AppError {
	return &AppError{
		Code:       CodeInsufficientInputs,
		Message:    "stitching needs more completed inputs",
		HTTPStatus: http.StatusUnprocessableEntity,
		Params:     map[string]interface{}{"completed_inputs": have, "required_inputs": want},
	}
}

// ErrValidation creates a 400 carrying field errors.
func ErrValidation(fields []FieldError) *AppError {
	return BadRequest(CodeValidationFailed, "request validation failed").WithFieldErrors(fields)
}
