package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeBatchNotFound, "batch not found", http.StatusNotFound),
			want: "BATCH_NOT_FOUND: batch not found",
		},
		{
			name: "with wrapped error",
			err:  Wrap(fmt.Errorf("db error"), "DB_ERROR", "database failure", http.StatusInternalServerError),
			want: "DB_ERROR: database failure: db error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap(inner, "CODE", "msg", 500)
	assert.True(t, errors.Is(appErr, inner))
}

func TestIsAppErrorAndHasCode(t *testing.T) {
	wrapped := fmt.Errorf("wrapped: %w", ErrRowNotFound("row-1"))

	got, ok := IsAppError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeRowNotFound, got.Code)
	assert.Equal(t, "row-1", got.Params["row_id"])
	assert.True(t, HasCode(wrapped, CodeRowNotFound))
	assert.False(t, HasCode(errors.New("plain"), CodeRowNotFound))
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantStatus int
	}{
		{"NotFound", NotFound("NF", "not found"), http.StatusNotFound},
		{"BadRequest", BadRequest("BR", "bad request"), http.StatusBadRequest},
		{"Unauthorized", Unauthorized("UA", "unauthorized"), http.StatusUnauthorized},
		{"Forbidden", Forbidden("FB", "forbidden"), http.StatusForbidden},
		{"Conflict", Conflict("CF", "conflict"), http.StatusConflict},
		{"Unprocessable", Unprocessable("UP", "unprocessable"), http.StatusUnprocessableEntity},
		{"Internal", Internal("IE", "internal"), http.StatusInternalServerError},
		{"InsufficientInputs", ErrInsufficientInputs(1, 2), http.StatusUnprocessableEntity},
		{"InvalidBatchState", ErrInvalidBatchState("resume", "running"), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, tt.err.HTTPStatus)
		})
	}
}

func TestWithParamsMerges(t *testing.T) {
	err := Conflict("CF", "x").WithParam("a", 1).WithParams(map[string]interface{}{"b": 2})
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, err.Params)

	var nilErr *AppError
	assert.Nil(t, nilErr.WithParams(map[string]interface{}{"a": 1}))
}
