package errors

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veristone/keystone/internal/models"
)

func TestConflictErrorCarriesLatest(t *testing.T) {
	latest := &models.Record{Version: 4, Data: models.JSONB{"title": "theirs"}}
	err := NewConflictError(latest)

	assert.Equal(t, http.StatusConflict, err.HTTPStatus())
	assert.Equal(t, "VERSION_CONFLICT", err.Code())
	assert.Equal(t, latest, err.Latest)
	assert.Contains(t, err.Error(), "modified by another user")
}

func TestConflictErrorDeletedMessage(t *testing.T) {
	err := NewConflictError(&models.Record{IsDeleted: true})
	assert.Contains(t, err.Error(), "deleted by another user")
}

func TestToHTTPErrorConflictPayload(t *testing.T) {
	latest := &models.Record{Version: 2}
	status, body := ToHTTPError(NewConflictError(latest))

	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "VERSION_CONFLICT", body["error"])
	assert.Equal(t, latest, body["latest_record"])
}

func TestToHTTPErrorValidationPayload(t *testing.T) {
	fields := []FieldError{{Field: "amount", Message: "Amount must be at least 0"}}
	status, body := ToHTTPError(NewValidationError(fields))

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_ERROR", body["error"])
	require.Equal(t, fields, body["fields"])
}

func TestValidationErrorSingleFieldMessage(t *testing.T) {
	err := NewValidationError([]FieldError{{Field: "title", Message: "Title is required"}})
	assert.Contains(t, err.Error(), "title")
	assert.Contains(t, err.Error(), "Title is required")
}

func TestToHTTPErrorHidesUnknownErrors(t *testing.T) {
	status, body := ToHTTPError(stderrors.New("pq: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL_ERROR", body["error"])
	assert.NotContains(t, body["message"], "pq:")
}

func TestInternalErrorUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := NewInternalError(cause)
	assert.ErrorIs(t, err, cause)
}
