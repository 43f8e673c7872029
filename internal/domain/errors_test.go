package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindDispatch(t *testing.T) {
	base := E(KindStore, "insert failed", errors.New("connection reset"))
	wrapped := fmt.Errorf("pipeline: %w", base)

	assert.Equal(t, KindStore, Kind(wrapped))
	assert.True(t, IsStore(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.Equal(t, KindUnknown, Kind(errors.New("plain")))
}

func TestValidationErrCarriesFields(t *testing.T) {
	err := ValidationErr("bad input", []FieldError{{Field: "name", Msg: "required"}})
	assert.True(t, IsValidation(err))

	var de *Error
	assert.True(t, errors.As(err, &de))
	assert.Len(t, de.Fields, 1)
	assert.Equal(t, "name", de.Fields[0].Field)
}

func TestErrorStringIncludesKind(t *testing.T) {
	err := E(KindTimeout, "scan exceeded deadline", nil)
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "scan exceeded deadline")
}
