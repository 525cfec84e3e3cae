package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified", New(MalformedInput, "bad"), MalformedInput},
		{"wrapped classified", fmt.Errorf("outer: %w", New(NotFound, "gone")), NotFound},
		{"foreign", errors.New("boom"), InternalFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, Status(MalformedInput))
	assert.Equal(t, http.StatusBadRequest, Status(InvalidInterval))
	assert.Equal(t, http.StatusNotFound, Status(NotFound))
	assert.Equal(t, http.StatusServiceUnavailable, Status(ModelUnavailable))
	assert.Equal(t, http.StatusInternalServerError, Status(InternalFailure))
}

func TestKindForStatus(t *testing.T) {
	for _, kind := range []Kind{MalformedInput, NotFound, Unauthorized, TooLarge, InternalFailure} {
		assert.Equal(t, kind, KindForStatus(Status(kind)), "kind %s", kind)
	}
	assert.Equal(t, Unavailable, KindForStatus(http.StatusTooManyRequests))
	assert.Equal(t, InternalFailure, KindForStatus(http.StatusTeapot))
}

func TestToDetail_HidesForeignErrors(t *testing.T) {
	d := ToDetail(fmt.Errorf("open /var/lib/icst/secret.json: permission denied"))
	require.NotNil(t, d)

	assert.Equal(t, InternalFailure, d.Kind)
	assert.Equal(t, http.StatusInternalServerError, d.Code)
	assert.NotContains(t, d.Description, "/var/lib")
}

func TestToDetail_KeepsClassifiedDescription(t *testing.T) {
	d := ToDetail(Wrap(MalformedInput, errors.New("strconv"), "sample %q: non-numeric value", "S1"))
	require.NotNil(t, d)

	assert.Equal(t, MalformedInput, d.Kind)
	assert.Equal(t, 400, d.Code)
	assert.Equal(t, "Bad Request", d.Name)
	assert.Equal(t, `sample "S1": non-numeric value`, d.Description)
}

func TestFromDetail_RoundTripsKind(t *testing.T) {
	err := FromDetail(ToDetail(New(InvalidInterval, "invalid interval")))
	assert.True(t, Is(err, InvalidInterval))
	assert.Nil(t, FromDetail(nil))
	assert.Nil(t, ToDetail(nil))
}
