package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"Valid", strings.Repeat("a", 42) + "_", true},
		{"ValidDash", "-" + strings.Repeat("Z9", 21), true},
		{"TooShort", strings.Repeat("a", 42), false},
		{"TooLong", strings.Repeat("a", 44), false},
		{"BadChar", strings.Repeat("a", 42) + "+", false},
		{"Empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrValidation)
			}
		})
	}
}

func TestTagsContentType(t *testing.T) {
	tags := Tags{{Name: "App-Name", Value: "x"}, {Name: "content-type", Value: "image/png"}}
	assert.Equal(t, "image/png", tags.ContentType())
	assert.Equal(t, DefaultContentType, Tags{}.ContentType())

	v, ok := tags.Get("APP-NAME")
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestChunkKey(t *testing.T) {
	assert.Equal(t, "root/256", ChunkKey("root", 256))
	loc := ChunkLocation{DataRoot: "r", Offset: 0}
	assert.Equal(t, "r/0", loc.Key())
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{nil, http.StatusOK},
		{NotFoundf("missing %s", "x"), http.StatusNotFound},
		{&OriginError{Status: 410, Err: ErrNotFound}, http.StatusNotFound},
		{Validationf("bad"), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", ErrUpstreamUnavailable), http.StatusBadGateway},
		{fmt.Errorf("%w: %w", ErrUpstreamUnavailable, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{ErrDepthExceeded, http.StatusLoopDetected},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status, HTTPStatus(tt.err), "%v", tt.err)
	}
}

func TestB64URLRoundTrip(t *testing.T) {
	data := []byte("hello permaweb")
	decoded, err := DecodeB64URL(EncodeB64URL(data) + "==")
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}
