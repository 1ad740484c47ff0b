package methods

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

func TestDefaultsValidate(t *testing.T) {
	r, err := NewRegistry(Defaults()...)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 7}, r.IDs())

	tests := []struct {
		name   string
		method uint32
		input  string
		ok     bool
	}{
		{"spider ok", 1, `{"url":"https://example.com"}`, true},
		{"spider extra fields allowed", 1, `{"url":"x","depth":2}`, true},
		{"spider missing url", 1, `{"link":"x"}`, false},
		{"spider wrong type", 1, `{"url":42}`, false},
		{"spider not an object", 1, `["x"]`, false},
		{"spider null", 1, `null`, false},
		{"crawl ok", 2, `{"crawl_id": 17}`, true},
		{"echo accepts anything", 7, "\x00\x01binary", true},
		{"unknown method", 99, `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.method, []byte(tt.input))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, types.ErrInvalidRequest)
			}
		})
	}
}

func TestValidateOutput(t *testing.T) {
	r, err := NewRegistry(Defaults()...)
	require.NoError(t, err)

	assert.NoError(t, r.ValidateOutput(2, []byte(`{"urls":["a","b"]}`)))
	assert.ErrorIs(t, r.ValidateOutput(2, []byte(`{"urls":"a"}`)), types.ErrInvalidRequest)
	assert.NoError(t, r.ValidateOutput(7, []byte("anything")))
}

func TestNewRegistryRejectsBadDescriptors(t *testing.T) {
	_, err := NewRegistry(Descriptor{ID: 1, Name: "a"}, Descriptor{ID: 1, Name: "b"})
	assert.Error(t, err)

	_, err = NewRegistry(Descriptor{ID: 3, Name: "c", In: []Field{{"x", "uuid"}}})
	assert.Error(t, err)
}
