package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainerSlug_ValidAndInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		want  string
		errIs error
	}{
		{name: "empty", in: "", want: "", errIs: nil},
		{name: "simple", in: "research-notes", want: "research-notes", errIs: nil},
		{name: "dot", in: ".", want: "", errIs: ErrInvalidContainerSlug},
		{name: "dotdot", in: "..", want: "", errIs: ErrInvalidContainerSlug},
		{name: "slash", in: "a/b", want: "", errIs: ErrInvalidContainerSlug},
		{name: "backslash", in: `a\b`, want: "", errIs: ErrInvalidContainerSlug},
		{name: "traversal", in: "../escape", want: "", errIs: ErrInvalidContainerSlug},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ContainerSlug(tt.in)
			assert.Equal(t, tt.want, got)
			assert.ErrorIs(t, err, tt.errIs)
		})
	}
}

func TestJobID_ValidAndInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		want  string
		errIs error
	}{
		{name: "empty", in: "", want: "", errIs: nil},
		{name: "uuid-like", in: "8f14e45f-ceea-4bc9-a3c0-3b8f1a2c4d5e", want: "8f14e45f-ceea-4bc9-a3c0-3b8f1a2c4d5e", errIs: nil},
		{name: "traversal", in: "../../etc/passwd", want: "", errIs: ErrInvalidJobID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JobID(tt.in)
			assert.Equal(t, tt.want, got)
			assert.ErrorIs(t, err, tt.errIs)
		})
	}
}
