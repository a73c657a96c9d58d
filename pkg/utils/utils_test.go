package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "shorter than limit", in: "hello", n: 10, want: "hello"},
		{name: "exactly at limit", in: "hello", n: 5, want: "hello"},
		{name: "over the limit", in: "hello world", n: 5, want: "hello..."},
		{name: "zero limit", in: "hello", n: 0, want: ""},
		{name: "multibyte runes", in: "héllo wörld", n: 6, want: "héllo ..."},
		{name: "empty string", in: "", n: 5, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.n))
		})
	}
}

func TestToPointer(t *testing.T) {
	v := ToPointer(42)
	assert.Equal(t, 42, *v)

	s := ToPointer("x")
	assert.Equal(t, "x", *s)
}
