package redact_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xeptore/quefi/redact"
)

func TestString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		expected string
	}{
		{"", ""},
		{"abc", "***"},
		{"abcdefgh", "ab****gh"},
		{"0123456789abcdef", "0123********cdef"},
	}
	for _, test := range tests {
		t.Run(test.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, test.expected, redact.String(test.in))
		})
	}
}
