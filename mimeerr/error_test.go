package mimeerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		err      error
		expected string
		sentinel error
	}{
		{
			name:     "parse error with offset",
			err:      NewParseError(12, ErrMalformedBoundary, "boundary %q", "xyz"),
			expected: `parse error at offset 12: boundary "xyz": malformed boundary trailer`,
			sentinel: ErrMalformedBoundary,
		},
		{
			name:     "parse error without offset",
			err:      NewParseError(-1, nil, "oops"),
			expected: "parse error: oops",
		},
		{
			name:     "format error",
			err:      NewFormatError(ErrImmutable, "can not add boundary"),
			expected: "format error: can not add boundary: part is not modifiable",
			sentinel: ErrImmutable,
		},
		{
			name:     "wrapped",
			err:      fmt.Errorf("outer: %w", NewParseError(0, ErrChunkTooLarge, "chunk")),
			expected: "outer: parse error at offset 0: chunk: chunk exceeds the maximum chunk size",
			sentinel: ErrChunkTooLarge,
		},
	}

	for i, c := range cases {
		t.Run(fmt.Sprintf("#%d: %s", i, c.name), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, c.expected, c.err.Error())
			if c.sentinel != nil {
				assert.True(t, errors.Is(c.err, c.sentinel))
			}
		})
	}

	var pe *ParseError
	assert.True(t, errors.As(fmt.Errorf("x: %w", NewParseError(3, nil, "y")), &pe))
	assert.Equal(t, int64(3), pe.Offset)
}
