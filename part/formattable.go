package part

import (
	"io"

	"github.com/moriyoshi/mimekit/header"
)

// Formatter renders a part and everything below it.
type Formatter interface {
	FormatPart(w io.Writer, p Part) error
	// FormatHeaders writes a header block and the blank line after it the
	// way the formatter writes the headers of any other part.
	FormatHeaders(w io.Writer, hs header.List) error
	// TransferEncoder wraps w in the named Content-Transfer-Encoding.
	TransferEncoder(w io.Writer, cte string) (io.WriteCloser, error)
}

// Formattable is a part that renders itself. self is the node holding it,
// so the implementation can reach its own headers. Implementations that
// can render more than once report it through a Reopenable() bool method.
type Formattable interface {
	Format(f Formatter, w io.Writer, self Part) error
}

// FormattableFunc adapts a function to Formattable.
type FormattableFunc func(f Formatter, w io.Writer, self Part) error

func (fn FormattableFunc) Format(f Formatter, w io.Writer, self Part) error {
	return fn(f, w, self)
}
