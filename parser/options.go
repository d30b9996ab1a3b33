package parser

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/moriyoshi/mimekit/header"
	"github.com/moriyoshi/mimekit/internal/logging"
	"github.com/moriyoshi/mimekit/transcode"
)

// UnknownLengthPolicy decides what happens to a root content part whose
// body has neither a Content-Length nor chunked framing.
type UnknownLengthPolicy int

const (
	UnknownLengthReject UnknownLengthPolicy = iota
	UnknownLengthEmpty
	UnknownLengthReadAll
)

func (p UnknownLengthPolicy) String() string {
	switch p {
	case UnknownLengthReject:
		return "reject"
	case UnknownLengthEmpty:
		return "empty"
	case UnknownLengthReadAll:
		return "read-all"
	}
	return "unknown"
}

func ParseUnknownLengthPolicy(s string) (UnknownLengthPolicy, error) {
	switch strings.ToLower(s) {
	case "", "reject":
		return UnknownLengthReject, nil
	case "empty":
		return UnknownLengthEmpty, nil
	case "read-all", "readall":
		return UnknownLengthReadAll, nil
	}
	return 0, fmt.Errorf("unknown length policy %q", s)
}

// ContinuePolicy is consulted when a root part carries
// "Expect: 100-continue". Returning false leaves the body unread.
type ContinuePolicy interface {
	ShouldContinue(headers header.List) bool
}

type ContinuePolicyFunc func(headers header.List) bool

func (fn ContinuePolicyFunc) ShouldContinue(headers header.List) bool {
	return fn(headers)
}

var AlwaysContinue ContinuePolicy = ContinuePolicyFunc(func(header.List) bool { return true })

type OptionFunc func(p *Parser) error

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(p *Parser) error {
		if logger == nil {
			logger = logging.Discard()
		}
		p.logger = logger
		return nil
	}
}

// WithTrimSize sets how many bytes of trailing whitespace, on top of the
// line breaks framing a boundary, are excluded from a part's size.
func WithTrimSize(n int) OptionFunc {
	return func(p *Parser) error {
		if n < 0 {
			return fmt.Errorf("negative trim size: %d", n)
		}
		p.trimSize = n
		return nil
	}
}

func WithUnknownLength(policy UnknownLengthPolicy) OptionFunc {
	return func(p *Parser) error {
		p.unknownLength = policy
		return nil
	}
}

// WithClosedConnectionBodies reads a root body of unknown length to the
// end when the part says "Connection: close".
func WithClosedConnectionBodies(enabled bool) OptionFunc {
	return func(p *Parser) error {
		p.closedConnectionBodies = enabled
		return nil
	}
}

// WithBoundaryCleanup makes the parser consume what follows the closing
// boundary of a root multipart. Nested multiparts are always drained up to
// the enclosing delimiter.
func WithBoundaryCleanup(enabled bool) OptionFunc {
	return func(p *Parser) error {
		p.cleanup = enabled
		return nil
	}
}

// WithTolerantBoundaries accepts anything between a closing boundary and
// the next delimiter instead of whitespace only.
func WithTolerantBoundaries(enabled bool) OptionFunc {
	return func(p *Parser) error {
		p.tolerant = enabled
		return nil
	}
}

func WithContinuePolicy(policy ContinuePolicy) OptionFunc {
	return func(p *Parser) error {
		if policy == nil {
			policy = AlwaysContinue
		}
		p.continuePolicy = policy
		return nil
	}
}

func WithTranscoder(r *transcode.Registry) OptionFunc {
	return func(p *Parser) error {
		if r == nil {
			return fmt.Errorf("nil transcoder")
		}
		p.transcoder = r
		return nil
	}
}

func WithMaxChunkSize(n int64) OptionFunc {
	return func(p *Parser) error {
		if n <= 0 {
			return fmt.Errorf("invalid maximum chunk size: %d", n)
		}
		r := *p.transcoder
		r.MaxChunkSize = n
		p.transcoder = &r
		return nil
	}
}

func WithHandler(contentType string, h Handler) OptionFunc {
	return func(p *Parser) error {
		p.SetHandler(contentType, h)
		return nil
	}
}
