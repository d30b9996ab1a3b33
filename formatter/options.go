package formatter

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/moriyoshi/mimekit/header"
	"github.com/moriyoshi/mimekit/internal/logging"
)

type OptionFunc func(f *Formatter) error

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(f *Formatter) error {
		if logger == nil {
			logger = logging.Discard()
		}
		f.logger = logger
		return nil
	}
}

func WithMIMEVersion(v string) OptionFunc {
	return func(f *Formatter) error {
		f.mimeVersion = v
		return nil
	}
}

// WithIgnoredHeaders drops the named headers from the output.
func WithIgnoredHeaders(names ...string) OptionFunc {
	return func(f *Formatter) error {
		for _, n := range names {
			f.ignored[strings.ToLower(n)] = struct{}{}
		}
		return nil
	}
}

func WithFoldHeaders(enabled bool) OptionFunc {
	return func(f *Formatter) error {
		f.fold = enabled
		return nil
	}
}

func WithHeaderEncoding(enc header.Encoding) OptionFunc {
	return func(f *Formatter) error {
		f.headerEncoding = enc
		return nil
	}
}

// WithAllowBinary stops the formatter from adding a
// Content-Transfer-Encoding to parts that lack one.
func WithAllowBinary(enabled bool) OptionFunc {
	return func(f *Formatter) error {
		f.allowBinary = enabled
		return nil
	}
}

func WithQuoteBoundary(enabled bool) OptionFunc {
	return func(f *Formatter) error {
		f.quoteBoundary = enabled
		return nil
	}
}

// WithMainContentTrailingLineFeeds controls the blank line written after
// the body of a root content part. Nested parts always get it.
func WithMainContentTrailingLineFeeds(enabled bool) OptionFunc {
	return func(f *Formatter) error {
		f.trailingLineFeeds = enabled
		return nil
	}
}

// WithContentEncodingDisabled leaves bodies without the Content-Encoding
// their headers announce.
func WithContentEncodingDisabled(disabled bool) OptionFunc {
	return func(f *Formatter) error {
		f.disableContentEncoding = disabled
		return nil
	}
}

func WithOptimizedCompression(enabled bool) OptionFunc {
	return func(f *Formatter) error {
		f.transcoder.OptimizeCompression = enabled
		return nil
	}
}

func WithChunkSize(n int) OptionFunc {
	return func(f *Formatter) error {
		if n <= 0 {
			return fmt.Errorf("invalid chunk size: %d", n)
		}
		f.transcoder.ChunkSize = n
		return nil
	}
}

// WithQuotableContentTypes sets the content type patterns (path.Match
// syntax) that get quoted-printable when no transfer encoding is set.
func WithQuotableContentTypes(patterns ...string) OptionFunc {
	return func(f *Formatter) error {
		f.quotable = lower(patterns)
		return nil
	}
}

// WithUnencodedContentTypes sets the content type patterns that are left
// unencoded when no transfer encoding is set.
func WithUnencodedContentTypes(patterns ...string) OptionFunc {
	return func(f *Formatter) error {
		f.unencoded = lower(patterns)
		return nil
	}
}

func lower(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}
