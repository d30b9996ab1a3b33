// Package logging holds the logger used when a component is given none.
package logging

import (
	"context"
	"log/slog"
)

// BlackholeHandler is a slog.Handler that drops every record.
type BlackholeHandler struct{}

func (BlackholeHandler) Enabled(context.Context, slog.Level) bool { return false }

func (BlackholeHandler) Handle(context.Context, slog.Record) error { return nil }

func (h BlackholeHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h BlackholeHandler) WithGroup(string) slog.Handler { return h }

// Discard returns a logger that writes nowhere. A nil logger passed to a
// WithLogger option is replaced with it.
func Discard() *slog.Logger {
	return slog.New(BlackholeHandler{})
}
