package mimekit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/moriyoshi/mimekit/types"
)

// SpoolOutlet writes each accepted message to dir as <id>.eml. The file
// appears under its final name only once it is complete.
func SpoolOutlet(dir string) (types.Outlet, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return func(_ context.Context, m types.Mail, rd *types.ReceptionDescriptor) error {
		name := strings.ReplaceAll(rd.ID, string(filepath.Separator), "_") + ".eml"
		f, err := os.CreateTemp(dir, ".spool-*")
		if err != nil {
			return err
		}
		_, err = f.Write(m.Data())
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(f.Name())
			return fmt.Errorf("failed to spool %s: %w", rd.ID, err)
		}
		return os.Rename(f.Name(), filepath.Join(dir, name))
	}, nil
}

// LogOutlet logs a line per accepted message and its parts.
func LogOutlet(logger *slog.Logger) types.Outlet {
	return func(ctx context.Context, m types.Mail, rd *types.ReceptionDescriptor) error {
		logger.InfoContext(
			ctx,
			"mail received",
			slog.String("id", rd.ID),
			slog.String("sender", m.Sender()),
			slog.Any("recipients", m.Recipients()),
			slog.Int("size", len(m.Data())),
		)
		root := m.Root()
		if !root.Valid() {
			return nil
		}
		for _, c := range root.Children() {
			logger.DebugContext(ctx, "part", slog.String("id", rd.ID), slog.String("path", c.Path()), slog.String("content_type", c.ContentType()))
		}
		return nil
	}
}
