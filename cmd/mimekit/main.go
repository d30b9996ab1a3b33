package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/moriyoshi/mimekit/config"
	"github.com/moriyoshi/mimekit/formatter"
	"github.com/moriyoshi/mimekit/parser"
	"github.com/moriyoshi/mimekit/part"
	"github.com/moriyoshi/mimekit/smime"
	"github.com/moriyoshi/mimekit/smime/cms"
)

type Globals struct {
	Config   string     `name:"config" short:"c" help:"Path to a YAML or TOML configuration file." env:"MIMEKIT_CONFIG" optional:"" type:"existingfile"`
	LogLevel slog.Level `name:"log-level" help:"Log level." env:"MIMEKIT_LOG_LEVEL" default:"INFO" enum:"DEBUG,INFO,WARN,ERROR"`
}

type CLI struct {
	Globals

	Parse    ParseCmd    `cmd:"" help:"Parse messages and print a report of their parts."`
	Extract  ExtractCmd  `cmd:"" help:"Write the decoded leaf parts of a message to a directory."`
	Format   FormatCmd   `cmd:"" help:"Parse a message and format it again."`
	Chunk    ChunkCmd    `cmd:"" help:"Encode or decode a chunked transfer coding stream."`
	Sign     SignCmd     `cmd:"" help:"Wrap a message in multipart/signed."`
	Verify   VerifyCmd   `cmd:"" help:"Verify the S/MIME signatures found in a message."`
	Encrypt  EncryptCmd  `cmd:"" help:"Wrap a message in S/MIME enveloped data."`
	Compress CompressCmd `cmd:"" help:"Wrap a message in S/MIME compressed data."`
	Unwrap   UnwrapCmd   `cmd:"" aliases:"decrypt,decompress" help:"Decrypt or decompress an S/MIME message."`
	Serve    ServeCmd    `cmd:"" help:"Run an SMTP sink that inspects and spools incoming mail."`
}

// env is what every command runs with.
type env struct {
	logger *slog.Logger
	config *config.Config
	stdin  io.Reader
	stdout io.Writer
}

func (g *Globals) initLogger() *slog.Logger {
	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{Level: g.LogLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: g.LogLevel})
	}
	return slog.New(handler)
}

func (g *Globals) loadConfig(logger *slog.Logger) (*config.Config, error) {
	if g.Config == "" {
		return &config.Config{}, nil
	}
	logger.Debug("loading configuration", slog.String("path", g.Config))
	return config.LoadFile(g.Config)
}

func (e *env) smime(options ...cms.OptionFunc) (*cms.Provider, error) {
	options = append([]cms.OptionFunc{cms.WithLogger(e.logger)}, options...)
	return e.config.SMIMEProvider(options...)
}

// parser builds a parser from the configuration. Bodies of unknown length
// are read to the end of the input unless configured otherwise.
func (e *env) parser(c smime.Crypto, extra ...parser.OptionFunc) (*parser.Parser, error) {
	configured, err := e.config.ParserOptions()
	if err != nil {
		return nil, err
	}
	options := []parser.OptionFunc{
		parser.WithLogger(e.logger),
		parser.WithUnknownLength(parser.UnknownLengthReadAll),
	}
	options = append(options, configured...)
	if c != nil {
		options = append(options, smime.WithCrypto(c))
	}
	options = append(options, extra...)
	return parser.New(options...)
}

func (e *env) formatter() (*formatter.Formatter, error) {
	configured, err := e.config.FormatterOptions()
	if err != nil {
		return nil, err
	}
	return formatter.New(append([]formatter.OptionFunc{formatter.WithLogger(e.logger)}, configured...)...)
}

// input returns the resource for a file argument; "-" is standard input.
func (e *env) input(name string) part.Resource {
	if name == "" || name == "-" {
		return part.NewSpoolResource(e.stdin)
	}
	return part.FileResource(name)
}

func (e *env) parse(name string, c smime.Crypto) (part.Part, error) {
	p, err := e.parser(c)
	if err != nil {
		return part.Part{}, err
	}
	root, err := p.Parse(e.input(name))
	if err != nil {
		return part.Part{}, fmt.Errorf("%s: %w", name, err)
	}
	return root, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func (e *env) output(name string) (io.WriteCloser, error) {
	if name == "" || name == "-" {
		return nopWriteCloser{e.stdout}, nil
	}
	return os.Create(name)
}

// format writes p to the named output with the configured formatter.
func (e *env) format(name string, p part.Part) (err error) {
	f, err := e.formatter()
	if err != nil {
		return err
	}
	w, err := e.output(name)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()
	pf, err := formatter.NewPullFormatter(f, p)
	if err != nil {
		return err
	}
	defer pf.Close()
	_, err = io.Copy(w, pf)
	return err
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()
	var CLI CLI
	kongCtx := kong.Parse(
		&CLI,
		kong.Name("mimekit"),
		kong.Description("Parse, inspect, format and wrap MIME messages."),
		kong.UsageOnError(),
	)
	logger := CLI.initLogger()
	cfg, err := CLI.loadConfig(logger)
	kongCtx.FatalIfErrorf(err)
	kongCtx.BindTo(ctx, (*context.Context)(nil))
	err = kongCtx.Run(&env{
		logger: logger,
		config: cfg,
		stdin:  os.Stdin,
		stdout: os.Stdout,
	})
	kongCtx.FatalIfErrorf(err)
}
