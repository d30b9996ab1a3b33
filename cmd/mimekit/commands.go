package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-mbox"
	"golang.org/x/sync/errgroup"
	yaml "gopkg.in/yaml.v3"

	"github.com/moriyoshi/mimekit/chunked"
	"github.com/moriyoshi/mimekit/inspect"
	"github.com/moriyoshi/mimekit/part"
)

type ParseCmd struct {
	Files    []string `arg:"" help:"Messages to parse, - for standard input." default:"-"`
	Mbox     bool     `name:"mbox" help:"Treat each file as an mbox and report every message in it."`
	Output   string   `name:"output" short:"o" help:"Report format." enum:"yaml,json" default:"yaml"`
	Jobs     int      `name:"jobs" short:"j" help:"Number of messages parsed at once." default:"4"`
	Rules    string   `name:"rules" help:"Inspection rules file, replacing the configured rules." env:"MIMEKIT_RULES" optional:"" type:"existingfile"`
	NoDecode bool     `name:"no-decode" help:"Do not decode bodies to measure their size."`
	NoVerify bool     `name:"no-verify" help:"Do not verify S/MIME signatures."`
}

type source struct {
	name string
	res  part.Resource
}

func (c *ParseCmd) sources(e *env) ([]source, error) {
	var sources []source
	for _, name := range c.Files {
		if !c.Mbox {
			sources = append(sources, source{name: name, res: e.input(name)})
			continue
		}
		found, err := mboxSources(e, name)
		if err != nil {
			return nil, err
		}
		sources = append(sources, found...)
	}
	return sources, nil
}

func mboxSources(e *env, name string) ([]source, error) {
	var r io.Reader = e.stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var sources []source
	mr := mbox.NewReader(r)
	for i := 0; ; i++ {
		msg, err := mr.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		b, err := io.ReadAll(msg)
		if err != nil {
			return nil, fmt.Errorf("%s: message %d: %w", name, i, err)
		}
		sources = append(sources, source{name: fmt.Sprintf("%s#%d", name, i), res: part.BytesResource(b)})
	}
	e.logger.Debug("mbox read", slog.String("path", name), slog.Int("messages", len(sources)))
	return sources, nil
}

func (c *ParseCmd) Run(ctx context.Context, e *env) error {
	provider, err := e.smime()
	if err != nil {
		return err
	}
	p, err := e.parser(provider)
	if err != nil {
		return err
	}
	rules := e.config.Rules
	if c.Rules != "" {
		if rules, err = inspect.RulesFromYAMLFile(c.Rules); err != nil {
			return err
		}
	}
	in, err := inspect.New(
		inspect.WithLogger(e.logger),
		inspect.WithRules(rules),
		inspect.WithDecodedSizes(!c.NoDecode),
		inspect.WithVerification(!c.NoVerify),
	)
	if err != nil {
		return err
	}
	sources, err := c.sources(e)
	if err != nil {
		return err
	}

	reports := make([]inspect.Report, len(sources))
	eg, ctx := errgroup.WithContext(ctx)
	if c.Jobs > 0 {
		eg.SetLimit(c.Jobs)
	}
	for i, src := range sources {
		i, src := i, src
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			root, err := p.Parse(src.res)
			if err != nil {
				return fmt.Errorf("%s: %w", src.name, err)
			}
			report, _, err := in.Inspect(root)
			if err != nil {
				return fmt.Errorf("%s: %w", src.name, err)
			}
			report.Source = src.name
			reports[i] = report
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return writeReports(e.stdout, c.Output, reports)
}

func writeReports(w io.Writer, format string, reports []inspect.Report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	default:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		for _, r := range reports {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return enc.Close()
	}
}

type ExtractCmd struct {
	File string `arg:"" help:"Message to extract from, - for standard input." default:"-"`
	Dir  string `name:"dir" short:"d" help:"Directory the parts are written to." default:"." type:"path"`
}

func leaves(p part.Part, fn func(part.Part) error) error {
	children := p.Children()
	if len(children) == 0 {
		if !p.HasContent() {
			return nil
		}
		return fn(p)
	}
	for _, c := range children {
		if err := leaves(c, fn); err != nil {
			return err
		}
	}
	return nil
}

// fileName picks a file name for p that stays inside the target directory
// and has not been used yet.
func fileName(p part.Part, used map[string]bool) string {
	name := filepath.Base(filepath.FromSlash(p.Headers().Name()))
	if name == "." || name == string(filepath.Separator) || name == ".." {
		name = ""
	}
	path := p.Path()
	if path == "" {
		path = "root"
	}
	if name == "" {
		name = "part-" + strings.ReplaceAll(path, ".", "-") + ".bin"
	}
	if used[name] {
		name = strings.ReplaceAll(path, ".", "-") + "-" + name
	}
	used[name] = true
	return name
}

func extractPart(p part.Part, path string) (err error) {
	rc, err := p.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(f, rc)
	return err
}

func (c *ExtractCmd) Run(e *env) error {
	provider, err := e.smime()
	if err != nil {
		return err
	}
	root, err := e.parse(c.File, provider)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return err
	}
	used := make(map[string]bool)
	return leaves(root, func(p part.Part) error {
		path := filepath.Join(c.Dir, fileName(p, used))
		if err := extractPart(p, path); err != nil {
			return fmt.Errorf("failed to extract %s: %w", p, err)
		}
		e.logger.Info(
			"part extracted",
			slog.String("path", p.Path()),
			slog.String("content_type", p.ContentType()),
			slog.String("file", path),
		)
		return nil
	})
}

type FormatCmd struct {
	File   string `arg:"" help:"Message to format, - for standard input." default:"-"`
	Output string `name:"output" short:"o" help:"Output file, - for standard output." default:"-"`
}

func (c *FormatCmd) Run(e *env) error {
	provider, err := e.smime()
	if err != nil {
		return err
	}
	root, err := e.parse(c.File, provider)
	if err != nil {
		return err
	}
	return e.format(c.Output, root)
}

type ChunkCmd struct {
	File   string `arg:"" help:"Input, - for standard input." default:"-"`
	Output string `name:"output" short:"o" help:"Output file, - for standard output." default:"-"`
	Decode bool   `name:"decode" short:"d" help:"Decode a chunked stream instead of encoding one."`
	Size   int    `name:"size" help:"Chunk size used when encoding." default:"4096"`
}

func (c *ChunkCmd) Run(e *env) (err error) {
	rc, err := e.input(c.File).Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	w, err := e.output(c.Output)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()
	if c.Decode {
		cr := chunked.NewReader(rc)
		if e.config.Parser.MaxChunkSize > 0 {
			cr.MaxChunkSize = e.config.Parser.MaxChunkSize
		}
		if _, err := io.Copy(w, cr); err != nil {
			return err
		}
		for _, h := range cr.Trailers() {
			e.logger.Info("trailer", slog.String("name", h.Name), slog.String("value", h.Value))
		}
		return nil
	}
	cw := chunked.NewWriter(w, c.Size)
	if _, err := io.Copy(cw, rc); err != nil {
		return err
	}
	return cw.Close()
}
