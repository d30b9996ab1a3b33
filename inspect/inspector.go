// Package inspect reports on parsed part trees, applies content rules to
// them and stamps the outcome onto raw messages.
package inspect

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	yaml "gopkg.in/yaml.v3"

	"github.com/moriyoshi/mimekit/internal/logging"
	"github.com/moriyoshi/mimekit/parser"
	"github.com/moriyoshi/mimekit/part"
	"github.com/moriyoshi/mimekit/smime"
)

type Inspector struct {
	rules        Rules
	decodedSizes bool
	verify       bool
	logger       *slog.Logger
}

type OptionFunc func(*Inspector) error

func WithLogger(logger *slog.Logger) OptionFunc {
	return func(in *Inspector) error {
		if logger == nil {
			logger = logging.Discard()
		}
		in.logger = logger
		return nil
	}
}

func WithRules(rules Rules) OptionFunc {
	return func(in *Inspector) error {
		in.rules = rules
		return nil
	}
}

// WithDecodedSizes controls whether every content body is decoded to
// measure it.
func WithDecodedSizes(enabled bool) OptionFunc {
	return func(in *Inspector) error {
		in.decodedSizes = enabled
		return nil
	}
}

// WithVerification controls whether S/MIME signatures are checked.
func WithVerification(enabled bool) OptionFunc {
	return func(in *Inspector) error {
		in.verify = enabled
		return nil
	}
}

func New(options ...OptionFunc) (*Inspector, error) {
	in := &Inspector{
		decodedSizes: true,
		verify:       true,
		logger:       logging.Discard(),
	}
	for _, option := range options {
		if err := option(in); err != nil {
			return nil, err
		}
	}
	in.logger.Info("inspector created", slog.Int("rules", len(in.rules)))
	for i, rule := range in.rules {
		in.logger.Debug("rule", slog.Int("precedence", i), slog.String("rule", rule.String()))
	}
	return in, nil
}

func RulesFromYAML(b []byte) (Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(b, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func RulesFromYAMLFile(path string) (Rules, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return RulesFromYAML(b)
}

func walk(p part.Part, fn func(part.Part) error) error {
	if err := fn(p); err != nil {
		return err
	}
	for _, c := range p.Children() {
		if err := walk(c, fn); err != nil {
			return err
		}
	}
	return nil
}

func decodedSize(p part.Part) (int64, error) {
	rc, err := p.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return io.Copy(io.Discard, rc)
}

func (in *Inspector) inspectPart(p part.Part) PartReport {
	h := p.Headers()
	pr := PartReport{
		Path:                    p.Path(),
		Kind:                    p.Kind().String(),
		ContentType:             p.ContentType(),
		Name:                    h.Name(),
		Charset:                 h.Charset(),
		TransferEncoding:        h.TransferEncoding(),
		ContentTransferEncoding: h.ContentTransferEncoding(),
		ContentEncoding:         h.ContentEncoding(),
	}
	if pos, ok := p.Position(); ok {
		pr.Offset = pos.Offset
		pr.BodyOffset = pos.BodyOffset
		pr.Size = pos.Size
		pr.RawSize = pos.RawSize
		if abs, ok := p.AbsoluteOffset(); ok {
			pr.AbsoluteOffset = &abs
		}
	}
	if in.decodedSizes && p.HasContent() {
		n, err := decodedSize(p)
		if err != nil {
			pr.DecodeError = err.Error()
		} else {
			pr.DecodedSize = &n
		}
	}
	if in.verify && smime.IsSignature(p) {
		pr.Verification = verification(p)
	}
	if values, ok := parser.FormValues(p); ok {
		for k := range values {
			pr.FormFields = append(pr.FormFields, k)
		}
		sort.Strings(pr.FormFields)
	}
	return pr
}

func verification(p part.Part) *Verification {
	res, err := smime.Verification(p)
	if err != nil {
		return &Verification{Error: err.Error()}
	}
	v := &Verification{Valid: res.Valid}
	for _, c := range res.Certificates {
		v.Signers = append(v.Signers, c.Subject.String())
	}
	if res.Err != nil {
		v.Error = res.Err.Error()
	}
	return v
}

// Inspect reports on every part under root in document order. The first
// part a rejecting rule matches decides the verdict; the report still
// covers the whole tree.
func (in *Inspector) Inspect(root part.Part) (Report, Verdict, error) {
	if !root.Valid() {
		return Report{}, Verdict{}, fmt.Errorf("no part to inspect")
	}
	report := Report{Verdict: Verdict{Action: Accept}}
	err := walk(root, func(p part.Part) error {
		pr := in.inspectPart(p)
		if rule, ok := in.rules.Evaluate(pr.ContentType, pr.Name); ok {
			action := rule.Action
			pr.Action = &action
			if action == Reject && report.Verdict.Accepted() {
				report.Verdict = Verdict{Action: Reject, Rule: rule.String(), Path: pr.Path}
				in.logger.Info(
					"part rejected",
					slog.String("path", pr.Path),
					slog.String("content_type", pr.ContentType),
					slog.String("rule", rule.String()),
				)
			}
		}
		if pr.DecodeError != "" {
			in.logger.Warn("failed to decode part", slog.String("path", pr.Path), slog.String("error", pr.DecodeError))
		}
		report.Parts = append(report.Parts, pr)
		return nil
	})
	if err != nil {
		return report, report.Verdict, err
	}
	return report, report.Verdict, nil
}
