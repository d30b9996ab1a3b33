package parser

import (
	"github.com/moriyoshi/mimekit/part"
)

// Handler decides how a content type is parsed. Kind tells whether the
// part holds children; Parse runs once the part has been positioned, and
// may read the part back, attach an extension or parse nested content.
type Handler interface {
	Kind() part.Kind
	Parse(p *Parser, pt part.Part) error
}

type handler struct {
	kind  part.Kind
	parse func(p *Parser, pt part.Part) error
}

func (h *handler) Kind() part.Kind {
	return h.kind
}

func (h *handler) Parse(p *Parser, pt part.Part) error {
	if h.parse == nil {
		return nil
	}
	return h.parse(p, pt)
}

// NewHandler builds a Handler from a kind and an optional deferred step.
func NewHandler(kind part.Kind, parse func(p *Parser, pt part.Part) error) Handler {
	return &handler{kind: kind, parse: parse}
}

var (
	ContentHandler   = NewHandler(part.KindContent, nil)
	MultipartHandler = NewHandler(part.KindMulti, nil)
)
