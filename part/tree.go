// Package part holds the MIME document tree. Parts live in an arena owned
// by a Tree and are addressed through lightweight Part handles; each node
// records the index of its parent and its own index among its siblings.
package part

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/moriyoshi/mimekit/header"
	"github.com/moriyoshi/mimekit/mimeerr"
	"github.com/moriyoshi/mimekit/transcode"
)

type Kind int

const (
	KindContent Kind = iota
	KindMulti
	KindFormattable
)

func (k Kind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindMulti:
		return "multi"
	case KindFormattable:
		return "formattable"
	}
	return "unknown"
}

// Position locates a parsed part. Offset is relative to the stream its
// parent hands to its children: the parent's raw bytes, or a decoded
// stream for parents that transform their body. Size covers the header
// block and the trimmed body; RawSize is the untrimmed span before the
// enclosing delimiter.
type Position struct {
	Offset     int64
	BodyOffset int64
	Size       int64
	RawSize    int64
}

// Opener opens a fresh stream on every call.
type Opener func() (io.ReadCloser, error)

type node struct {
	kind        Kind
	headers     header.List
	parent      int
	index       int
	children    []int
	content     Content
	formattable Formattable
	pos         *Position
	modifiable  bool
	reopenable  *bool
	ext         any
	childBase   Opener
}

// Tree is the arena holding every part of one document.
type Tree struct {
	nodes      []node
	resource   Resource
	Transcoder *transcode.Registry
}

func NewTree() *Tree {
	return &Tree{Transcoder: transcode.New()}
}

// NewTreeWithResource returns a tree whose parsed parts read their bytes
// from res.
func NewTreeWithResource(res Resource) *Tree {
	t := NewTree()
	t.resource = res
	return t
}

func (t *Tree) Resource() Resource {
	return t.resource
}

func (t *Tree) Len() int {
	return len(t.nodes)
}

// Root returns the first part without a parent.
func (t *Tree) Root() Part {
	for i := range t.nodes {
		if t.nodes[i].parent < 0 {
			return Part{t: t, i: i}
		}
	}
	return Part{}
}

func (t *Tree) Part(id int) Part {
	if id < 0 || id >= len(t.nodes) {
		return Part{}
	}
	return Part{t: t, i: id}
}

func (t *Tree) add(kind Kind, parent Part, headers header.List) Part {
	if parent.t != nil && parent.t != t {
		panic("part: parent belongs to another tree")
	}
	n := node{kind: kind, headers: headers, parent: -1, modifiable: true}
	id := len(t.nodes)
	if parent.t != nil {
		pn := parent.node()
		n.parent = parent.i
		n.index = len(pn.children)
		pn.children = append(pn.children, id)
	}
	t.nodes = append(t.nodes, n)
	return Part{t: t, i: id}
}

func (t *Tree) NewContent(parent Part, content Content, headers ...header.Header) Part {
	p := t.add(KindContent, parent, headers)
	p.node().content = content
	return p
}

func (t *Tree) NewMulti(parent Part, headers ...header.Header) Part {
	return t.add(KindMulti, parent, headers)
}

func (t *Tree) NewFormattable(parent Part, f Formattable, headers ...header.Header) Part {
	p := t.add(KindFormattable, parent, headers)
	p.node().formattable = f
	return p
}

// NewParsed records a part produced by a parser. Parsed parts are not
// modifiable unless made so explicitly.
func (t *Tree) NewParsed(kind Kind, parent Part, headers header.List, pos Position) Part {
	p := t.add(kind, parent, headers)
	n := p.node()
	n.pos = &pos
	n.modifiable = false
	return p
}

// Part is a handle on a node of a Tree. The zero value refers to no part.
type Part struct {
	t *Tree
	i int
}

func (p Part) Valid() bool {
	return p.t != nil
}

func (p Part) Tree() *Tree {
	return p.t
}

func (p Part) ID() int {
	return p.i
}

func (p Part) node() *node {
	return &p.t.nodes[p.i]
}

func (p Part) Kind() Kind {
	return p.node().kind
}

// Headers returns the header list of the part. It must not be modified
// directly; use SetHeader, AddHeader and RemoveHeader.
func (p Part) Headers() header.List {
	return p.node().headers
}

func (p Part) Header(name string) (header.Header, bool) {
	return p.node().headers.Get(name)
}

func (p Part) Modifiable() bool {
	return p.node().modifiable
}

func (p Part) SetModifiable(v bool) {
	p.node().modifiable = v
}

func (p Part) mutable() (*node, error) {
	n := p.node()
	if !n.modifiable {
		return nil, mimeerr.NewFormatError(mimeerr.ErrImmutable, "part %s", p.Path())
	}
	return n, nil
}

func (p Part) SetHeader(hs ...header.Header) error {
	n, err := p.mutable()
	if err != nil {
		return err
	}
	n.headers.Set(hs...)
	return nil
}

func (p Part) AddHeader(hs ...header.Header) error {
	n, err := p.mutable()
	if err != nil {
		return err
	}
	n.headers.Add(hs...)
	return nil
}

func (p Part) RemoveHeader(names ...string) error {
	n, err := p.mutable()
	if err != nil {
		return err
	}
	n.headers.Remove(names...)
	return nil
}

// AppendHeaders adds headers regardless of the modifiable flag; parsers
// use it for chunked trailers discovered after the part was recorded.
func (p Part) AppendHeaders(hs ...header.Header) {
	n := p.node()
	n.headers = append(n.headers, hs...)
}

func (p Part) Parent() (Part, bool) {
	n := p.node()
	if n.parent < 0 {
		return Part{}, false
	}
	return Part{t: p.t, i: n.parent}, true
}

func (p Part) Index() int {
	return p.node().index
}

func (p Part) ContentType() string {
	return p.node().headers.ContentType()
}

// Name returns the file name from the headers, or partN for a child
// without one.
func (p Part) Name() string {
	n := p.node()
	if name := n.headers.Name(); name != "" {
		return name
	}
	if n.parent >= 0 {
		return "part" + strconv.Itoa(n.index)
	}
	return ""
}

// Path names the part by the sibling indexes leading to it, e.g. "0.1".
// The root is "".
func (p Part) Path() string {
	var idx []string
	for q := p; ; {
		parent, ok := q.Parent()
		if !ok {
			break
		}
		idx = append(idx, strconv.Itoa(q.Index()))
		q = parent
	}
	for i, j := 0, len(idx)-1; i < j; i, j = i+1, j-1 {
		idx[i], idx[j] = idx[j], idx[i]
	}
	return strings.Join(idx, ".")
}

func (p Part) Children() []Part {
	n := p.node()
	if len(n.children) == 0 {
		return nil
	}
	cs := make([]Part, len(n.children))
	for i, c := range n.children {
		cs[i] = Part{t: p.t, i: c}
	}
	return cs
}

func (p Part) ChildCount() int {
	return len(p.node().children)
}

func (p Part) Child(name string) (Part, bool) {
	for _, c := range p.Children() {
		if c.Name() == name {
			return c, true
		}
	}
	return Part{}, false
}

// HasContent reports whether a content part has a body to render.
func (p Part) HasContent() bool {
	n := p.node()
	return n.kind == KindContent && (n.content != nil || n.pos != nil)
}

func (p Part) Formattable() Formattable {
	return p.node().formattable
}

func (p Part) Extension() any {
	return p.node().ext
}

// SetExtension attaches handler-specific state, such as parsed form
// values or a signature verification result.
func (p Part) SetExtension(v any) {
	p.node().ext = v
}

func (p Part) Position() (Position, bool) {
	n := p.node()
	if n.pos == nil {
		return Position{}, false
	}
	return *n.pos, true
}

func (p Part) SetPosition(pos Position) {
	p.node().pos = &pos
}

// SetChildBase makes the children of p address their offsets in the
// stream returned by open instead of in the raw bytes of p.
func (p Part) SetChildBase(open Opener) {
	p.node().childBase = open
}

func (p Part) SetReopenable(v bool) {
	p.node().reopenable = &v
}

func (p Part) Reopenable() bool {
	n := p.node()
	if n.reopenable != nil {
		return *n.reopenable
	}
	switch n.kind {
	case KindContent:
		if n.content != nil {
			return n.content.Reopenable()
		}
		if n.pos != nil {
			return resourceReopenable(p.t.resource)
		}
		return true
	case KindMulti:
		for _, c := range p.Children() {
			if !c.Reopenable() {
				return false
			}
		}
		return true
	case KindFormattable:
		if r, ok := n.formattable.(interface{ Reopenable() bool }); ok {
			return r.Reopenable()
		}
	}
	return false
}

func (p Part) String() string {
	if !p.Valid() {
		return "<nil part>"
	}
	return fmt.Sprintf("%s part %q (%s)", p.Kind(), p.Path(), p.ContentType())
}
