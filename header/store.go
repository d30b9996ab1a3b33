package header

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

type ComponentType int

const (
	HeaderLine ComponentType = iota
	Straggler
	Body
)

type Component struct {
	Type ComponentType
	Data [][]byte
}

// Store records a scanned header block so it can be edited and replayed.
type Store []Component

func (s *Store) HandleStraggler(b []byte) error {
	b = append([]byte(nil), b...)
	*s = append(*s, Component{Type: Straggler, Data: [][]byte{b}})
	return nil
}

func (s *Store) HandleHeaderLine(chunks [][]byte) error {
	// the scanner reuses its chunk slice between lines
	*s = append(*s, Component{Type: HeaderLine, Data: append([][]byte(nil), chunks...)})
	return nil
}

func (s *Store) HandleBody(r Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	*s = append(*s, Component{Type: Body, Data: [][]byte{body}})
	return nil
}

// Insert places a rendered header line in front of the first recorded
// header line.
func (s *Store) Insert(h Header) error {
	line, err := h.Render(false, EncodingRFC2047)
	if err != nil {
		return err
	}
	c := Component{Type: HeaderLine, Data: [][]byte{[]byte(line)}}
	for i, existing := range *s {
		if existing.Type == HeaderLine {
			*s = append((*s)[:i], append([]Component{c}, (*s)[i:]...)...)
			return nil
		}
	}
	*s = append([]Component{c}, *s...)
	return nil
}

// Remove drops the recorded header lines carrying any of the given names.
func (s *Store) Remove(names ...string) {
	kept := (*s)[:0]
	for _, c := range *s {
		if c.Type == HeaderLine {
			if i := bytes.IndexByte(c.Data[0], ':'); i >= 0 && hasName(string(bytes.TrimSpace(c.Data[0][:i])), names) {
				continue
			}
		}
		kept = append(kept, c)
	}
	*s = kept
}

func hasName(name string, names []string) bool {
	for _, n := range names {
		if strings.EqualFold(name, n) {
			return true
		}
	}
	return false
}

// Headers parses the recorded header lines.
func (s *Store) Headers() (List, error) {
	var l List
	for _, c := range *s {
		if c.Type != HeaderLine {
			continue
		}
		h, err := Parse(Unfold(c.Data))
		if err != nil {
			return nil, err
		}
		l = append(l, h)
	}
	return l, nil
}

func (s *Store) Replay(h ScannerHandler) error {
	for _, c := range *s {
		switch c.Type {
		case HeaderLine:
			if err := h.HandleHeaderLine(c.Data); err != nil {
				return err
			}
		case Straggler:
			if err := h.HandleStraggler(c.Data[0]); err != nil {
				return err
			}
		case Body:
			if err := h.HandleBody(bufio.NewReader(bytes.NewReader(c.Data[0]))); err != nil {
				return err
			}
		}
	}
	return nil
}
