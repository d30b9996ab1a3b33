package parser

import (
	"io"
	"net/url"

	"github.com/moriyoshi/mimekit/mimeerr"
	"github.com/moriyoshi/mimekit/part"
)

var FormHandler = NewHandler(part.KindContent, parseForm)

func parseForm(p *Parser, pt part.Part) error {
	rc, err := pt.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	values, err := url.ParseQuery(string(b))
	if err != nil {
		pos, _ := pt.Position()
		return mimeerr.NewParseError(pos.Offset+pos.BodyOffset, err, "invalid form body")
	}
	pt.SetExtension(values)
	return nil
}

// FormValues returns the fields of a part parsed by FormHandler.
func FormValues(pt part.Part) (url.Values, bool) {
	v, ok := pt.Extension().(url.Values)
	return v, ok
}
