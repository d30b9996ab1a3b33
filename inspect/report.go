package inspect

import (
	"fmt"
	"strings"
)

type Verification struct {
	Valid   bool     `yaml:"valid" json:"valid"`
	Signers []string `yaml:"signers,omitempty" json:"signers,omitempty"`
	Error   string   `yaml:"error,omitempty" json:"error,omitempty"`
}

// PartReport describes one part. Offsets are relative to the stream the
// parent's children live in; AbsoluteOffset is set when that stream is the
// parsed resource itself.
type PartReport struct {
	Path                    string        `yaml:"path" json:"path"`
	Kind                    string        `yaml:"kind" json:"kind"`
	ContentType             string        `yaml:"content_type" json:"content_type"`
	Name                    string        `yaml:"name,omitempty" json:"name,omitempty"`
	Charset                 string        `yaml:"charset,omitempty" json:"charset,omitempty"`
	TransferEncoding        string        `yaml:"transfer_encoding,omitempty" json:"transfer_encoding,omitempty"`
	ContentTransferEncoding string        `yaml:"content_transfer_encoding,omitempty" json:"content_transfer_encoding,omitempty"`
	ContentEncoding         string        `yaml:"content_encoding,omitempty" json:"content_encoding,omitempty"`
	Offset                  int64         `yaml:"offset" json:"offset"`
	AbsoluteOffset          *int64        `yaml:"absolute_offset,omitempty" json:"absolute_offset,omitempty"`
	BodyOffset              int64         `yaml:"body_offset" json:"body_offset"`
	Size                    int64         `yaml:"size" json:"size"`
	RawSize                 int64         `yaml:"raw_size" json:"raw_size"`
	DecodedSize             *int64        `yaml:"decoded_size,omitempty" json:"decoded_size,omitempty"`
	DecodeError             string        `yaml:"decode_error,omitempty" json:"decode_error,omitempty"`
	Verification            *Verification `yaml:"verification,omitempty" json:"verification,omitempty"`
	FormFields              []string      `yaml:"form_fields,omitempty" json:"form_fields,omitempty"`
	Action                  *Action       `yaml:"action,omitempty" json:"action,omitempty"`
}

type Verdict struct {
	Action Action `yaml:"action" json:"action"`
	// the rule and part that decided a rejection
	Rule string `yaml:"rule,omitempty" json:"rule,omitempty"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

func (v Verdict) Accepted() bool {
	return v.Action == Accept
}

type Report struct {
	Source  string       `yaml:"source,omitempty" json:"source,omitempty"`
	Verdict Verdict      `yaml:"verdict" json:"verdict"`
	Parts   []PartReport `yaml:"parts" json:"parts"`
}

// Signed reports the S/MIME signature state over all signature parts:
// "none", "valid" or "invalid".
func (r *Report) Signed() string {
	state := "none"
	for _, p := range r.Parts {
		if p.Verification == nil {
			continue
		}
		if !p.Verification.Valid {
			return "invalid"
		}
		state = "valid"
	}
	return state
}

// Summary is the value of the inspection header stamped onto a message.
func (r *Report) Summary() (string, []string) {
	comments := []string{
		fmt.Sprintf("parts=%d", len(r.Parts)),
		"smime=" + r.Signed(),
	}
	if r.Verdict.Rule != "" {
		comments = append(
			comments,
			fmt.Sprintf("path=%q", r.Verdict.Path),
			fmt.Sprintf("rule=%q", strings.TrimSpace(r.Verdict.Rule)),
		)
	}
	return r.Verdict.Action.String(), comments
}
