package inspect

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/textproto"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/stretchr/testify/assert"
	yaml "gopkg.in/yaml.v3"

	"github.com/moriyoshi/mimekit/formatter"
	"github.com/moriyoshi/mimekit/internal/testcert"
	"github.com/moriyoshi/mimekit/parser"
	"github.com/moriyoshi/mimekit/part"
	"github.com/moriyoshi/mimekit/smime"
	"github.com/moriyoshi/mimekit/smime/cms"
	"github.com/moriyoshi/mimekit/types"
)

const message = "From: a@example.com\r\n" +
	"Subject: report\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=xyz\r\n" +
	"\r\n" +
	"--xyz\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"aGVsbG8gd29ybGQ=\r\n" +
	"--xyz\r\n" +
	"Content-Type: application/x-www-form-urlencoded\r\n" +
	"\r\n" +
	"b=2&a=1\r\n" +
	"--xyz\r\n" +
	"Content-Type: application/x-msdownload\r\n" +
	"Content-Disposition: attachment; filename=\"setup.exe\"\r\n" +
	"\r\n" +
	"MZ\r\n" +
	"--xyz--\r\n"

func parse(t *testing.T, b []byte, options ...parser.OptionFunc) part.Part {
	options = append(options, parser.WithUnknownLength(parser.UnknownLengthReadAll))
	p, err := parser.New(options...)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	root, err := p.ParseBytes(b)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return root
}

func TestRulesUnmarshal(t *testing.T) {
	t.Setenv("MIMEKIT_TEST_EXT", "exe")

	cases := []struct {
		name      string
		unmarshal func(b []byte, v interface{}) error
		input     string
	}{
		{
			name:      "json list",
			unmarshal: json.Unmarshal,
			input:     `[{"name": "\\.${env.MIMEKIT_TEST_EXT}$", "action": "reject"}, {"content_type": "^text/", "action": "accept"}]`,
		},
		{
			name:      "yaml list",
			unmarshal: yaml.Unmarshal,
			input:     "- name: \\.${env.MIMEKIT_TEST_EXT}$\n  action: reject\n- content_type: ^text/\n  action: accept\n",
		},
		{
			name:      "toml tables",
			unmarshal: func(b []byte, v interface{}) error { return toml.Unmarshal(b, v) },
			input:     "[[rules]]\nname = '\\.${env.MIMEKIT_TEST_EXT}$'\naction = 'reject'\n[[rules]]\ncontent_type = '^text/'\naction = 'accept'\n",
		},
	}
	for i, c := range cases {
		t.Run(fmt.Sprintf("#%d: %s", i, c.name), func(t *testing.T) {
			var rules Rules
			var err error
			if c.name == "toml tables" {
				var doc struct {
					Rules Rules `toml:"rules"`
				}
				err = c.unmarshal([]byte(c.input), &doc)
				rules = doc.Rules
			} else {
				err = c.unmarshal([]byte(c.input), &rules)
			}
			if !assert.NoError(t, err) {
				t.FailNow()
			}
			if !assert.Len(t, rules, 2) {
				t.FailNow()
			}
			assert.Equal(t, `\.exe$`, rules[0].Name.String())
			assert.Nil(t, rules[0].ContentType)
			assert.Equal(t, Reject, rules[0].Action)
			assert.Equal(t, "^text/", rules[1].ContentType.String())
			assert.Equal(t, Accept, rules[1].Action)
		})
	}

	t.Run("yaml mapping keeps order", func(t *testing.T) {
		var rules Rules
		err := yaml.Unmarshal([]byte("'^text/': accept\n'^application/': reject\n'.*': accept\n"), &rules)
		if !assert.NoError(t, err) {
			t.FailNow()
		}
		if assert.Len(t, rules, 3) {
			assert.Equal(t, "^text/", rules[0].ContentType.String())
			assert.Equal(t, "^application/", rules[1].ContentType.String())
			assert.Equal(t, ".*", rules[2].ContentType.String())
		}
	})

	t.Run("invalid", func(t *testing.T) {
		for _, input := range []string{
			`[{"action": "reject"}]`,
			`[{"name": "x", "action": "drop"}]`,
			`[{"name": "(", "action": "reject"}]`,
			`{"x": 1}`,
			`"x"`,
		} {
			var rules Rules
			assert.Error(t, json.Unmarshal([]byte(input), &rules), input)
		}
	})
}

func TestInspect(t *testing.T) {
	t.Parallel()

	root := parse(t, []byte(message))
	in, err := New(WithRules(Rules{
		{ContentType: regexp.MustCompile(`^text/`), Action: Accept},
		{Name: regexp.MustCompile(`\.exe$`), Action: Reject},
	}))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	report, verdict, err := in.Inspect(root)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.False(t, verdict.Accepted())
	assert.Equal(t, "2", verdict.Path)
	assert.Equal(t, verdict, report.Verdict)

	if !assert.Len(t, report.Parts, 4) {
		t.FailNow()
	}
	rootReport := report.Parts[0]
	assert.Equal(t, "", rootReport.Path)
	assert.Equal(t, "multi", rootReport.Kind)
	assert.Equal(t, "multipart/mixed", rootReport.ContentType)
	assert.Nil(t, rootReport.DecodedSize)
	assert.Equal(t, int64(len(message)), rootReport.Size)

	text := report.Parts[1]
	assert.Equal(t, "0", text.Path)
	assert.Equal(t, "utf-8", text.Charset)
	assert.Equal(t, "base64", text.ContentTransferEncoding)
	if assert.NotNil(t, text.DecodedSize) {
		assert.Equal(t, int64(len("hello world")), *text.DecodedSize)
	}
	if assert.NotNil(t, text.AbsoluteOffset) {
		assert.Equal(t, int64(strings.Index(message, "Content-Type: text/plain")), *text.AbsoluteOffset)
	}
	if assert.NotNil(t, text.Action) {
		assert.Equal(t, Accept, *text.Action)
	}

	form := report.Parts[2]
	assert.Equal(t, []string{"a", "b"}, form.FormFields)
	assert.Nil(t, form.Action)

	exe := report.Parts[3]
	assert.Equal(t, "setup.exe", exe.Name)
	if assert.NotNil(t, exe.Action) {
		assert.Equal(t, Reject, *exe.Action)
	}

	value, comments := report.Summary()
	assert.Equal(t, "reject", value)
	assert.Equal(t, []string{"parts=4", "smime=none", `path="2"`, `rule="name=~\\.exe$ reject"`}, comments)

	out, err := yaml.Marshal(report)
	if assert.NoError(t, err) {
		assert.Contains(t, string(out), "action: reject")
		assert.Contains(t, string(out), "form_fields:")
	}
}

func TestInspectSignatures(t *testing.T) {
	t.Parallel()

	id, err := testcert.New("inspected")
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	c, err := cms.New(cms.WithIdentity(id))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	src := parse(t, []byte("Content-Type: text/plain\r\n\r\nsigned body"))
	f, err := formatter.New()
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	var buf bytes.Buffer
	if !assert.NoError(t, f.Format(&buf, smime.Sign(src, c, smime.SHA256))) {
		t.FailNow()
	}

	in, err := New()
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	report, verdict, err := in.Inspect(parse(t, buf.Bytes(), smime.WithCrypto(c)))
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.True(t, verdict.Accepted())
	assert.Equal(t, "valid", report.Signed())
	sig := report.Parts[len(report.Parts)-1]
	if assert.NotNil(t, sig.Verification) {
		assert.True(t, sig.Verification.Valid)
		assert.Equal(t, []string{"CN=inspected"}, sig.Verification.Signers)
	}

	tampered := bytes.Replace(buf.Bytes(), []byte("signed body"), []byte("signed b0dy"), 1)
	report, _, err = in.Inspect(parse(t, tampered, smime.WithCrypto(c)))
	if assert.NoError(t, err) {
		assert.Equal(t, "invalid", report.Signed())
	}
}

func TestStamp(t *testing.T) {
	t.Parallel()

	pubKey, privKey, err := ed25519.GenerateKey(rand.New(rand.NewSource(0)))
	if err != nil {
		t.Fatal(err)
	}
	raw := "DKIM-Signature: v=1; a=rsa-sha256; d=old.example;\r\n b=stale\r\n" +
		"X-MIME-Inspection: accept; parts=99\r\n" +
		"From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: folded\r\n  subject\r\n" +
		"\r\n" +
		"Hello, World!\r\n"
	report := &Report{
		Verdict: Verdict{Action: Accept},
		Parts:   []PartReport{{Path: "", Kind: "content", ContentType: "text/plain"}},
	}

	var buf bytes.Buffer
	err = Stamp(
		&buf, strings.NewReader(raw), report,
		WithReception(&types.ReceptionDescriptor{
			SenderHost: "sender.example.com",
			Host:       "receiver.example.com",
			Protocol:   "ESMTP",
			ID:         "id",
			Timestamp:  time.Unix(0, 0).UTC(),
		}),
		WithDKIMSignOptions(&dkim.SignOptions{
			Domain:     "example.com",
			Selector:   "selector",
			Signer:     privKey,
			Hash:       crypto.SHA256,
			HeaderKeys: []string{"From", "To", "Subject", InspectionHeader},
		}),
	)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "DKIM-Signature: "))
	assert.NotContains(t, out, "b=stale")
	assert.NotContains(t, out, "parts=99")
	assert.Contains(t, out, "\r\nReceived: from sender.example.com by receiver.example.com with ESMTP id id; Thu, 01 Jan 1970 00:00:00 +0000\r\n")
	assert.Contains(t, out, "\r\nX-MIME-Inspection: accept; parts=1; smime=none\r\nFrom: a@example.com\r\n")
	assert.Contains(t, out, "Subject: folded\r\n  subject\r\n\r\nHello, World!\r\n")

	h, err := textproto.NewReader(bufio.NewReader(strings.NewReader(out))).ReadMIMEHeader()
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.Equal(t, "accept; parts=1; smime=none", h.Get(InspectionHeader))

	v, err := dkim.VerifyWithOptions(strings.NewReader(out), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return []string{fmt.Sprintf("v=DKIM1; k=ed25519; p=%s", base64.StdEncoding.EncodeToString(pubKey))}, nil
		},
	})
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	if assert.Len(t, v, 1) {
		assert.NoError(t, v[0].Err)
	}
}
