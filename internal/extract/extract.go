// Package extract turns raw RFC 5322 messages into the fields a
// notification needs: sender, subject, date and a plain-text body.
package extract

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// DegradedMarker replaces a body that could not be decoded.
const DegradedMarker = "[message body could not be decoded]"

// Header holds the decoded envelope fields of a message.
type Header struct {
	From      string // decoded From header, e.g. `Ops <ops@example.com>`
	Address   string // first From address, lower-cased; empty if unparsable
	Subject   string
	Date      time.Time
	MessageID string
}

// Sender returns the value used for sender matching.
func (h Header) Sender() string {
	if h.Address != "" {
		return h.Address
	}
	return h.From
}

// Content is the result of Extract.
type Content struct {
	Header
	Body     string
	Degraded bool
	Err      error
}

// Envelope parses only the header block of raw. On a malformed header the
// fields read before the fault are returned together with the error.
func Envelope(raw []byte) (Header, error) {
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	h := mail.Header{Header: message.Header{Header: th}}
	return decodeHeader(h), err
}

func decodeHeader(h mail.Header) Header {
	var out Header

	out.From = h.Get("From")
	if s, err := h.Text("From"); err == nil {
		out.From = s
	}
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		out.Address = strings.ToLower(addrs[0].Address)
	}

	out.Subject = h.Get("Subject")
	if s, err := h.Subject(); err == nil {
		out.Subject = s
	}
	out.Subject = strings.Join(strings.Fields(out.Subject), " ")

	if d, err := h.Date(); err == nil {
		out.Date = d
	}
	if id, err := h.MessageID(); err == nil {
		out.MessageID = id
	}
	return out
}

// Extract decodes raw into a Content. Inline text/plain parts are preferred
// and concatenated in order; otherwise the first text/html part is
// converted with HTMLToText. Attachments are skipped. Any decoding failure
// yields a Content with Degraded set and Body equal to DegradedMarker.
// raw is never modified.
func Extract(raw []byte) Content {
	hdr, herr := Envelope(raw)
	c := Content{Header: hdr}

	body, err := readBody(raw)
	if err == nil && herr != nil {
		err = herr
	}
	if err != nil {
		c.Body = DegradedMarker
		c.Degraded = true
		c.Err = err
		return c
	}
	c.Body = body
	return c
}

func readBody(raw []byte) (string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	var plain []string
	var htmlBody string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return "", fmt.Errorf("read part: %w", err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		if ct == "" {
			ct = "text/plain"
		}
		if ct != "text/plain" && ct != "text/html" {
			continue
		}

		b, err := io.ReadAll(p.Body)
		if err != nil {
			return "", fmt.Errorf("decode %s part: %w", ct, err)
		}
		switch ct {
		case "text/plain":
			if s := strings.TrimSpace(normalizeNewlines(string(b))); s != "" {
				plain = append(plain, s)
			}
		case "text/html":
			if htmlBody == "" {
				htmlBody = string(b)
			}
		}
	}

	if len(plain) > 0 {
		return strings.Join(plain, "\n\n"), nil
	}
	if htmlBody != "" {
		return HTMLToText(htmlBody), nil
	}
	return "", nil
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
